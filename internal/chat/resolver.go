package chat

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fenggwsx/RelayChat/internal/storage"
)

// ChatLister is the store query the resolver needs.
type ChatLister interface {
	ChatsByGroupFlag(ctx context.Context, isGroup bool) ([]storage.Chat, error)
}

// Resolver finds an existing direct chat for an exact participant set.
type Resolver struct {
	store ChatLister
}

// NewResolver builds a resolver over store.
func NewResolver(store ChatLister) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the existing chat whose membership equals
// {currentUserID} ∪ otherUserIDs, or nil when a new chat must be created.
// Groups are never deduplicated.
func (r *Resolver) Resolve(ctx context.Context, currentUserID uint, otherUserIDs []uint, isGroup bool) (*storage.Chat, error) {
	if isGroup {
		return nil, nil
	}
	participants, err := directParticipants(currentUserID, otherUserIDs)
	if err != nil {
		return nil, err
	}

	chats, err := r.store.ChatsByGroupFlag(ctx, false)
	if err != nil {
		return nil, err
	}
	var found *storage.Chat
	for i := range chats {
		if !sameMembers(chats[i].MemberIDs(), participants) {
			continue
		}
		if found == nil || chats[i].ID < found.ID {
			found = &chats[i]
		}
	}
	return found, nil
}

// directParticipants returns the sorted, distinct participant set of a
// direct chat request.
func directParticipants(currentUserID uint, otherUserIDs []uint) ([]uint, error) {
	members := participantSet(currentUserID, otherUserIDs)
	if len(members) < 2 {
		return nil, fmt.Errorf("%w: a direct chat needs at least one other user", ErrInvalidInput)
	}
	return members, nil
}

func participantSet(currentUserID uint, otherUserIDs []uint) []uint {
	seen := map[uint]struct{}{currentUserID: {}}
	members := []uint{currentUserID}
	for _, id := range otherUserIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func sameMembers(a, b []uint) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]uint(nil), a...)
	sort.Slice(x, func(i, j int) bool { return x[i] < x[j] })
	for i := range x {
		if x[i] != b[i] {
			return false
		}
	}
	return true
}

func participantKey(members []uint) string {
	parts := make([]string, len(members))
	for i, id := range members {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}
