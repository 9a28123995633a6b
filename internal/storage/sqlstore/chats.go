package sqlstore

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/fenggwsx/RelayChat/internal/storage"
)

// CreateChat persists chat together with its membership set.
func (s *Store) CreateChat(ctx context.Context, chat *storage.Chat, memberIDs []uint) error {
	if chat == nil {
		return fmt.Errorf("%w: nil chat", storage.ErrInvalidArgument)
	}
	members := dedupe(memberIDs)
	model := chatModel{
		Name:          chat.Name,
		AdminID:       chat.AdminID,
		ChatPhotoLink: chat.ChatPhotoLink,
		IsGroup:       chat.IsGroup,
		CreatedAt:     chat.CreatedAt,
	}
	var created storage.Chat
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireUsers(tx, members); err != nil {
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if err := insertMemberships(tx, model.ID, members); err != nil {
			return err
		}
		chats, err := s.withMembers(tx, []chatModel{model})
		if err != nil {
			return err
		}
		created = chats[0]
		return nil
	})
	if err != nil {
		return translate(err)
	}
	*chat = created
	return nil
}

// GetChat retrieves a chat with its members.
func (s *Store) GetChat(ctx context.Context, id uint) (*storage.Chat, error) {
	tx := s.db.WithContext(ctx)
	model, err := requireChat(tx, id)
	if err != nil {
		return nil, translate(err)
	}
	chats, err := s.withMembers(tx, []chatModel{*model})
	if err != nil {
		return nil, translate(err)
	}
	return &chats[0], nil
}

// UpdateChat overwrites the supplied fields. A non-nil MemberIDs replaces the
// membership set; users dropped from it lose their unread marks in the chat.
func (s *Store) UpdateChat(ctx context.Context, id uint, update storage.ChatUpdate) (*storage.Chat, error) {
	var updated storage.Chat
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireChat(tx, id); err != nil {
			return err
		}

		changes := map[string]interface{}{}
		if update.Name != nil {
			changes["name"] = *update.Name
		}
		if update.ChatPhotoLink != nil {
			changes["chat_photo_link"] = *update.ChatPhotoLink
		}
		if len(changes) > 0 {
			if err := tx.Model(&chatModel{}).Where("id = ?", id).Updates(changes).Error; err != nil {
				return err
			}
		}

		if update.MemberIDs != nil {
			if err := replaceMembers(tx, id, dedupe(update.MemberIDs)); err != nil {
				return err
			}
		}

		model, err := requireChat(tx, id)
		if err != nil {
			return err
		}
		chats, err := s.withMembers(tx, []chatModel{*model})
		if err != nil {
			return err
		}
		updated = chats[0]
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return &updated, nil
}

func replaceMembers(tx *gorm.DB, chatID uint, next []uint) error {
	if err := requireUsers(tx, next); err != nil {
		return err
	}
	var current []uint
	if err := tx.Model(&membershipModel{}).Where("chat_id = ?", chatID).Pluck("user_id", &current).Error; err != nil {
		return err
	}
	keep := make(map[uint]struct{}, len(next))
	for _, id := range next {
		keep[id] = struct{}{}
	}
	have := make(map[uint]struct{}, len(current))
	var removed []uint
	for _, id := range current {
		have[id] = struct{}{}
		if _, ok := keep[id]; !ok {
			removed = append(removed, id)
		}
	}
	var added []uint
	for _, id := range next {
		if _, ok := have[id]; !ok {
			added = append(added, id)
		}
	}

	if len(removed) > 0 {
		if err := tx.Where("chat_id = ? AND user_id IN ?", chatID, removed).Delete(&membershipModel{}).Error; err != nil {
			return err
		}
		if err := clearUnread(tx, chatID, removed); err != nil {
			return err
		}
	}
	return insertMemberships(tx, chatID, added)
}

func insertMemberships(tx *gorm.DB, chatID uint, userIDs []uint) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]membershipModel, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, membershipModel{ChatID: chatID, UserID: id})
	}
	return tx.Create(&rows).Error
}

// clearUnread drops the unread marks userIDs hold on messages of chatID.
func clearUnread(tx *gorm.DB, chatID uint, userIDs []uint) error {
	var messageIDs []uint
	if err := tx.Model(&messageModel{}).Where("chat_id = ?", chatID).Pluck("id", &messageIDs).Error; err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}
	return tx.Where("user_id IN ? AND message_id IN ?", userIDs, messageIDs).Delete(&unreadModel{}).Error
}

// DeleteChat removes a chat with its messages, attachments, unread marks and
// memberships.
func (s *Store) DeleteChat(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := requireChat(tx, id); err != nil {
			return err
		}
		var messageIDs []uint
		if err := tx.Model(&messageModel{}).Where("chat_id = ?", id).Pluck("id", &messageIDs).Error; err != nil {
			return err
		}
		if len(messageIDs) > 0 {
			if err := tx.Where("message_id IN ?", messageIDs).Delete(&unreadModel{}).Error; err != nil {
				return err
			}
			if err := tx.Where("message_id IN ?", messageIDs).Delete(&sentFileModel{}).Error; err != nil {
				return err
			}
			if err := tx.Where("chat_id = ?", id).Delete(&messageModel{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("chat_id = ?", id).Delete(&membershipModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&chatModel{}).Error
	})
	return translate(err)
}

// RemoveMember drops one user from one chat. When the user administers the
// chat, the role passes to the remaining member with the lowest id, or is
// cleared if nobody remains.
func (s *Store) RemoveMember(ctx context.Context, chatID, userID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := requireChat(tx, chatID)
		if err != nil {
			return err
		}
		res := tx.Where("chat_id = ? AND user_id = ?", chatID, userID).Delete(&membershipModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: user %d is not a member of chat %d", storage.ErrNotFound, userID, chatID)
		}
		if model.AdminID != nil && *model.AdminID == userID {
			if err := handOffAdmin(tx, chatID, userID); err != nil {
				return err
			}
		}
		return clearUnread(tx, chatID, []uint{userID})
	})
	return translate(err)
}

func handOffAdmin(tx *gorm.DB, chatID, leaving uint) error {
	var rest []uint
	err := tx.Model(&membershipModel{}).
		Where("chat_id = ? AND user_id <> ?", chatID, leaving).
		Order("user_id").
		Limit(1).
		Pluck("user_id", &rest).Error
	if err != nil {
		return err
	}
	var next interface{}
	if len(rest) > 0 {
		next = rest[0]
	}
	return tx.Model(&chatModel{}).Where("id = ?", chatID).Update("admin_id", next).Error
}

// ChatsByGroupFlag lists every chat with the given group flag, ordered by id.
func (s *Store) ChatsByGroupFlag(ctx context.Context, isGroup bool) ([]storage.Chat, error) {
	tx := s.db.WithContext(ctx)
	var models []chatModel
	if err := tx.Where("is_group = ?", isGroup).Order("id").Find(&models).Error; err != nil {
		return nil, translate(err)
	}
	chats, err := s.withMembers(tx, models)
	return chats, translate(err)
}

// ChatsByUser lists the chats userID belongs to, ordered by id.
func (s *Store) ChatsByUser(ctx context.Context, userID uint) ([]storage.Chat, error) {
	tx := s.db.WithContext(ctx)
	var chatIDs []uint
	if err := tx.Model(&membershipModel{}).Where("user_id = ?", userID).Pluck("chat_id", &chatIDs).Error; err != nil {
		return nil, translate(err)
	}
	if len(chatIDs) == 0 {
		return []storage.Chat{}, nil
	}
	var models []chatModel
	if err := tx.Where("id IN ?", chatIDs).Order("id").Find(&models).Error; err != nil {
		return nil, translate(err)
	}
	chats, err := s.withMembers(tx, models)
	return chats, translate(err)
}

// UsersByChat lists a chat's members ordered by id.
func (s *Store) UsersByChat(ctx context.Context, chatID uint) ([]storage.User, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return chat.Members, nil
}

func (s *Store) withMembers(tx *gorm.DB, models []chatModel) ([]storage.Chat, error) {
	chats := make([]storage.Chat, 0, len(models))
	if len(models) == 0 {
		return chats, nil
	}
	ids := make([]uint, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var rows []membershipModel
	if err := tx.Where("chat_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	userIDs := make([]uint, 0, len(rows))
	for _, r := range rows {
		userIDs = append(userIDs, r.UserID)
	}
	users, err := s.usersByIDs(tx, dedupe(userIDs))
	if err != nil {
		return nil, err
	}
	members := make(map[uint][]storage.User, len(models))
	for _, r := range rows {
		if u, ok := users[r.UserID]; ok {
			members[r.ChatID] = append(members[r.ChatID], u)
		}
	}
	for _, m := range models {
		list := members[m.ID]
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		if list == nil {
			list = []storage.User{}
		}
		chats = append(chats, storage.Chat{
			ID:            m.ID,
			Name:          m.Name,
			AdminID:       m.AdminID,
			ChatPhotoLink: m.ChatPhotoLink,
			IsGroup:       m.IsGroup,
			CreatedAt:     m.CreatedAt,
			Members:       list,
		})
	}
	return chats, nil
}
