package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/RelayChat/internal/auth"
	"github.com/fenggwsx/RelayChat/internal/config"
	"github.com/fenggwsx/RelayChat/internal/hub"
	"github.com/fenggwsx/RelayChat/internal/presence"
	"github.com/fenggwsx/RelayChat/internal/protocol"
	"github.com/fenggwsx/RelayChat/internal/storage"
	"github.com/fenggwsx/RelayChat/internal/storage/sqlstore"
	"github.com/fenggwsx/RelayChat/internal/updates"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []updates.Update
}

func (p *recordingPublisher) Publish(_ context.Context, u updates.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []updates.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]updates.Kind, 0, len(p.updates))
	for _, u := range p.updates {
		out = append(out, u.Kind)
	}
	return out
}

type fixture struct {
	t         *testing.T
	store     *sqlstore.Store
	hub       *hub.Hub
	coord     *Coordinator
	jwt       config.JWTConfig
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	publisher := &recordingPublisher{}
	f := newFixtureWithPublisher(t, publisher)
	f.publisher = publisher
	return f
}

func newFixtureWithPublisher(t *testing.T, publisher updates.Publisher) *fixture {
	t.Helper()
	return newFixtureWith(t, publisher, nil)
}

// newFixtureWith lets wrap decorate the store the coordinator sees. The
// fixture keeps the undecorated store for assertions.
func newFixtureWith(t *testing.T, publisher updates.Publisher, wrap func(storage.Store) storage.Store) *fixture {
	t.Helper()
	store, err := sqlstore.Open(config.DatabaseConfig{
		Driver: sqlstore.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "chat.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	log := logrus.NewEntry(logger)

	h := hub.New(log, 256)
	jwtCfg := config.JWTConfig{Secret: "test", Issuer: "relaychat", Expiration: time.Hour}
	var backing storage.Store = store
	if wrap != nil {
		backing = wrap(store)
	}
	coord := NewCoordinator(
		backing,
		h,
		presence.NewTracker(store, h, log),
		auth.NewVerifier(jwtCfg),
		publisher,
		log,
		Options{OfflineOnDisconnect: true},
	)
	return &fixture{t: t, store: store, hub: h, coord: coord, jwt: jwtCfg}
}

func (f *fixture) users(n int) []storage.User {
	f.t.Helper()
	out := make([]storage.User, 0, n)
	for i := 0; i < n; i++ {
		u := storage.User{Username: fmt.Sprintf("user%d", i+1), Name: fmt.Sprintf("User %d", i+1), Password: "x"}
		require.NoError(f.t, f.store.CreateUser(context.Background(), &u))
		out = append(out, u)
	}
	return out
}

// connect registers a session already bound to userID.
func (f *fixture) connect(userID uint) *hub.Session {
	f.t.Helper()
	s := f.hub.Register()
	require.NoError(f.t, f.hub.BindUser(s.ID(), userID))
	return s
}

func (f *fixture) send(s *hub.Session, event string, payload interface{}) {
	f.t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(f.t, err)
	f.coord.Dispatch(context.Background(), s, env)
}

func (f *fixture) sendRaw(s *hub.Session, event, payload string) {
	f.coord.Dispatch(context.Background(), s, protocol.Envelope{ID: "raw", Event: event, Payload: json.RawMessage(payload)})
}

func (f *fixture) next(s *hub.Session, event string, dst interface{}) protocol.Envelope {
	f.t.Helper()
	select {
	case env, ok := <-s.Outbound():
		require.True(f.t, ok, "session closed")
		require.Equal(f.t, event, env.Event, "payload: %s", env.Payload)
		if dst != nil {
			require.NoError(f.t, json.Unmarshal(env.Payload, dst))
		}
		return env
	case <-time.After(time.Second):
		f.t.Fatalf("no %s event", event)
		return protocol.Envelope{}
	}
}

func (f *fixture) nextError(s *hub.Session, event string) protocol.ErrorPayload {
	f.t.Helper()
	var payload protocol.ErrorPayload
	f.next(s, protocol.ErrorEvent(event), &payload)
	return payload
}

func (f *fixture) drain(sessions ...*hub.Session) {
	for _, s := range sessions {
		for len(s.Outbound()) > 0 {
			<-s.Outbound()
		}
	}
}

func (f *fixture) directChat(s *hub.Session, current uint, others ...uint) protocol.ChatCreated {
	f.t.Helper()
	var created protocol.ChatCreated
	f.send(s, protocol.EventCreateChat, protocol.CreateChatRequest{CurrentUserID: current, UserIDs: others})
	f.next(s, protocol.EventCreateChat, &created)
	return created
}

func (f *fixture) join(s *hub.Session, room uint) {
	f.t.Helper()
	f.send(s, protocol.EventJoinRoom, protocol.RoomRequest{Room: room})
	f.next(s, protocol.EventJoinRoom, nil)
}
