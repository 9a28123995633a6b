package main

import (
	"fmt"

	"github.com/google/wire"
	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/auth"
	"github.com/fenggwsx/RelayChat/internal/chat"
	"github.com/fenggwsx/RelayChat/internal/config"
	"github.com/fenggwsx/RelayChat/internal/hub"
	"github.com/fenggwsx/RelayChat/internal/logging"
	"github.com/fenggwsx/RelayChat/internal/presence"
	"github.com/fenggwsx/RelayChat/internal/server"
	"github.com/fenggwsx/RelayChat/internal/storage"
	"github.com/fenggwsx/RelayChat/internal/storage/sqlstore"
	"github.com/fenggwsx/RelayChat/internal/updates"
)

var AppSet = wire.NewSet(
	ProvideLogger,
	ProvideStore,
	wire.Bind(new(storage.Store), new(*sqlstore.Store)),
	ProvideHub,
	ProvideTracker,
	ProvideVerifier,
	ProvidePublisher,
	ProvideCoordinator,
	server.NewApp,
)

func ProvideLogger(cfg config.ServerConfig) *logrus.Entry {
	return logrus.NewEntry(logging.New(cfg.Log)).WithField("service", "relaychat")
}

func ProvideStore(cfg config.ServerConfig, log *logrus.Entry) (*sqlstore.Store, func(), error) {
	store, err := sqlstore.Open(cfg.Database, log.WithField("component", "sqlstore"))
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("close storage")
		}
	}
	return store, cleanup, nil
}

func ProvideHub(cfg config.ServerConfig, log *logrus.Entry) *hub.Hub {
	return hub.New(log, cfg.SendBuffer)
}

func ProvideTracker(store storage.Store, h *hub.Hub, log *logrus.Entry) *presence.Tracker {
	return presence.NewTracker(store, h, log.WithField("component", "presence"))
}

func ProvideVerifier(cfg config.ServerConfig) *auth.Verifier {
	return auth.NewVerifier(cfg.JWT)
}

func ProvidePublisher(cfg config.ServerConfig, log *logrus.Entry) (updates.Publisher, error) {
	return updates.New(cfg.Kafka, log.WithField("component", "updates"))
}

func ProvideCoordinator(
	cfg config.ServerConfig,
	store storage.Store,
	h *hub.Hub,
	tracker *presence.Tracker,
	verifier *auth.Verifier,
	publisher updates.Publisher,
	log *logrus.Entry,
) *chat.Coordinator {
	return chat.NewCoordinator(store, h, tracker, verifier, publisher, log, chat.Options{
		OfflineOnDisconnect: cfg.OfflineOnDisconnect,
	})
}
