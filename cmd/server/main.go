package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/fenggwsx/RelayChat/internal/config"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	app, cleanup, err := InitializeApp(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("init server")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logrus.WithError(err).Error("server shutdown")
	}
}
