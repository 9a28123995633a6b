//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/fenggwsx/RelayChat/internal/config"
	"github.com/fenggwsx/RelayChat/internal/server"
)

func InitializeApp(cfg config.ServerConfig) (*server.App, func(), error) {
	wire.Build(AppSet)
	return &server.App{}, nil, nil
}
