package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fenggwsx/RelayChat/internal/chat"
	"github.com/fenggwsx/RelayChat/internal/config"
	"github.com/fenggwsx/RelayChat/internal/hub"
	"github.com/fenggwsx/RelayChat/internal/storage"
	"github.com/fenggwsx/RelayChat/internal/updates"
)

const shutdownGrace = 5 * time.Second

// App owns the network listeners and the lifecycle of every connection.
type App struct {
	cfg       config.ServerConfig
	store     storage.Store
	hub       *hub.Hub
	coord     *chat.Coordinator
	publisher updates.Publisher
	log       *logrus.Entry

	conns     sync.WaitGroup
	closeOnce sync.Once
}

// NewApp constructs a server instance using the provided dependencies.
func NewApp(
	cfg config.ServerConfig,
	store storage.Store,
	h *hub.Hub,
	coord *chat.Coordinator,
	publisher updates.Publisher,
	log *logrus.Entry,
) *App {
	return &App{
		cfg:       cfg,
		store:     store,
		hub:       h,
		coord:     coord,
		publisher: publisher,
		log:       log.WithField("component", "server"),
	}
}

// Run migrates the store, then serves framed TCP on ListenAddr and WebSocket
// on HTTPAddr until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	listener, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpServer := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- a.ServeTCP(ctx, listener)
	}()
	go func() {
		a.log.WithField("addr", a.cfg.HTTPAddr).Info("websocket listener started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = listener.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("http shutdown")
	}
	a.Close()
	if err := a.publisher.Close(); err != nil {
		a.log.WithError(err).Warn("close update publisher")
	}
	return runErr
}

// ServeTCP accepts framed TCP connections from listener until it is closed
// or ctx is canceled.
func (a *App) ServeTCP(ctx context.Context, listener net.Listener) error {
	a.log.WithField("addr", listener.Addr().String()).Info("tcp listener started")
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		a.conns.Add(1)
		go func() {
			defer a.conns.Done()
			a.serve(ctx, newTCPTransport(conn, a.cfg))
		}()
	}
}

// Close unregisters every session and waits for connection goroutines to
// finish.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.hub.Close()
		a.conns.Wait()
	})
}

func (a *App) newLimiter() *rate.Limiter {
	if a.cfg.Rate.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := a.cfg.Rate.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(a.cfg.Rate.PerSecond), burst)
}
