package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/store"
	"github.com/vovakirdan/wirechat-relay/internal/store/badgerstore"
	"github.com/vovakirdan/wirechat-relay/internal/store/memory"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-relay/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	recovery        *transporthttp.Recovery
	store           store.MessageStore
	log             *zerolog.Logger
}

// OpenStore opens and bootstraps the store selected by cfg.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zerolog.Logger) (store.MessageStore, error) {
	var (
		st  store.MessageStore
		err error
	)
	switch cfg.Driver {
	case config.DriverSQLite, config.DriverSQLitePureGo:
		st, err = sqlite.New(cfg.Driver, cfg.URL)
	case config.DriverBadger:
		st, err = badgerstore.New(badgerstore.Options{
			Dir:           cfg.URL,
			EncryptionKey: []byte(cfg.AuthToken),
			Logger:        logger,
		})
	case config.DriverMemory:
		st = memory.New()
	default:
		err = fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := st.Bootstrap(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("bootstrap store: %w", err)
	}
	return st, nil
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("driver", cfg.Store.Driver).Str("url", cfg.Store.URL).Msg("store initialized")

	delivery := transporthttp.NewDelivery()
	relay := core.NewBroadcaster(st, core.NewRegistry(), delivery, logger)
	recovery := transporthttp.NewRecovery(transporthttp.RecoveryConfig{
		Window:     cfg.Recovery.Window,
		BufferSize: cfg.Recovery.BufferSize,
		Secret:     []byte(cfg.Recovery.Secret),
	}, logger)
	if err := recovery.Attach(ctx, relay, delivery); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init recovery: %w", err)
	}

	server := transporthttp.NewServer(relay, delivery, recovery, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		recovery:        recovery,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	// websocket handlers outlive Shutdown unless their request contexts end with ctx
	a.server.BaseContext = func(net.Listener) context.Context { return ctx }
	go a.recovery.Run(ctx)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("relay listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
