package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/researchroom/internal/config"
	"github.com/tonimelisma/researchroom/internal/localstore"
	"github.com/tonimelisma/researchroom/internal/remote"
	"github.com/tonimelisma/researchroom/internal/room"
)

// openBackend connects to the configured row service. The returned close
// func releases it and is safe to call once.
func openBackend(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (room.Backend, func(), error) {
	switch cfg.Mode {
	case config.ModeRemote:
		client, err := remote.NewClient(remote.Options{
			BaseURL:         cfg.RemoteURL,
			RealtimeURL:     cfg.RealtimeURL,
			DisableRealtime: !cfg.Websocket,
			APIKey:          cfg.APIKey,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, err
		}

		return client, func() {}, nil

	case config.ModeLocal:
		store, err := localstore.Open(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}

		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing local store", slog.String("error", err.Error()))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend mode %q", cfg.Mode)
	}
}
