package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/snublejuice/vinskraper/internal/model"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// OpenConfig selects and configures a backend.
type OpenConfig struct {
	Backend string

	MongoURI      string
	MongoDatabase string
	// Collections maps logical collections onto physical Mongo names.
	Collections map[model.Collection]string

	PostgresDSN string

	// PingTimeout bounds the whole connect-and-ping retry loop.
	PingTimeout time.Duration
	Logger      zerolog.Logger
}

// Open builds the configured store and waits until it answers a ping.
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendMongo, "":
		opts := make([]MongoOption, 0, len(cfg.Collections))
		for coll, name := range cfg.Collections {
			opts = append(opts, WithCollectionName(coll, name))
		}
		st, err = NewMongo(cfg.MongoURI, cfg.MongoDatabase, opts...)
	case BackendPostgres:
		st, err = OpenPostgres(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := waitReady(ctx, st, cfg.PingTimeout, cfg.Logger); err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	switch s := st.(type) {
	case *Postgres:
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
	case *Mongo:
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
	}
	return st, nil
}

func waitReady(ctx context.Context, st Store, timeout time.Duration, logger zerolog.Logger) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("store not ready")
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return fmt.Errorf("waiting for store: %w", err)
	}
	return nil
}
