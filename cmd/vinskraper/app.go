package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snublejuice/vinskraper/internal/config"
	"github.com/snublejuice/vinskraper/internal/discount"
	"github.com/snublejuice/vinskraper/internal/events"
	"github.com/snublejuice/vinskraper/internal/fetch"
	"github.com/snublejuice/vinskraper/internal/harvest"
	"github.com/snublejuice/vinskraper/internal/metrics"
	"github.com/snublejuice/vinskraper/internal/pipeline"
	"github.com/snublejuice/vinskraper/internal/store"
	syncer "github.com/snublejuice/vinskraper/internal/sync"
)

// app holds the long-lived dependencies shared by every command.
type app struct {
	cfg      config.Config
	store    store.Store
	emitter  *events.Emitter
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pipeline *pipeline.Pipeline
	log      zerolog.Logger
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		log:      logger,
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	openCfg := cfg.OpenConfig()
	openCfg.Logger = logger.With().Str("component", "store").Logger()
	st, err := store.Open(ctx, openCfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store, err)
	}
	a.store = st
	logger.Info().Str("backend", cfg.Store).Msg("store ready")

	listing, availability, err := cfg.Proxies()
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}
	logger.Info().Int("listing", len(listing)).Int("availability", len(availability)).Msg("proxies loaded")

	a.emitter = events.NewEmitter(a.publisher(), events.WithQueueSize(cfg.EventQueueSize), events.WithLogger(logger))
	a.emitter.Start(ctx)

	fetchOpts := []fetch.Option{
		fetch.WithPolicy(fetch.Policy{
			MaxAttempts:    cfg.FetchAttempts,
			RateLimitDelay: cfg.RateLimitDelay,
			Timeout:        cfg.RequestTimeout,
		}),
		fetch.WithMetrics(a.metrics),
		fetch.WithLogger(logger),
		fetch.WithUserAgent(cfg.UserAgent),
	}
	if cfg.RequestRPS > 0 {
		fetchOpts = append(fetchOpts, fetch.WithLimiter(rate.NewLimiter(rate.Limit(cfg.RequestRPS), cfg.RequestRPS)))
	}

	a.pipeline = pipeline.New(st, fetch.New(fetchOpts...), pipeline.Config{
		Endpoints:           harvest.Endpoints{Base: cfg.BaseURL},
		ListingProxies:      listing,
		AvailabilityProxies: availability,
		RequireProxies:      cfg.RequireProxies,
		ListingWidth:        cfg.ListingWidth,
		DetailWidth:         cfg.DetailWidth,
		AvailabilityWidth:   cfg.AvailabilityWidth,
		RetryThreshold:      cfg.RetryThreshold,
		Sync:                syncer.Config{BatchSize: cfg.BatchSize},
		Discount: discount.Config{
			RunDay:    cfg.DiscountRunDay,
			Epoch:     cfg.DiscountEpoch,
			BatchSize: cfg.BatchSize,
		},
	},
		pipeline.WithEmitter(a.emitter),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(logger),
	)
	return a, nil
}

// publisher connects to NATS when configured. A broken connection disables
// events instead of failing the run.
func (a *app) publisher() events.Publisher {
	if strings.TrimSpace(a.cfg.NATSURL) == "" {
		return events.Noop{}
	}
	pub, err := events.NewNATSPublisher(events.NATSConfig{
		URL:    a.cfg.NATSURL,
		Name:   "vinskraper",
		Stream: a.cfg.NATSStream,
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("lifecycle events disabled")
		return events.Noop{}
	}
	a.log.Info().Str("stream", a.cfg.NATSStream).Msg("publishing lifecycle events")
	return pub
}

// job wraps a pipeline call with metrics and timing for one-shot commands.
func (a *app) job(ctx context.Context, name string, fn func(context.Context) error) error {
	started := time.Now()
	err := fn(ctx)
	a.metrics.ObserveJob(name, err, time.Since(started))
	if err != nil {
		a.log.Error().Err(err).Str("job", name).Dur("elapsed", time.Since(started)).Msg("job failed")
		return err
	}
	a.log.Info().Str("job", name).Dur("elapsed", time.Since(started)).Msg("job complete")
	return nil
}

func (a *app) Close() {
	if err := a.emitter.Close(); err != nil {
		a.log.Error().Err(err).Msg("failed to close event publisher")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.Close(ctx); err != nil {
		a.log.Error().Err(err).Msg("failed to close store")
	}
}
