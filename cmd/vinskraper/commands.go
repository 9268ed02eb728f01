package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/snublejuice/vinskraper/internal/pipeline"
	"github.com/snublejuice/vinskraper/internal/server"
)

func cmdHarvest(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "harvest",
		Short: "Discover listings, reconcile lifecycle state and fetch details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.job(ctx, "harvest", func(ctx context.Context) error {
					res, err := a.pipeline.Harvest(ctx)
					cmd.Printf("run %s: %d discovered, %d reactivated, %d detailed, %d expired\n",
						res.RunID, res.Discovered, res.Reactivated, res.Detailed, res.Expired)
					return err
				})
			})
		},
	}
}

func cmdDetails(s *settings) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "details [index...]",
		Short: "Fetch product details for the given indexes or for undetailed records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIndexes(args)
			if err != nil {
				return err
			}
			if all && len(ids) > 0 {
				return errors.New("--all cannot be combined with explicit indexes")
			}
			return s.withApp(cmd, func(ctx context.Context, a *app) error {
				if all {
					if ids, err = a.pipeline.ActiveIDs(ctx); err != nil {
						return err
					}
				}
				return a.job(ctx, "details", func(ctx context.Context) error {
					n, err := a.pipeline.Details(ctx, ids)
					cmd.Printf("%d records detailed\n", n)
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "refresh details for every active record")
	return cmd
}

func cmdAvailability(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "availability [index...]",
		Short: "Check buyability for the given indexes or for every active record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIndexes(args)
			if err != nil {
				return err
			}
			return s.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.job(ctx, "availability", func(ctx context.Context) error {
					res, err := a.pipeline.Availability(ctx, ids)
					cmd.Printf("run %s: %d requested, %d succeeded, %d failed, %d expired\n",
						res.RunID, res.Requested, res.Succeeded, res.Failed, res.Expired)
					return err
				})
			})
		},
	}
}

func cmdStores(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:     "stores",
		Aliases: []string{"shops"},
		Short:   "Replace the store (shop) directory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.job(ctx, "shops", func(ctx context.Context) error {
					n, err := a.pipeline.Shops(ctx)
					cmd.Printf("%d stores written\n", n)
					return err
				})
			})
		},
	}
}

func cmdDiscounts(s *settings) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "discounts",
		Short: "Project monthly price changes onto active records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.job(ctx, "discounts", func(ctx context.Context) error {
					res, err := a.pipeline.Discounts(ctx, force)
					if err != nil {
						return err
					}
					if !res.Ran {
						cmd.Println("not a discount run day, use --force to override")
						return nil
					}
					cmd.Printf("%d months projected onto %d records\n", res.Months, res.Records)
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even when today is not the configured run day")
	return cmd
}

func cmdServe(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run harvest jobs on a schedule and serve health, metrics and job endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withApp(cmd, func(ctx context.Context, a *app) error {
				return serve(ctx, a)
			})
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.log
	logger.Info().Str("version", version).Str("commit", commit).Str("build_date", buildDate).Msg("starting vinskraper")

	jobs := pipeline.NewJobs(
		pipeline.NewJob(pipeline.JobConfig{Name: "harvest", Interval: cfg.HarvestInterval, RunOnStartup: cfg.RunOnStartup},
			func(ctx context.Context) error {
				_, err := a.pipeline.Harvest(ctx)
				return err
			}, a.metrics, logger),
		pipeline.NewJob(pipeline.JobConfig{Name: "availability", Interval: cfg.AvailabilityInterval},
			func(ctx context.Context) error {
				_, err := a.pipeline.Availability(ctx, nil)
				return err
			}, a.metrics, logger),
		pipeline.NewJob(pipeline.JobConfig{Name: "shops", Interval: cfg.ShopsInterval},
			func(ctx context.Context) error {
				_, err := a.pipeline.Shops(ctx)
				return err
			}, a.metrics, logger),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		jobs.Run(ctx)
	}()

	srv := server.New(a.store, jobs,
		server.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate},
		server.WithGatherer(a.registry),
		server.WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("HTTP server error")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	<-jobsDone
	logger.Info().Msg("server stopped gracefully")
	return serveErr
}

func parseIndexes(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid product index %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
