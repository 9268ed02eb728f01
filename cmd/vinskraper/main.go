// Package main is the entry point for the vinskraper harvester.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/snublejuice/vinskraper/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmdRoot().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vinskraper: %v\n", err)
		os.Exit(1)
	}
}

// settings carries state from PersistentPreRunE to the subcommands.
type settings struct {
	envFile string
	cfg     config.Config
	logger  zerolog.Logger
}

func cmdRoot() *cobra.Command {
	s := &settings{}
	cmd := &cobra.Command{
		Use:           "vinskraper",
		Short:         "Harvest the Vinmonopolet product catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(s.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("loading %s: %w", s.envFile, err)
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			s.cfg = cfg
			s.logger = setupLogging(cfg).With().Str("component", "main").Logger()
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&s.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cmd.AddCommand(
		cmdHarvest(s),
		cmdDetails(s),
		cmdAvailability(s),
		cmdStores(s),
		cmdDiscounts(s),
		cmdServe(s),
		cmdJobs(s),
	)
	return cmd
}

func setupLogging(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "vinskraper").Str("version", version).Logger()
	}
	return log.Logger
}

// withApp opens the shared dependencies around fn.
func (s *settings) withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
