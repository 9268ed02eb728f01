package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/snublejuice/vinskraper/pkg/client"
	"github.com/snublejuice/vinskraper/pkg/types"
)

const defaultServerURL = "http://127.0.0.1:8087"

// cmdJobs talks to a running `serve` instance, so it skips store and
// harvester configuration.
func cmdJobs(s *settings) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List or trigger jobs on a running vinskraper server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(s.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("loading %s: %w", s.envFile, err)
			}
			if !cmd.Flags().Changed("server") {
				if env := strings.TrimSpace(os.Getenv("VINSKRAPER_SERVER_URL")); env != "" {
					serverURL = env
				}
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, "base URL of the vinskraper server")

	newClient := func() (*client.Client, error) {
		return client.New(client.Config{BaseURL: serverURL})
	}
	cmd.AddCommand(cmdJobsList(newClient), cmdJobsTrigger(newClient))
	return cmd
}

func cmdJobsList(newClient func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show job status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			list, err := c.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			printJobs(cmd, list.Items)
			return nil
		},
	}
}

func cmdJobsTrigger(newClient func() (*client.Client, error)) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trigger <job>",
		Short: "Queue a job run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			requested := time.Now().UTC()
			res, err := c.TriggerJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.Accepted {
				cmd.Printf("%s: run queued\n", args[0])
			} else {
				cmd.Printf("%s: a run is already queued\n", args[0])
			}
			if !wait {
				return nil
			}

			status, err := c.WaitJob(cmd.Context(), args[0], requested, client.WaitJobOptions{Interval: interval})
			if err != nil {
				return err
			}
			printJobs(cmd, []types.JobStatus{*status})
			if status.LastError != "" {
				return fmt.Errorf("%s failed: %s", status.Name, status.LastError)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the queued run finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval used with --wait")
	return cmd
}

func printJobs(cmd *cobra.Command, items []types.JobStatus) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tINTERVAL\tSTATE\tLAST SUCCESS\tRUNS\tFAILED\tLAST ERROR")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			item.Name, item.Interval, jobState(item), formatTime(item.LastSuccessAt),
			item.SuccessfulRuns, item.FailedRuns, item.LastError)
	}
	_ = w.Flush()
}

func jobState(s types.JobStatus) string {
	switch {
	case s.InProgress:
		return "running"
	case s.Pending:
		return "queued"
	default:
		return "idle"
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
