package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"timrs/internal/app"
	"timrs/internal/config"
	"timrs/internal/logging"
	"timrs/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "timrs",
		Short:         "Offline-first habit timers with background sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	load := func(ctx context.Context) (*app.App, error) {
		return loadApp(ctx, configPath)
	}
	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newSyncCmd(load))
	cmd.AddCommand(newStatusCmd(load))
	cmd.AddCommand(newQueueCmd(load))
	cmd.AddCommand(newWipeCmd(load))
	return cmd
}

type loader func(ctx context.Context) (*app.App, error)

func loadApp(ctx context.Context, path string) (*app.App, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the sync and timer services",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := load(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
			a.Services(tree)

			logging.Info().
				Str("addr", a.Config.Server.Addr()).
				Bool("remote", a.Sync.Enabled()).
				Msg("starting timrs")

			if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newSyncCmd(load loader) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and pull the remote copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := load(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.Sync.Enabled() {
				fmt.Fprintln(cmd.OutOrStdout(), "remote sync is disabled")
				return nil
			}
			if err := a.Sync.SyncAll(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced, %d pending\n", a.Sync.PendingCount())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	return cmd
}

func newStatusCmd(load loader) *cobra.Command {
	var withRemote bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status and the pending queue length",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:    %s\n", a.Sync.Status())
			fmt.Fprintf(out, "remote:    %t\n", a.Sync.Enabled())
			fmt.Fprintf(out, "pending:   %d\n", a.Sync.PendingCount())
			if ms := a.Sync.LastSyncTime(); ms > 0 {
				fmt.Fprintf(out, "last sync: %s\n", time.UnixMilli(ms).Format(time.RFC3339))
			} else {
				fmt.Fprintln(out, "last sync: never")
			}
			if !withRemote || !a.Sync.Enabled() {
				return nil
			}

			sum, err := a.Sync.RemoteSummary(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "remote timers:         %d\n", sum.Timers)
			fmt.Fprintf(out, "remote deleted timers: %d\n", sum.DeletedTimers)
			fmt.Fprintf(out, "remote reset logs:     %d\n", sum.ResetLogs)
			fmt.Fprintf(out, "remote record breaks:  %d\n", sum.RecordBreaks)
			fmt.Fprintf(out, "remote bug reports:    %d\n", sum.BugReports)
			fmt.Fprintf(out, "remote global stats:   %t\n", sum.HasGlobalStats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withRemote, "remote", false, "also count the documents stored remotely")
	return cmd
}

func newQueueCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the sync queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			for _, it := range a.Sync.Queue().Items() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tretries=%d\n",
					it.ID, it.Type, it.Collection, it.RetryCount)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every queued change",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Sync.ClearQueue(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sync queue cleared")
			return nil
		},
	})
	return cmd
}

func newWipeCmd(load loader) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete all local and remote data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to wipe without --yes")
			}
			a, err := load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Service.WipeAll(cmd.Context())
			if err != nil {
				return err
			}
			if report.Warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", report.Warning)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all data deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
