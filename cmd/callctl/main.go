package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"callsignal/internal/auth"
	"callsignal/internal/bootstrap"
	"callsignal/internal/config"
	"callsignal/internal/history"
	"callsignal/internal/lifecycle"
	"callsignal/internal/media"
	"callsignal/internal/reporting"
	"callsignal/pkg/logger"

	"github.com/spf13/cobra"
)

// needs selects which parts of the backend a command opens.
type needs int

const (
	needAuth needs = 1 << iota
	needCore
	needMedia
)

// backend is everything a command runs against.
type backend struct {
	cfg     config.Config
	log     *slog.Logger
	auth    *auth.Manager
	calls   *lifecycle.Service
	history *history.Recorder
	reports *reporting.Service
	media   media.Capability
	close   func() error
}

type opener func(ctx context.Context, n needs) (*backend, error)

func main() {
	if err := newRootCmd(openBackend).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	user    string
	envFile string
	open    opener
}

func newRootCmd(open opener) *cobra.Command {
	opts := &rootOptions{open: open}

	rootCmd := &cobra.Command{
		Use:           "callctl",
		Short:         "Native call participant and call history tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.envFile != "" {
				if err := config.LoadEnvFile(opts.envFile); err != nil {
					return err
				}
			}
			if opts.user == "" {
				opts.user = os.Getenv("CALLCTL_USER")
			}
			if opts.user == "" {
				return fmt.Errorf("--user or CALLCTL_USER is required")
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&opts.user, "user", "u", "", "Participant user id")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Optional .env file to load first")

	rootCmd.AddCommand(dialCmd(opts))
	rootCmd.AddCommand(listenCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(summaryCmd(opts))
	rootCmd.AddCommand(retryHistoryCmd(opts))
	rootCmd.AddCommand(tokenCmd(opts))

	return rootCmd
}

// openBackend connects to the shared store and history database. Logs go to
// stderr so stdout stays readable.
func openBackend(ctx context.Context, n needs) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(cfg.App.Env, os.Stderr)
	slog.SetDefault(log)

	b := &backend{cfg: cfg, log: log, close: func() error { return nil }}
	if n&needAuth != 0 {
		if b.auth, err = auth.NewManager(cfg.Auth); err != nil {
			return nil, err
		}
	}
	if n&needCore != 0 {
		core, err := bootstrap.Open(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		b.calls, b.history, b.reports = core.Calls, core.Recorder, core.Reports
		b.close = core.Close
	}
	if n&needMedia != 0 {
		capability, err := media.NewPionCapability(media.PionConfig{
			ICEServers:          cfg.WebRTC.ICEServers,
			DisconnectedTimeout: cfg.WebRTC.DisconnectedTimeout,
			FailedTimeout:       cfg.WebRTC.FailedTimeout,
		}, log)
		if err != nil {
			_ = b.close()
			return nil, err
		}
		b.media = capability
	}
	return b, nil
}

func withBackend(cmd *cobra.Command, opts *rootOptions, n needs, fn func(b *backend, out io.Writer) error) error {
	b, err := opts.open(cmd.Context(), n)
	if err != nil {
		return err
	}
	defer b.close()
	return fn(b, cmd.OutOrStdout())
}
