package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"callsignal/internal/reporting"

	"github.com/spf13/cobra"
)

func tokenCmd(opts *rootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, needAuth, func(b *backend, out io.Writer) error {
				pair, err := b.auth.IssuePair(time.Now(), opts.user)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, pair.AccessToken)
				if refresh {
					fmt.Fprintln(out, pair.RefreshToken)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Also print the refresh token")
	return cmd
}

func historyCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the user's recent calls, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, needCore, func(b *backend, out io.Writer) error {
				entries, err := b.history.ListForParticipant(cmd.Context(), opts.user, limit)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "%-20s %-8s %-10s %-9s %-8s %s\n", "WHEN", "DIR", "WITH", "OUTCOME", "SECONDS", "KIND")
				fmt.Fprintln(out, strings.Repeat("-", 70))
				for _, e := range entries {
					dir, with := "in", e.CallerName
					if e.CallerID == opts.user {
						dir, with = "out", e.ReceiverName
					}
					secs := "-"
					if e.DurationSeconds != nil {
						secs = fmt.Sprint(*e.DurationSeconds)
					}
					fmt.Fprintf(out, "%-20s %-8s %-10s %-9s %-8s %s\n",
						e.Timestamp.Local().Format("2006-01-02 15:04:05"), dir, with, e.Outcome, secs, e.Kind)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to show")
	return cmd
}

func summaryCmd(opts *rootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarise the user's calls over the last N days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			return withBackend(cmd, opts, needCore, func(b *backend, out io.Writer) error {
				to := time.Now().UTC()
				s, err := b.reports.Summary(cmd.Context(), reporting.SummaryRequest{
					UserID: opts.user,
					Range:  reporting.TimeRange{From: to.Add(-time.Duration(days) * 24 * time.Hour), To: to},
				})
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "calls %d (out %d, in %d)\n", s.Total, s.Outgoing, s.Incoming)
				fmt.Fprintf(out, "completed %d  missed %d  rejected %d\n", s.Completed, s.Missed, s.Rejected)
				fmt.Fprintf(out, "talk time %ds  average %ds\n", s.TotalTalkSeconds, s.AverageTalkSeconds)
				for kind, k := range s.ByKind {
					fmt.Fprintf(out, "  %-6s %d calls, %d completed, %ds\n", kind, k.Total, k.Completed, k.TotalTalkSeconds)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "Window size in days")
	return cmd
}

func retryHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-history CALL_ID",
		Short: "Re-run the history write for a terminated call whose record was kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, opts, needCore, func(b *backend, out io.Writer) error {
				entry, err := b.calls.Retry(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("retry %s: %w", args[0], err)
				}
				fmt.Fprintf(out, "recorded %s as %s\n", entry.CallID, entry.Outcome)
				return nil
			})
		},
	}
}
