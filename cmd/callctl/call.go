package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"callsignal/internal/calls"
	"callsignal/internal/session"

	"github.com/spf13/cobra"
)

func dialCmd(opts *rootOptions) *cobra.Command {
	var (
		kind        string
		ringTimeout time.Duration
		hangupAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dial TARGET_USER",
		Short: "Call another user and stay on the line until either side hangs up",
		Long: `Place a call as --user. While the call is live, type on stdin:
  m  toggle mute
  v  toggle video
  q  hang up`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := calls.Kind(kind)
			if !k.Valid() {
				return fmt.Errorf("--kind must be audio or video, got %q", kind)
			}
			return withBackend(cmd, opts, needCore|needMedia, func(b *backend, w io.Writer) error {
				if !cmd.Flags().Changed("ring-timeout") {
					ringTimeout = b.cfg.Calls.RingTimeout
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				out := &syncWriter{w: w}
				p := newParticipant(b, opts.user, ringTimeout)
				go p.controls(ctx, cmd.InOrStdin(), out)

				id, err := p.mgr.Initiate(ctx, args[0], k)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "dialing %s call=%s\n", args[0], id)

				var hangup <-chan time.Time
				for {
					select {
					case e := <-p.events:
						printEvent(out, e)
						if e.CallID != id {
							continue
						}
						switch e.Type {
						case session.EventAccepted:
							if hangupAfter > 0 && hangup == nil {
								hangup = time.After(hangupAfter)
							}
						case session.EventEnded:
							return e.Err
						}
					case <-hangup:
						hangup = nil
						if err := p.mgr.Hangup(context.WithoutCancel(ctx)); err != nil {
							return err
						}
					case <-ctx.Done():
						return p.shutdown(context.WithoutCancel(ctx), out)
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(calls.KindVideo), "Call kind: audio or video")
	cmd.Flags().DurationVar(&ringTimeout, "ring-timeout", 0, "End an unanswered call as missed after this long (default from CALL_RING_TIMEOUT)")
	cmd.Flags().DurationVar(&hangupAfter, "hangup-after", 0, "Hang up this long after the call is accepted (0 waits)")
	return cmd
}

func listenCmd(opts *rootOptions) *cobra.Command {
	var (
		answer   string
		maxCalls int
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for incoming calls and accept or reject them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if answer != "accept" && answer != "reject" {
				return fmt.Errorf("--answer must be accept or reject, got %q", answer)
			}
			return withBackend(cmd, opts, needCore|needMedia, func(b *backend, w io.Writer) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				out := &syncWriter{w: w}
				p := newParticipant(b, opts.user, 0)
				go p.controls(ctx, cmd.InOrStdin(), out)

				incoming, err := p.mgr.Incoming(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "listening as %s\n", opts.user)

				handled := 0
				for {
					select {
					case <-ctx.Done():
						return p.shutdown(context.WithoutCancel(ctx), out)
					case rec, ok := <-incoming:
						if !ok {
							return nil
						}
						fmt.Fprintf(out, "incoming call=%s from=%s kind=%s\n", rec.ID, rec.CallerID, rec.Kind)

						if answer == "reject" {
							err = p.mgr.Reject(ctx, rec.ID)
						} else {
							err = p.mgr.Accept(ctx, rec.ID)
						}
						if err != nil {
							fmt.Fprintf(out, "skipped call=%s: %v\n", rec.ID, err)
							continue
						}
						if answer == "reject" {
							fmt.Fprintf(out, "rejected call=%s\n", rec.ID)
						} else if !p.waitEnded(ctx, rec.ID, out) {
							return p.shutdown(context.WithoutCancel(ctx), out)
						}

						handled++
						if maxCalls > 0 && handled >= maxCalls {
							return nil
						}
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&answer, "answer", "accept", "What to do with incoming calls: accept or reject")
	cmd.Flags().IntVar(&maxCalls, "max-calls", 0, "Exit after handling this many calls (0 runs until interrupted)")
	return cmd
}

// participant is one session manager plus its event feed.
type participant struct {
	mgr    *session.Manager
	events chan session.Event
}

func newParticipant(b *backend, userID string, ringTimeout time.Duration) *participant {
	p := &participant{events: make(chan session.Event, 32)}
	p.mgr = session.NewManager(session.Config{
		UserID:            userID,
		Calls:             b.calls,
		Media:             b.media,
		RingTimeout:       ringTimeout,
		HeartbeatInterval: b.cfg.Calls.HeartbeatInterval,
		Logger:            b.log,
		OnEvent: func(e session.Event) {
			select {
			case p.events <- e:
			default:
				b.log.Warn("event dropped", "type", e.Type, "call_id", e.CallID)
			}
		},
	})
	return p
}

// waitEnded prints events until callID ends. It returns false if ctx finished first.
func (p *participant) waitEnded(ctx context.Context, callID string, out io.Writer) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case e := <-p.events:
			printEvent(out, e)
			if e.Type == session.EventEnded && e.CallID == callID {
				return true
			}
		}
	}
}

func (p *participant) shutdown(ctx context.Context, out io.Writer) error {
	err := p.mgr.Close(ctx)
	for {
		select {
		case e := <-p.events:
			printEvent(out, e)
		default:
			return err
		}
	}
}

// controls maps stdin lines to call actions until ctx is done or input ends.
func (p *participant) controls(ctx context.Context, in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(sc.Text()) {
		case "m":
			fmt.Fprintf(out, "muted=%t\n", p.mgr.ToggleMute())
		case "v":
			fmt.Fprintf(out, "video_off=%t\n", p.mgr.ToggleVideo())
		case "q":
			if err := p.mgr.Hangup(context.WithoutCancel(ctx)); err != nil {
				fmt.Fprintf(out, "hangup: %v\n", err)
			}
		}
	}
}

func printEvent(out io.Writer, e session.Event) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s call=%s", e.Type, e.CallID)
	if e.State != "" {
		fmt.Fprintf(&sb, " state=%s", e.State)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, " err=%q", e.Err.Error())
	}
	fmt.Fprintln(out, sb.String())
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
