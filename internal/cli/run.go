package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/resync/internal/eventlog"
	"github.com/roach88/resync/internal/session"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string
	Duration    time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Log in, open the scope and stay live",
		Long: `Log in with the configured credentials, open the configured scope and keep
the replica live until interrupted. Client resets and rejected sessions are
recovered automatically; every lifecycle event is printed as it happens.

Example:
  resync run --config resync.yaml
  resync run --metrics-addr :9090 --duration 30s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	return cmd
}

func runClient(opts *RunOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	a, err := openApp(opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer closeApp(a)

	stopEvents := printEvents(f, a.Events)
	defer stopEvents()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	addr := opts.MetricsAddr
	if addr == "" {
		addr = a.Config.Metrics.Addr
	}
	if addr != "" {
		shutdown := serveMetrics(addr, a.Metrics.Handler())
		defer shutdown()
	}

	sess, err := a.Connect(ctx, session.Listener{})
	if err != nil {
		return f.Fail(ExitFailure, "failed to open replica", err)
	}
	f.VerboseLog("replica %s live (%s)", sess.Location(), sess.Strategy())

	<-ctx.Done()
	slog.Info("client stopping", "reason", context.Cause(ctx))
	return nil
}

// serveMetrics serves h under /metrics on addr until the returned
// function is called.
func serveMetrics(addr string, h http.Handler) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// eventJSON is the printed form of an event.
type eventJSON struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// printEvents writes every later event to the formatter: one line per
// event in text mode, one JSON object per line in json mode.
func printEvents(f *OutputFormatter, log *eventlog.Log) (cancel func()) {
	var mu sync.Mutex
	enc := json.NewEncoder(f.Writer)
	return log.Subscribe(func(ev eventlog.Event) {
		mu.Lock()
		defer mu.Unlock()
		if f.Format == "json" {
			_ = enc.Encode(eventJSON{Timestamp: ev.Time.Format(time.RFC3339Nano), Message: ev.Message})
			return
		}
		fmt.Fprintln(f.Writer, ev.String())
	})
}
