package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smallnest/flowpost/bus"
	"github.com/smallnest/flowpost/config"
	"github.com/smallnest/flowpost/internal/logger"
	"github.com/smallnest/flowpost/metrics"
	"github.com/smallnest/flowpost/runlog"
	"github.com/smallnest/flowpost/runstream"
	"github.com/smallnest/flowpost/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ErrStreamEnded 流在运行完成前终止
var ErrStreamEnded = errors.New("stream ended before the run completed")

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream the live logs of a run",
	Long: `Connect to the executor, join the run's log stream and print every log batch
until the run completes. Batches are archived locally unless --no-archive is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

// Flags for watch
var (
	watchServer      string
	watchJSON        bool
	watchArchive     bool
	watchNoArchive   bool
	watchExitOnDone  bool
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "", "Executor URL (overrides executor.server_url)")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print events as line-delimited JSON")
	watchCmd.Flags().BoolVar(&watchArchive, "archive", false, "Archive batches (overrides archive.enabled)")
	watchCmd.Flags().BoolVar(&watchNoArchive, "no-archive", false, "Do not archive batches")
	watchCmd.Flags().BoolVar(&watchExitOnDone, "exit-on-done", true, "Exit once the run completes")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	watchCmd.MarkFlagsMutuallyExclusive("archive", "no-archive")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := watchOptions{
		runID:       args[0],
		server:      cfg.Executor.ServerURL,
		archive:     cfg.Archive.Enabled,
		archivePath: cfg.Archive.Path,
		json:        watchJSON,
		exitOnDone:  watchExitOnDone,
		metricsAddr: cfg.Metrics.Addr,
	}
	if watchServer != "" {
		opts.server = watchServer
	}
	if cmd.Flags().Changed("archive") {
		opts.archive = watchArchive
	}
	if watchNoArchive {
		opts.archive = false
	}
	if watchMetricsAddr != "" {
		opts.metricsAddr = watchMetricsAddr
	}

	if path := config.UsedPath(); path != "" {
		err := config.Watch(ctx, path, func(c *config.Config) {
			logger.SetLevel(c.Log.Level)
		})
		if err != nil {
			logger.Warn("Config hot reload disabled", zap.Error(err))
		}
	}

	return watch(ctx, cfg, opts, newEventRenderer(cmd.OutOrStdout(), opts.json))
}

type watchOptions struct {
	runID       string
	server      string
	archive     bool
	archivePath string
	json        bool
	exitOnDone  bool
	metricsAddr string
}

// watch streams one run until it completes, the stream gives up or ctx ends.
// Callbacks only publish to the bus; rendering and archiving happen here.
func watch(ctx context.Context, c *config.Config, opts watchOptions, r *eventRenderer) error {
	log := logger.Named("watch").With(zap.String("run_id", opts.runID))

	var store *runlog.Store
	if opts.archive {
		s, err := runlog.Open(opts.archivePath)
		if err != nil {
			return err
		}
		defer s.Close()

		lock, err := s.LockRun(opts.runID)
		switch {
		case errors.Is(err, runlog.ErrRunLocked):
			log.Warn("Run already archived by another watcher, archiving disabled")
		case err != nil:
			return err
		default:
			defer lock.Unlock()
			store = s
		}
	}

	m := metrics.NewStream()
	if opts.metricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, opts.metricsAddr); err != nil {
				log.Warn("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	events := bus.NewEventBus(256)
	defer func() { _ = events.Close() }()
	sub := events.Subscribe()
	defer sub.Unsubscribe()

	// streamCtx is cancelled before the client closes, so a callback blocked
	// on a full bus cannot hold up Close.
	streamCtx, cancel := context.WithCancel(ctx)
	publish := func(ev *bus.RunEvent) {
		ev.RunID = opts.runID
		if err := events.Publish(streamCtx, ev); err != nil && streamCtx.Err() == nil {
			log.Warn("Dropping run event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}

	// Callbacks may start before New returns; stateNow waits for the client.
	var client *runstream.Client
	ready := make(chan struct{})
	stateNow := func() runstream.State {
		<-ready
		if client == nil {
			return runstream.StateDisconnected
		}
		return client.State()
	}

	streamOpts := runstream.FromConfig(c)
	streamOpts.ServerURL = opts.server
	streamOpts.OnConnect = func() {
		m.RecordConnect()
		publish(&bus.RunEvent{Kind: bus.EventConnect})
	}
	streamOpts.OnLog = func(batch runstream.LogBatch) {
		m.RecordBatch(len(batch))
		publish(&bus.RunEvent{Kind: bus.EventLog, Entries: batch})
	}
	streamOpts.OnDone = func(n runstream.CompletionNotice) {
		publish(&bus.RunEvent{Kind: bus.EventDone, Message: n.Message})
	}
	streamOpts.OnDisconnect = func(reason string) {
		m.RecordDisconnect(reason)
		publish(&bus.RunEvent{Kind: bus.EventDisconnect, Reason: reason})
	}
	streamOpts.OnError = func(err error) {
		m.RecordError(err)
		publish(&bus.RunEvent{
			Kind:      bus.EventError,
			Error:     err.Error(),
			ErrorKind: string(types.ClassifyError(err)),
			State:     stateNow().String(),
			Err:       err,
		})
	}

	client, err := runstream.New(opts.runID, streamOpts)
	close(ready)
	if err != nil {
		cancel()
		return err
	}
	defer func() {
		cancel()
		client.Close()
	}()
	log.Info("Watching run", zap.String("server", opts.server), zap.Bool("archive", store != nil))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Channel:
			if !ok {
				return nil
			}
			if store != nil {
				archiveEvent(store, ev, log)
			}
			if err := r.render(ev); err != nil {
				return err
			}

			switch ev.Kind {
			case bus.EventDone:
				if opts.exitOnDone {
					return nil
				}
			case bus.EventDisconnect:
				return fmt.Errorf("%w: %s", ErrStreamEnded, ev.Reason)
			case bus.EventError:
				if ev.State == runstream.StateFailed.String() {
					return fmt.Errorf("%w: %s", ErrStreamEnded, ev.Error)
				}
			}
		}
	}
}

func archiveEvent(store *runlog.Store, ev *bus.RunEvent, log *zap.Logger) {
	var err error
	switch ev.Kind {
	case bus.EventLog:
		_, err = store.RecordBatch(ev.RunID, ev.Entries)
	case bus.EventDone:
		err = store.RecordDone(ev.RunID, ev.Message)
	default:
		return
	}
	if err != nil {
		log.Warn("Failed to archive run event", zap.Uint64("seq", ev.Seq), zap.Error(err))
	}
}
