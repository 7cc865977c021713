// Package daemon wires a local replica and a peer replica to the event
// pipeline and the periodic scanner, and owns the lifecycle.
package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bertl4398/MiGBox/engine"
	"github.com/bertl4398/MiGBox/fs"
	"github.com/bertl4398/MiGBox/metrics"
	"github.com/bertl4398/MiGBox/state"
)

// State is the daemon lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// ErrDraining is returned for commands issued while the daemon drains.
// Re-entry into Running requires a fresh Start.
var ErrDraining = errors.New("daemon is draining")

// ErrRunning is returned when Start is called on a running daemon.
var ErrRunning = errors.New("daemon already running")

// Options configures a daemon.
type Options struct {
	// Local is the replica whose subtree the watcher observes.
	Local fs.Replica
	// Peer is the other replica (local directory or remote tree).
	Peer fs.Replica
	// Events is the local watcher's push channel; may be nil, in which
	// case the periodic scan alone drives the sync.
	Events <-chan fs.Event
	// ScanInterval is the full-scan period (default 5s).
	ScanInterval time.Duration
	// PollInterval is the remote poll period (default 3s).
	PollInterval time.Duration
	// Journal records activity; nil discards.
	Journal state.Journal
	// Metrics instruments the pipeline; nil records nothing.
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Daemon runs the sync pipeline: watcher and poll producers, a full-scan
// producer, and the single reconciler worker over a shared queue.
type Daemon struct {
	opts  Options
	state atomic.Int32

	queue  *engine.Queue
	rec    *engine.Reconciler
	logger zerolog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a daemon over the given replicas.
func New(opts Options) *Daemon {
	queue := engine.NewQueue()
	logger := opts.Logger.With().Str("component", "daemon").Logger()
	rec := engine.NewReconciler(opts.Local, opts.Peer, queue, opts.Journal, opts.Metrics, opts.Logger)
	return &Daemon{
		opts:   opts,
		queue:  queue,
		rec:    rec,
		logger: logger,
	}
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Start transitions Idle -> Running and launches the workers. Resources
// started before a failing step are rolled back.
func (d *Daemon) Start() error {
	if !d.state.CompareAndSwap(int32(Idle), int32(Running)) {
		if d.State() == Draining {
			return ErrDraining
		}
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	d.cancel = cancel
	d.group = g

	// Reconciler worker: the queue serializes all replica mutations.
	g.Go(func() error {
		return d.rec.Run(gctx)
	})

	// Watcher push producer.
	if d.opts.Events != nil {
		events := d.opts.Events
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					d.queue.Push(ev)
				}
			}
		})
	}

	// Periodic full scan; runs once immediately for initial convergence.
	g.Go(func() error {
		return d.rec.RunScanLoop(gctx, d.opts.ScanInterval)
	})

	// Remote poll producer.
	g.Go(func() error {
		return d.rec.RunPollLoop(gctx, d.opts.Peer, d.opts.PollInterval)
	})

	d.logger.Info().
		Str("local", d.opts.Local.Root()).
		Str("peer", d.opts.Peer.Root()).
		Msg("daemon started")
	return nil
}

// Wait blocks until the workers stop and returns the first fatal error.
func (d *Daemon) Wait() error {
	if d.group == nil {
		return nil
	}
	return d.group.Wait()
}

// Stop transitions Running -> Draining, stops timers and watchers,
// unblocks and joins the worker, closes the replicas and journal, then
// returns to Idle.
func (d *Daemon) Stop() error {
	if !d.state.CompareAndSwap(int32(Running), int32(Draining)) {
		if d.State() == Draining {
			return ErrDraining
		}
		return nil
	}
	d.logger.Info().Msg("draining")

	d.cancel()
	// Closing the queue is the worker's shutdown sentinel: it wakes a worker
	// blocked in Pop. The context is already cancelled, so the worker
	// returns without processing events still queued.
	d.queue.Close()
	err := d.group.Wait()
	if err != nil {
		d.logger.Error().Err(err).Msg("worker exited with error")
	}

	if cerr := d.opts.Local.Close(); cerr != nil {
		d.logger.Error().Err(cerr).Msg("closing local replica")
	}
	if cerr := d.opts.Peer.Close(); cerr != nil {
		d.logger.Error().Err(cerr).Msg("closing peer replica")
	}
	if d.opts.Journal != nil {
		if cerr := d.opts.Journal.Close(); cerr != nil {
			d.logger.Error().Err(cerr).Msg("closing journal")
		}
	}

	d.state.Store(int32(Idle))
	d.logger.Info().Msg("daemon stopped")
	return err
}

// Reconciler exposes the worker for scenario tests.
func (d *Daemon) Reconciler() *engine.Reconciler { return d.rec }
