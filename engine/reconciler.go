// Package engine contains the synchronization core's moving parts: the
// event queue, the single reconciler worker that applies change events to
// replicas, and the periodic full-scan and remote-poll producers.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bertl4398/MiGBox/delta"
	"github.com/bertl4398/MiGBox/fs"
	"github.com/bertl4398/MiGBox/metrics"
	"github.com/bertl4398/MiGBox/state"
)

// side pairs a replica with its checksum cache. Caches are touched only
// by the reconciler worker.
type side struct {
	rep   fs.Replica
	cache *fs.Cache
}

// Reconciler consumes events one at a time and decides, per path, what to
// create, delete, move, patch or flag as conflict.
type Reconciler struct {
	a, b    side
	queue   *Queue
	journal state.Journal
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewReconciler wires the worker over two replicas and a queue.
func NewReconciler(a, b fs.Replica, q *Queue, journal state.Journal, m *metrics.Metrics, logger zerolog.Logger) *Reconciler {
	if journal == nil {
		journal = state.Discard{}
	}
	return &Reconciler{
		a:       side{rep: a, cache: fs.NewCache()},
		b:       side{rep: b, cache: fs.NewCache()},
		queue:   q,
		journal: journal,
		metrics: m,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

// CacheLen reports the cache sizes, replica a first. Used by tests.
func (r *Reconciler) CacheLen() (int, int) {
	return r.a.cache.Len(), r.b.cache.Len()
}

// Run dequeues and processes events until the queue closes or a fatal
// transport failure occurs.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		ev, ok := r.queue.Pop()
		if !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := r.Process(ev); err != nil {
			return err
		}
	}
}

// Process applies one event. Not-found and already-exists outcomes are
// swallowed at debug level; other I/O failures drop the event and the
// next full scan picks up residual divergence. A transport failure that
// survived the client's reconnect attempt is returned and terminates the
// worker.
func (r *Reconciler) Process(ev fs.Event) error {
	r.metrics.Event(ev.Kind.String())
	err := r.apply(ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotFound), errors.Is(err, fs.ErrExists):
		r.logger.Debug().Err(err).Str("path", ev.Path).Str("kind", ev.Kind.String()).Msg("outcome swallowed")
		return nil
	case errors.Is(err, fs.ErrTransport):
		r.logger.Error().Err(err).Str("path", ev.Path).Msg("transport failure")
		return err
	default:
		r.logger.Error().Err(err).Str("path", ev.Path).Str("kind", ev.Kind.String()).Msg("event dropped")
		return nil
	}
}

// sides resolves the origin replica of a path (the replica whose root is
// a prefix of it) and its peer.
func (r *Reconciler) sides(path string) (origin, peer *side, ok bool) {
	switch {
	case fs.Under(r.a.rep, path):
		return &r.a, &r.b, true
	case fs.Under(r.b.rep, path):
		return &r.b, &r.a, true
	default:
		return nil, nil, false
	}
}

func (r *Reconciler) peerPath(origin, peer *side, path string) string {
	key := origin.rep.RelativeKey(path)
	return peer.rep.JoinPath(peer.rep.Root(), key)
}

func (r *Reconciler) apply(ev fs.Event) error {
	origin, peer, ok := r.sides(ev.Path)
	if !ok {
		r.logger.Debug().Str("path", ev.Path).Msg("event outside both roots")
		return nil
	}
	pp := r.peerPath(origin, peer, ev.Path)

	switch ev.Kind {
	case fs.DirCreated:
		err := peer.rep.Mkdir(pp)
		if err == nil {
			r.journal.LogActivity("create", pp, "")
		}
		return err

	case fs.FileCreated:
		if err := fs.Copy(origin.rep, ev.Path, peer.rep, pp); err != nil {
			return err
		}
		r.journal.LogActivity("copy", origin.rep.RelativeKey(ev.Path), fmt.Sprintf("%s ==> %s", ev.Path, pp))
		return nil

	case fs.DirDeleted:
		err := peer.rep.Rmdir(pp)
		if err != nil && !errors.Is(err, fs.ErrNotFound) {
			// Non-empty: sweep empty directories bottom-up; files still
			// pending their own delete events are left alone.
			r.removeEmptyDirs(peer.rep, pp)
			err = nil
		}
		if err == nil {
			r.journal.LogActivity("remove", pp, "")
		}
		return err

	case fs.FileDeleted:
		origin.cache.Evict(ev.Path)
		peer.cache.Evict(pp)
		if err := peer.rep.Remove(pp); err != nil {
			return err
		}
		r.journal.LogActivity("remove", pp, "")
		return nil

	case fs.FileModified:
		return r.reconcileFile(origin, peer, ev.Path, pp)

	case fs.DirMoved:
		qq := r.peerPath(origin, peer, ev.DestPath)
		if err := peer.rep.Rename(pp, qq); err != nil {
			return err
		}
		r.journal.LogActivity("move", pp, fmt.Sprintf("%s ==> %s", pp, qq))
		// Sweep anything the rename left behind under the old path.
		r.queue.Push(fs.Event{Kind: fs.DirDeleted, Path: ev.Path})
		return nil

	case fs.FileMoved:
		qq := r.peerPath(origin, peer, ev.DestPath)
		origin.cache.Evict(ev.Path)
		peer.cache.Evict(pp)
		if err := peer.rep.Rename(pp, qq); err != nil {
			return err
		}
		r.journal.LogActivity("move", pp, fmt.Sprintf("%s ==> %s", pp, qq))
		return nil

	default:
		r.logger.Debug().Str("kind", ev.Kind.String()).Msg("unknown event kind")
		return nil
	}
}

func (r *Reconciler) removeEmptyDirs(rep fs.Replica, dir string) {
	names, err := rep.List(dir)
	if err != nil {
		return
	}
	for _, name := range names {
		p := rep.JoinPath(dir, name)
		st, err := rep.Stat(p)
		if err != nil || st.Kind != fs.KindDir {
			continue
		}
		r.removeEmptyDirs(rep, p)
	}
	if err := rep.Rmdir(dir); err == nil {
		r.journal.LogActivity("remove", dir, "")
	}
}

// refresh returns the side's checksum table for path, recomputing it when
// the file's mtime has advanced past the cached witness. advanced reports
// that a cached entry existed and the file moved forward since it was
// observed.
func (r *Reconciler) refresh(s *side, path string, st fs.Stat) (delta.Table, bool, error) {
	mtime, table, ok := s.cache.Get(path)
	if ok && st.Mtime <= mtime {
		return table, false, nil
	}
	table, err := s.rep.BlockChecksums(path)
	if err != nil {
		return nil, false, err
	}
	s.cache.Put(path, st.Mtime, table)
	return table, ok, nil
}

// reconcileFile runs the reconcile-file protocol: copy if the peer lacks
// the file, remove if the origin lost it, otherwise compare tables and
// let the newer mtime win. On equal mtimes the origin replica wins.
func (r *Reconciler) reconcileFile(origin, peer *side, p, pp string) error {
	stB, errB := peer.rep.Stat(pp)
	if errors.Is(errB, fs.ErrNotFound) {
		if err := fs.Copy(origin.rep, p, peer.rep, pp); err != nil {
			return err
		}
		r.journal.LogActivity("copy", origin.rep.RelativeKey(p), fmt.Sprintf("%s ==> %s", p, pp))
		return nil
	}
	if errB != nil {
		return errB
	}

	stA, errA := origin.rep.Stat(p)
	if errors.Is(errA, fs.ErrNotFound) {
		origin.cache.Evict(p)
		peer.cache.Evict(pp)
		if err := peer.rep.Remove(pp); err != nil {
			return err
		}
		r.journal.LogActivity("remove", pp, "")
		return nil
	}
	if errA != nil {
		return errA
	}

	tableA, advancedA, err := r.refresh(origin, p, stA)
	if err != nil {
		return err
	}
	tableB, advancedB, err := r.refresh(peer, pp, stB)
	if err != nil {
		return err
	}

	key := origin.rep.RelativeKey(p)
	if advancedA && advancedB {
		// Both sides advanced since the last reconcile. Advisory only:
		// the sync still proceeds, newest mtime winning.
		r.logger.Warn().Str("path", key).
			Int64("mtime_a", stA.Mtime).Int64("mtime_b", stB.Mtime).
			Msg("conflict detected")
		r.journal.LogConflict(key, stA.Mtime, stB.Mtime)
		r.metrics.Conflict()
	}

	if delta.SameBuckets(tableA, tableB) {
		r.logger.Debug().Str("path", key).Msg("files identical")
		return nil
	}

	var newer, older *side
	var newerPath, olderPath string
	var newerTable, olderTable delta.Table
	if stA.Mtime >= stB.Mtime {
		newer, older = origin, peer
		newerPath, olderPath = p, pp
		newerTable, olderTable = tableA, tableB
	} else {
		newer, older = peer, origin
		newerPath, olderPath = pp, p
		newerTable, olderTable = tableB, tableA
	}

	instrs, err := newer.rep.Delta(newerPath, olderTable)
	if err != nil {
		return err
	}
	if err := older.rep.Patch(olderPath, instrs); err != nil {
		return err
	}
	for _, in := range instrs {
		r.metrics.Bytes(len(in.Data))
	}

	patched, err := older.rep.Stat(olderPath)
	if err != nil {
		return err
	}
	older.cache.Put(olderPath, patched.Mtime, newerTable)

	r.logger.Info().Str("path", key).
		Str("from", newerPath).Str("to", olderPath).
		Msg("synced")
	r.journal.LogActivity("sync", key, fmt.Sprintf("%s ==> %s", newerPath, olderPath))
	r.metrics.Sync(direction(newer == &r.a))
	return nil
}

func direction(aToB bool) string {
	if aToB {
		return "a_to_b"
	}
	return "b_to_a"
}
