package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bertl4398/MiGBox/fs"
)

// Default timer intervals.
const (
	DefaultScanInterval = 5 * time.Second
	DefaultPollInterval = 3 * time.Second
)

// FullScan walks both replica trees and enqueues work for every relative
// key that diverges: creates for one-sided paths, a modify for files
// present on both (the reconciler decides whether bytes moved). Stray
// *.patched temporaries from interrupted patches are removed on sight.
func (r *Reconciler) FullScan(ctx context.Context) error {
	start := time.Now()
	defer func() { r.metrics.Scan(time.Since(start).Seconds()) }()

	seenA, err := r.walkTree(ctx, &r.a)
	if err != nil {
		return err
	}
	seenB, err := r.walkTree(ctx, &r.b)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(seenA))
	for key := range seenA {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			return nil
		}
		kindA := seenA[key]
		pathA := r.a.rep.JoinPath(r.a.rep.Root(), key)
		kindB, onB := seenB[key]
		if !onB {
			if kindA == fs.KindDir {
				r.queue.Push(fs.Event{Kind: fs.DirCreated, Path: pathA})
			} else {
				r.queue.Push(fs.Event{Kind: fs.FileCreated, Path: pathA})
			}
			continue
		}
		if kindA == fs.KindFile && kindB == fs.KindFile {
			r.queue.Push(fs.Event{Kind: fs.FileModified, Path: pathA})
		}
	}

	onlyB := make([]string, 0)
	for key := range seenB {
		if _, ok := seenA[key]; !ok {
			onlyB = append(onlyB, key)
		}
	}
	sort.Strings(onlyB)
	for _, key := range onlyB {
		if ctx.Err() != nil {
			return nil
		}
		pathB := r.b.rep.JoinPath(r.b.rep.Root(), key)
		if seenB[key] == fs.KindDir {
			r.queue.Push(fs.Event{Kind: fs.DirCreated, Path: pathB})
		} else {
			r.queue.Push(fs.Event{Kind: fs.FileCreated, Path: pathB})
		}
	}
	return nil
}

// walkTree maps relative keys to kinds for one replica tree, pruning
// in-progress patch temporaries as it goes.
func (r *Reconciler) walkTree(ctx context.Context, s *side) (map[string]fs.Kind, error) {
	out := make(map[string]fs.Kind)
	err := r.walkDir(ctx, s, s.rep.Root(), out)
	return out, err
}

func (r *Reconciler) walkDir(ctx context.Context, s *side, dir string, out map[string]fs.Kind) error {
	if ctx.Err() != nil {
		return nil
	}
	names, err := s.rep.List(dir)
	if err != nil {
		r.logger.Debug().Err(err).Str("dir", dir).Msg("scan: list failed")
		return nil
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return nil
		}
		p := s.rep.JoinPath(dir, name)
		st, err := s.rep.Stat(p)
		if err != nil {
			continue
		}
		if st.Kind == fs.KindFile && strings.HasSuffix(name, ".patched") {
			if err := s.rep.Remove(p); err == nil {
				r.logger.Debug().Str("path", p).Msg("scan: removed stray patch temp")
			}
			continue
		}
		out[s.rep.RelativeKey(p)] = st.Kind
		if st.Kind == fs.KindDir {
			if err := r.walkDir(ctx, s, p, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunScanLoop performs an initial full scan, then one every interval
// until the context cancels. The timer is one-shot and self-rescheduling.
func (r *Reconciler) RunScanLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	if err := r.FullScan(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := r.FullScan(ctx); err != nil {
				return err
			}
			timer.Reset(interval)
		}
	}
}

// RunPollLoop drains a replica's event source into the queue every
// interval until the context cancels.
func (r *Reconciler) RunPollLoop(ctx context.Context, rep fs.Replica, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			evs, err := rep.Poll()
			if err != nil {
				r.logger.Error().Err(err).Msg("poll failed")
				return err
			}
			r.queue.PushAll(evs)
			timer.Reset(interval)
		}
	}
}
