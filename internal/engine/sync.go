package engine

import (
	"context"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/projector"
)

// pick is the record chosen for one source.
type pick struct {
	source string
	rec    *meta.Record
}

// Process pairs one unit with metadata and returns it with its annotations
// attached.
//
// States: Idle → WaitingForMetadata → Ready → Idle. Process returns
// ErrStopped if the engine is (or becomes) stopped before the unit is ready;
// the unit is then abandoned. Cancelling ctx aborts the wait the same way.
// A Sync-mode deadline is not an error: the unit proceeds with whatever
// metadata is available.
func (e *Engine) Process(ctx context.Context, u *meta.Unit) (*meta.Unit, error) {
	start := time.Now()

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	e.unitsProcessed++
	if u.Width > 0 && u.Height > 0 {
		e.lastW, e.lastH = u.Width, u.Height
	}

	compare := e.opts.Mode == ModeSync && meta.ValidTimestamp(u.Timestamp)
	timedOut, err := e.wait(ctx, u, compare)
	if err != nil {
		e.unitsAbandoned++
		e.mu.Unlock()
		e.metrics.RecordAbandoned()
		e.log.Debug("metamux: unit abandoned", "seq", u.Seq, "timestamp", u.Timestamp, "reason", err)
		return nil, err
	}
	if timedOut {
		e.syncTimeouts++
		e.metrics.RecordSyncTimeout()
		e.log.Warn("metamux: sync deadline reached, releasing unit with partial metadata",
			"seq", u.Seq,
			"timestamp", u.Timestamp,
			"waiting_on", e.missing(u.Timestamp, compare),
		)
	}

	picks := e.consume(u.Timestamp, compare)
	e.unitsEmitted++
	e.mu.Unlock()

	// Records are immutable once queued; projection needs no lock.
	for _, p := range picks {
		projector.Attach(u, p.source, p.rec)
	}

	e.metrics.RecordEmitted(time.Since(start))
	return u, nil
}

// wait blocks on the wakeup condition until metadata is available for u,
// the engine stops, ctx is done, or (Sync mode) the deadline passes.
// mu must be held.
func (e *Engine) wait(ctx context.Context, u *meta.Unit, compare bool) (timedOut bool, err error) {
	stop := context.AfterFunc(ctx, e.broadcast)
	defer stop()

	switch e.opts.Mode {
	case ModeAsync:
		for e.active && ctx.Err() == nil && !e.available(meta.NoTimestamp, false) {
			e.wakeup.Wait()
		}

	case ModeSync:
		deadline := e.deadline(u)
		timer := time.AfterFunc(time.Until(deadline), e.broadcast)
		defer timer.Stop()

		for e.active && ctx.Err() == nil && !e.available(u.Timestamp, compare) {
			if !time.Now().Before(deadline) {
				timedOut = true
				break
			}
			e.wakeup.Wait()
		}
	}

	if !e.active {
		return false, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return timedOut, nil
}

// deadline computes the absolute wait-until time of u:
//
//	originWallClock + (ts - basetime) + duration + latency
//
// The first comparable unit after start sets basetime and originWallClock.
// A unit without a timestamp waits duration + latency from now.
// mu must be held.
func (e *Engine) deadline(u *meta.Unit) time.Time {
	slack := u.Duration + e.opts.Latency
	if !meta.ValidTimestamp(u.Timestamp) {
		return time.Now().Add(slack)
	}
	if !e.based {
		e.based = true
		e.basetime = u.Timestamp
		e.origin = time.Now()
	}
	return e.origin.Add(u.Timestamp - e.basetime + slack)
}

// available evaluates the matching predicate over every source. With
// compare set it evicts head records that can no longer match ts.
// mu must be held.
func (e *Engine) available(ts time.Duration, compare bool) bool {
	for _, src := range e.sources {
		if src.eos && src.queue.Empty() {
			continue
		}
		if src.queue.Empty() {
			return false
		}
		if !compare {
			continue
		}
		// A head newer than ts blocks this unit; do not look further.
		if head := e.evictStale(src, ts); head == nil || !e.within(head.Timestamp, ts) {
			return false
		}
	}
	return true
}

// evictStale drops head records older than ts beyond the tolerance, or
// without a timestamp, and returns the new head (nil if the queue emptied).
// mu must be held.
func (e *Engine) evictStale(src *source, ts time.Duration) *meta.Record {
	var stale, invalid int
	defer func() {
		e.metrics.RecordEvicted(src.name, metrics.ReasonStale, stale, src.queue.Len())
		e.metrics.RecordEvicted(src.name, metrics.ReasonInvalid, invalid, src.queue.Len())
	}()

	for {
		head, ok := src.queue.Peek()
		if !ok {
			return nil
		}
		switch {
		case !meta.ValidTimestamp(head.Timestamp):
			invalid++
		case head.Timestamp < ts-e.opts.Tolerance:
			stale++
		default:
			return head
		}
		src.queue.Pop()
		src.stats.Evicted++
	}
}

func (e *Engine) within(r, ts time.Duration) bool {
	d := r - ts
	if d < 0 {
		d = -d
	}
	return d <= e.opts.Tolerance
}

// consume selects one record per source: the matching head if there is one,
// else the source's lastRecord, else nothing. mu must be held.
func (e *Engine) consume(ts time.Duration, compare bool) []pick {
	picks := make([]pick, 0, len(e.sources))
	for _, src := range e.sources {
		var rec *meta.Record
		if compare {
			if head := e.evictStale(src, ts); head != nil && e.within(head.Timestamp, ts) {
				rec, _ = src.queue.Pop()
			}
		} else {
			rec, _ = src.queue.Pop()
		}

		switch {
		case rec != nil:
			src.last = rec
			src.stats.Consumed++
			e.metrics.RecordConsumed(src.name, src.queue.Len())
		case src.last != nil:
			rec = src.last
			src.stats.Reused++
			e.metrics.RecordReused(src.name)
		default:
			continue
		}
		picks = append(picks, pick{source: src.name, rec: rec})
	}
	return picks
}

// missing lists the sources that held the unit back. mu must be held.
func (e *Engine) missing(ts time.Duration, compare bool) []string {
	var names []string
	for _, src := range e.sources {
		if src.eos && src.queue.Empty() {
			continue
		}
		head, ok := src.queue.Peek()
		if !ok || (compare && !e.within(head.Timestamp, ts)) {
			names = append(names, src.name)
		}
	}
	return names
}
