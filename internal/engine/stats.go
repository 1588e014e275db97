package engine

// SourceStats is a per-source counter snapshot.
type SourceStats struct {
	// Queued is the current queue length
	Queued int
	// PartialBytes is the size of the cached partial text fragment
	PartialBytes int
	// Enqueued counts records decoded and queued
	Enqueued uint64
	// Consumed counts records attached to a unit for the first time
	Consumed uint64
	// Reused counts units that received lastRecord again
	Reused uint64
	// Evicted counts records discarded without being attached (stale,
	// invalid, overflow, flush)
	Evicted uint64
	// Overflow is the part of Evicted caused by a full bounded queue
	Overflow uint64
	// DecodeErrors counts dropped tokens or rejected chunks
	DecodeErrors uint64
	// EOS is set once the source signaled end of stream
	EOS bool
}

// Stats is an engine snapshot.
type Stats struct {
	Active         bool
	UnitsProcessed uint64
	UnitsEmitted   uint64
	UnitsAbandoned uint64
	SyncTimeouts   uint64
	Sources        map[string]SourceStats
}

// Stats returns a snapshot of the engine counters.
//
// Non-blocking with respect to the worker wait; values may be slightly stale
// relative to producers still decoding.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	srcs := append([]*source(nil), e.sources...)
	e.mu.Unlock()

	partial := make(map[*source]int, len(srcs))
	for _, src := range srcs {
		if src.text == nil {
			continue
		}
		src.decodeMu.Lock()
		partial[src] = src.text.Partial()
		src.decodeMu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := Stats{
		Active:         e.active,
		UnitsProcessed: e.unitsProcessed,
		UnitsEmitted:   e.unitsEmitted,
		UnitsAbandoned: e.unitsAbandoned,
		SyncTimeouts:   e.syncTimeouts,
		Sources:        make(map[string]SourceStats, len(e.sources)),
	}
	for _, src := range e.sources {
		s := src.stats
		s.Queued = src.queue.Len()
		s.PartialBytes = partial[src]
		out.Sources[src.name] = s
	}
	return out
}
