package engine

import (
	"fmt"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/flowmeta"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/ring"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/textmeta"
)

// source is one registered metadata producer.
//
// Lock order: decodeMu before Engine.mu. decodeMu serializes decoding and
// flushing of this source so a flush never races a chunk in progress; the
// queue, lastRecord and eos are guarded by Engine.mu.
type source struct {
	name string
	spec SourceSpec

	decodeMu sync.Mutex
	text     *textmeta.Decoder // text sources only

	queue *ring.Ring[*meta.Record]
	last  *meta.Record
	eos   bool
	stats SourceStats
}

// AddSource registers a metadata source. Sources may be added while the
// engine runs; the unit in flight re-evaluates its wait.
func (e *Engine) AddSource(name string, spec SourceSpec) error {
	if name == "" {
		return fmt.Errorf("%w: source name is required", ErrInvalidOptions)
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: source %q: %v", ErrInvalidOptions, name, err)
	}

	capacity := spec.QueueCapacity
	if capacity == 0 {
		capacity = e.opts.QueueCapacity
	}

	src := &source{
		name:  name,
		spec:  spec,
		queue: ring.New[*meta.Record](capacity),
	}
	if spec.Format == FormatText {
		src.text = textmeta.New(e.opts.MaxPartialBytes)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrSourceExists, name)
	}
	e.sources = append(e.sources, src)
	e.byName[name] = src
	e.wakeup.Broadcast()

	e.log.Debug("metamux: source added",
		"source", name,
		"format", spec.Format.String(),
		"queue_capacity", capacity,
	)
	return nil
}

// RemoveSource unregisters a source and discards its queue.
func (e *Engine) RemoveSource(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	src, ok := e.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	delete(e.byName, name)
	for i, s := range e.sources {
		if s == src {
			e.sources = append(e.sources[:i], e.sources[i+1:]...)
			break
		}
	}
	e.metrics.RecordEvicted(name, metrics.ReasonFlush, src.queue.Clear(), 0)
	e.wakeup.Broadcast()
	return nil
}

func (e *Engine) lookup(name string) (*source, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	src, ok := e.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return src, nil
}

// Push decodes one chunk of source name and queues the resulting records.
//
// A decode failure is returned after the decodable part of the chunk has
// been queued: text sources keep decoding the tokens that parse, binary
// sources drop the whole chunk.
func (e *Engine) Push(name string, c Chunk) error {
	src, err := e.lookup(name)
	if err != nil {
		return err
	}

	src.decodeMu.Lock()
	defer src.decodeMu.Unlock()

	if c.Flush {
		e.flushLocked(src)
	}
	if len(c.Data) == 0 && len(c.Stats) == 0 {
		return nil
	}

	var (
		recs []*meta.Record
		derr error
	)
	switch src.spec.Format {
	case FormatText:
		recs, derr = src.text.Decode(c.Data, c.Timestamp)
	case FormatBinary:
		w, h := e.frameSize()
		var rec *meta.Record
		if rec, derr = flowmeta.Decode(src.spec.Flow, c.Data, c.Stats, w, h, c.Timestamp); rec != nil {
			recs = append(recs, rec)
		}
	}

	e.enqueue(src, recs, derr)
	if derr != nil {
		return fmt.Errorf("metamux: source %q: %w", name, derr)
	}
	return nil
}

// EndOfStream marks source name as permanently finished. A pending text
// record is finalized first. Once its queue drains the source no longer
// holds back any unit.
func (e *Engine) EndOfStream(name string) error {
	src, err := e.lookup(name)
	if err != nil {
		return err
	}

	src.decodeMu.Lock()
	defer src.decodeMu.Unlock()

	var (
		recs []*meta.Record
		derr error
	)
	if src.text != nil {
		recs, derr = src.text.Finish()
	}
	e.enqueue(src, recs, derr)

	e.mu.Lock()
	src.eos = true
	src.stats.EOS = true
	e.wakeup.Broadcast()
	e.mu.Unlock()

	e.log.Debug("metamux: source reached end of stream", "source", name)
	if derr != nil {
		return fmt.Errorf("metamux: source %q: %w", name, derr)
	}
	return nil
}

// Flush discards every queued record of source name, its partial text state
// and its lastRecord. The end-of-stream mark is cleared so the source can
// resume.
func (e *Engine) Flush(name string) error {
	src, err := e.lookup(name)
	if err != nil {
		return err
	}

	src.decodeMu.Lock()
	defer src.decodeMu.Unlock()

	e.flushLocked(src)
	return nil
}

// flushLocked must be called with src.decodeMu held.
func (e *Engine) flushLocked(src *source) {
	if src.text != nil {
		src.text.Reset()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n := src.queue.Clear()
	src.last = nil
	src.eos = false
	src.stats.EOS = false
	src.stats.Evicted += uint64(n)
	e.metrics.RecordEvicted(src.name, metrics.ReasonFlush, n, 0)
	e.wakeup.Broadcast()

	e.log.Debug("metamux: source flushed", "source", src.name, "dropped", n)
}

// enqueue queues decoded records and accounts a decode failure. It must be
// called with src.decodeMu held.
func (e *Engine) enqueue(src *source, recs []*meta.Record, derr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if derr != nil {
		src.stats.DecodeErrors += uint64(countErrors(derr))
		e.metrics.RecordDecodeError(src.name)
		e.log.Warn("metamux: metadata decode failed",
			"source", src.name,
			"error", derr,
		)
	}

	for _, rec := range recs {
		if old, dropped := src.queue.Push(rec); dropped {
			src.stats.Evicted++
			src.stats.Overflow++
			e.metrics.RecordEvicted(src.name, metrics.ReasonOverflow, 1, src.queue.Len())
			e.log.Debug("metamux: queue full, dropped oldest record",
				"source", src.name,
				"record", old,
			)
		}
		src.stats.Enqueued++
		e.metrics.RecordEnqueued(src.name, src.queue.Len())
	}

	if len(recs) > 0 {
		e.wakeup.Broadcast()
	}
}

// frameSize returns the pixel space binary fields are scaled to.
func (e *Engine) frameSize() (int, int) {
	if e.opts.FrameWidth > 0 && e.opts.FrameHeight > 0 {
		return e.opts.FrameWidth, e.opts.FrameHeight
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastW, e.lastH
}

// countErrors counts the leaves of a joined error.
func countErrors(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		n := 0
		for _, inner := range joined.Unwrap() {
			n += countErrors(inner)
		}
		return n
	}
	return 1
}
