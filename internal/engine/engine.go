// Package engine implements the metadata synchronization engine.
//
// This package is INTERNAL - clients MUST use the public API in the root
// package.
//
// Concurrency model:
//   - 1 worker (Run or direct Process calls) pairs media units one at a time
//   - N producers (Push/Feed, one per source) decode chunks and queue records
//   - one mutex guards every queue and all engine state; one sync.Cond
//     ("wakeup") is broadcast on push, flush, end of stream, stop, context
//     cancellation and wait deadline
//
// The worker blocks only on the wakeup condition and never polls.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/metrics"
)

// Options configures an Engine.
type Options struct {
	Mode Mode
	// Latency is added to every Sync-mode deadline
	Latency time.Duration
	// Tolerance is the matching window (0 selects DefaultTolerance)
	Tolerance time.Duration
	// QueueCapacity bounds each source queue (0 = unbounded)
	QueueCapacity int
	// MaxPartialBytes bounds the partial text fragment per source
	MaxPartialBytes int
	// FrameWidth and FrameHeight scale binary motion fields. When zero the
	// size of the most recent unit is used.
	FrameWidth  int
	FrameHeight int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine pairs primary media units with metadata records from any number of
// named sources.
//
// Lifecycle: New → AddSource... → Start → Run/Process + Push/Feed → Stop.
// Stop then Start begins a new timeline (basetime is taken again).
type Engine struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	// --- Shared state (guarded by mu) ---

	mu      sync.Mutex
	wakeup  *sync.Cond
	sources []*source // registration order
	byName  map[string]*source

	active    bool
	based     bool
	basetime  time.Duration // timestamp of the first unit after start
	origin    time.Time     // wall clock at the first unit after start
	lastW     int
	lastH     int
	cancelRun context.CancelFunc

	unitsProcessed uint64
	unitsEmitted   uint64
	unitsAbandoned uint64
	syncTimeouts   uint64
}

// New validates opts and creates a stopped engine.
func New(opts Options) (*Engine, error) {
	if opts.Mode != ModeAsync && opts.Mode != ModeSync {
		return nil, fmt.Errorf("%w: unsupported mode %s", ErrInvalidOptions, opts.Mode)
	}
	if opts.Latency < 0 {
		return nil, fmt.Errorf("%w: latency %s must not be negative", ErrInvalidOptions, opts.Latency)
	}
	if opts.Tolerance < 0 {
		return nil, fmt.Errorf("%w: tolerance %s must not be negative", ErrInvalidOptions, opts.Tolerance)
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.QueueCapacity < 0 {
		return nil, fmt.Errorf("%w: queue capacity %d must not be negative", ErrInvalidOptions, opts.QueueCapacity)
	}
	if opts.FrameWidth < 0 || opts.FrameHeight < 0 {
		return nil, fmt.Errorf("%w: frame size %dx%d must not be negative", ErrInvalidOptions, opts.FrameWidth, opts.FrameHeight)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		opts:    opts,
		log:     log,
		metrics: opts.Metrics,
		byName:  make(map[string]*source),
	}
	e.wakeup = sync.NewCond(&e.mu)
	return e, nil
}

// Mode returns the configured wait policy.
func (e *Engine) Mode() Mode { return e.opts.Mode }

// Start activates the engine. The next unit becomes the basetime of a new
// timeline in Sync mode.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		return ErrAlreadyStarted
	}
	e.active = true
	e.clearBase()

	e.log.Info("metamux: engine started",
		"mode", e.opts.Mode.String(),
		"latency", e.opts.Latency,
		"tolerance", e.opts.Tolerance,
		"sources", len(e.sources),
	)
	return nil
}

// Stop deactivates the engine. Every wait aborts immediately and the unit in
// flight is abandoned. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return
	}
	e.active = false
	e.clearBase()
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.wakeup.Broadcast()

	e.log.Info("metamux: engine stopped",
		"units_processed", e.unitsProcessed,
		"units_emitted", e.unitsEmitted,
	)
}

// Active reports whether the engine is started.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// clearBase must be called with mu held.
func (e *Engine) clearBase() {
	e.based = false
	e.basetime = 0
	e.origin = time.Time{}
}

// broadcast wakes the worker. Used from timer and context callbacks.
func (e *Engine) broadcast() {
	e.mu.Lock()
	e.wakeup.Broadcast()
	e.mu.Unlock()
}
