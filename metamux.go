package metamux

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine pairs primary media units with metadata from named sources.
//
// Lifecycle: New → Start → (Run | Process) + (Feed | Push) → Stop. Stop then
// Start begins a new timeline.
type Engine interface {
	// Start activates the engine (ErrAlreadyStarted if active)
	Start() error
	// Stop aborts every wait and abandons the unit in flight. Idempotent.
	Stop()
	Active() bool
	Mode() Mode

	AddSource(name string, spec SourceSpec) error
	RemoveSource(name string) error

	// Push decodes one chunk of a source and queues its records
	Push(name string, c Chunk) error
	// EndOfStream marks a source finished; once drained it stops holding units
	EndOfStream(name string) error
	// Flush discards the queue, partial text and last record of a source
	Flush(name string) error

	// Process waits for metadata and returns u with its annotations attached
	Process(ctx context.Context, u *Unit) (*Unit, error)
	// Run drives Process from media until end of stream, emitting to sink
	Run(ctx context.Context, media MediaSource, sink UnitSink) error
	// Feed pumps one metadata source into the engine until it ends
	Feed(ctx context.Context, src MetadataSource) error

	Stats() Stats
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// WithLogger sets the structured logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer exports the engine metrics to reg. Without it no metrics are
// recorded.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New validates cfg, creates a stopped engine and registers every declared
// source.
func New(cfg Config, opts ...Option) (Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if o.registerer != nil {
		var err error
		if m, err = metrics.New(o.registerer); err != nil {
			return nil, fmt.Errorf("metamux: register metrics: %w", err)
		}
	}

	e, err := engine.New(engine.Options{
		Mode:            cfg.Mode,
		Latency:         cfg.Latency,
		Tolerance:       cfg.TimestampTolerance,
		QueueCapacity:   cfg.QueueCapacity,
		MaxPartialBytes: cfg.MaxPartialBytes,
		FrameWidth:      cfg.FrameWidth,
		FrameHeight:     cfg.FrameHeight,
		Logger:          o.logger,
		Metrics:         m,
	})
	if err != nil {
		return nil, err
	}

	for _, src := range cfg.Sources {
		if err := e.AddSource(src.Name, src.Spec()); err != nil {
			return nil, err
		}
	}
	return e, nil
}
