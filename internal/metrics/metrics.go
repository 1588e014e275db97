// Package metrics holds the Prometheus collectors of the synchronization
// engine. Every method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "metamux"

// Eviction reasons.
const (
	ReasonStale    = "stale"
	ReasonOverflow = "overflow"
	ReasonFlush    = "flush"
	ReasonInvalid  = "invalid_timestamp"
)

// Metrics groups the engine collectors.
type Metrics struct {
	recordsEnqueued *prometheus.CounterVec
	recordsEvicted  *prometheus.CounterVec
	recordsReused   *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec

	unitsEmitted   prometheus.Counter
	unitsAbandoned prometheus.Counter
	syncTimeouts   prometheus.Counter
	waitSeconds    prometheus.Histogram
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered (useful in tests). Collectors already registered by an
// earlier engine are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		recordsEnqueued: newCounterVec("source", "records_enqueued_total", "Records decoded and queued per metadata source", "source"),
		recordsEvicted:  newCounterVec("source", "records_evicted_total", "Records discarded without being attached, by reason", "source", "reason"),
		recordsReused:   newCounterVec("source", "records_reused_total", "Units that received the previously consumed record again", "source"),
		decodeErrors:    newCounterVec("source", "decode_errors_total", "Metadata chunks or tokens that failed to decode", "source"),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "queue_depth",
			Help:      "Records currently queued per metadata source",
		}, []string{"source"}),
		unitsEmitted:   newCounter("engine", "units_emitted_total", "Media units released downstream"),
		unitsAbandoned: newCounter("engine", "units_abandoned_total", "Media units discarded because the engine stopped mid-pairing"),
		syncTimeouts:   newCounter("engine", "sync_timeouts_total", "Sync-mode waits that reached their deadline"),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "wait_seconds",
			Help:      "Time a media unit waited for companion metadata",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.recordsEnqueued, err = register(reg, m.recordsEnqueued); err != nil {
		return nil, err
	}
	if m.recordsEvicted, err = register(reg, m.recordsEvicted); err != nil {
		return nil, err
	}
	if m.recordsReused, err = register(reg, m.recordsReused); err != nil {
		return nil, err
	}
	if m.decodeErrors, err = register(reg, m.decodeErrors); err != nil {
		return nil, err
	}
	if m.queueDepth, err = register(reg, m.queueDepth); err != nil {
		return nil, err
	}
	if m.unitsEmitted, err = register(reg, m.unitsEmitted); err != nil {
		return nil, err
	}
	if m.unitsAbandoned, err = register(reg, m.unitsAbandoned); err != nil {
		return nil, err
	}
	if m.syncTimeouts, err = register(reg, m.syncTimeouts); err != nil {
		return nil, err
	}
	if m.waitSeconds, err = register(reg, m.waitSeconds); err != nil {
		return nil, err
	}
	return m, nil
}

// register returns the collector that ends up registered: c itself, or the
// identical collector registered before.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) RecordEnqueued(source string, depth int) {
	if m == nil {
		return
	}
	m.recordsEnqueued.WithLabelValues(source).Inc()
	m.queueDepth.WithLabelValues(source).Set(float64(depth))
}

func (m *Metrics) RecordEvicted(source, reason string, n int, depth int) {
	if m == nil || n == 0 {
		return
	}
	m.recordsEvicted.WithLabelValues(source, reason).Add(float64(n))
	m.queueDepth.WithLabelValues(source).Set(float64(depth))
}

func (m *Metrics) RecordConsumed(source string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(source).Set(float64(depth))
}

func (m *Metrics) RecordReused(source string) {
	if m == nil {
		return
	}
	m.recordsReused.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordDecodeError(source string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordEmitted(waited time.Duration) {
	if m == nil {
		return
	}
	m.unitsEmitted.Inc()
	m.waitSeconds.Observe(waited.Seconds())
}

func (m *Metrics) RecordAbandoned() {
	if m == nil {
		return
	}
	m.unitsAbandoned.Inc()
}

func (m *Metrics) RecordSyncTimeout() {
	if m == nil {
		return
	}
	m.syncTimeouts.Inc()
}
