package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/flowmeta"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

func detectionLine(ts time.Duration, label string) []byte {
	return []byte(fmt.Sprintf(`[{"name":"ObjectDetection","timestamp":%d,"sequence-index":1,"sequence-num-entries":1,`+
		`"bounding-boxes":[{"label":%q,"confidence":90,"rectangle":[0.25,0.25,0.5,0.5]}]}]`+"\n", ts.Nanoseconds(), label))
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func unit(seq uint64, ts time.Duration) *meta.Unit {
	return &meta.Unit{Seq: seq, Timestamp: ts, Duration: 0, Width: 100, Height: 100}
}

// processAsync runs Process in a goroutine and returns a channel with the
// outcome.
type outcome struct {
	u   *meta.Unit
	err error
}

func processAsync(e *Engine, ctx context.Context, u *meta.Unit) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		out, err := e.Process(ctx, u)
		ch <- outcome{out, err}
	}()
	return ch
}

func TestNew_ValidatesOptions(t *testing.T) {
	_, err := New(Options{Mode: Mode(7)})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(Options{Latency: -ms})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(Options{Tolerance: -ms})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	e, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTolerance, e.opts.Tolerance)
}

func TestLifecycle(t *testing.T) {
	e := newEngine(t, Options{})

	_, err := e.Process(context.Background(), unit(0, 0))
	assert.ErrorIs(t, err, ErrStopped, "stopped engine must refuse units")

	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrAlreadyStarted)
	assert.True(t, e.Active())

	e.Stop()
	e.Stop() // idempotent
	assert.False(t, e.Active())
}

func TestAddSource_Errors(t *testing.T) {
	e := newEngine(t, Options{})

	require.NoError(t, e.AddSource("det", SourceSpec{Format: FormatText}))
	assert.ErrorIs(t, e.AddSource("det", SourceSpec{Format: FormatText}), ErrSourceExists)
	assert.ErrorIs(t, e.AddSource("", SourceSpec{}), ErrInvalidOptions)
	assert.ErrorIs(t, e.AddSource("flow", SourceSpec{Format: FormatBinary}), ErrInvalidOptions)

	assert.ErrorIs(t, e.Push("nope", Chunk{Data: []byte("[]")}), ErrUnknownSource)
	assert.ErrorIs(t, e.Flush("nope"), ErrUnknownSource)
	assert.ErrorIs(t, e.EndOfStream("nope"), ErrUnknownSource)
	assert.ErrorIs(t, e.RemoveSource("nope"), ErrUnknownSource)
}

// TestAsync_Liveness verifies no unit is released before every live source
// produced a record.
//
// Scenario: two text sources; "a" produces immediately, "b" 30ms later. The
// unit must stay blocked until "b" delivers, then carry both records.
func TestAsync_Liveness(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("a", SourceSpec{}))
	require.NoError(t, e.AddSource("b", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	require.NoError(t, e.Push("a", Chunk{Data: detectionLine(0, "a0")}))
	done := processAsync(e, context.Background(), unit(1, 10*ms))

	select {
	case <-done:
		t.Fatal("unit released before source b produced a record")
	case <-time.After(30 * ms):
	}

	require.NoError(t, e.Push("b", Chunk{Data: detectionLine(500*ms, "b0")}))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Len(t, out.u.Annotations, 2)
		assert.Equal(t, "a", out.u.Annotations[0].Source)
		assert.Equal(t, "b", out.u.Annotations[1].Source)
	case <-time.After(time.Second):
		t.Fatal("unit not released after both sources produced")
	}
}

// TestAsync_EndOfStreamReleases checks that a terminated, drained source no
// longer holds units back.
func TestAsync_EndOfStreamReleases(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("a", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	done := processAsync(e, context.Background(), unit(1, 0))
	time.Sleep(10 * ms)
	require.NoError(t, e.EndOfStream("a"))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Empty(t, out.u.Annotations)
	case <-time.After(time.Second):
		t.Fatal("end of stream did not release the unit")
	}
}

// TestSync_Tolerance checks the timestamp match window.
//
// Property: a record r matches unit t iff |t - r| <= tolerance; older
// records are evicted, newer ones stay queued for a later unit.
func TestSync_Tolerance(t *testing.T) {
	cases := []struct {
		name    string
		record  time.Duration
		unit    time.Duration
		match   bool
		evicted bool
	}{
		{"exact", 100 * ms, 100 * ms, true, false},
		{"within before", 99 * ms, 100 * ms, true, false},
		{"within after", 101 * ms, 100 * ms, true, false},
		{"stale", 98*ms + 999*time.Microsecond, 100 * ms, false, true},
		{"future", 101*ms + time.Microsecond, 100 * ms, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t, Options{Mode: ModeSync, Latency: 5 * ms})
			require.NoError(t, e.AddSource("det", SourceSpec{}))
			require.NoError(t, e.Start())
			defer e.Stop()

			require.NoError(t, e.Push("det", Chunk{Data: detectionLine(tc.record, "x")}))
			out, err := e.Process(context.Background(), unit(1, tc.unit))
			require.NoError(t, err)

			stats := e.Stats()
			if tc.match {
				require.Len(t, out.Annotations, 1)
				assert.Equal(t, tc.record, out.Annotations[0].Timestamp)
				assert.Zero(t, stats.SyncTimeouts)
			} else {
				assert.Empty(t, out.Annotations)
				assert.Equal(t, uint64(1), stats.SyncTimeouts)
			}

			src := stats.Sources["det"]
			if tc.evicted {
				assert.Equal(t, uint64(1), src.Evicted)
				assert.Zero(t, src.Queued)
			}
			if !tc.match && !tc.evicted {
				assert.Equal(t, 1, src.Queued, "future record must stay queued")
			}
		})
	}
}

// TestSync_EndToEnd replays three units against one detection source.
//
// Scenario: units at t = 0, 33, 66ms; records at t = 0 and t = 66 only;
// Sync mode, tolerance 1ms, latency 5ms. Unit@0 gets the t=0 record, unit@33
// times out and reuses it, unit@66 gets the t=66 record.
func TestSync_EndToEnd(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeSync, Tolerance: ms, Latency: 5 * ms})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	require.NoError(t, e.Push("det", Chunk{Data: append(detectionLine(0, "first"), detectionLine(66*ms, "second")...)}))

	var got []string
	for i, ts := range []time.Duration{0, 33 * ms, 66 * ms} {
		out, err := e.Process(context.Background(), unit(uint64(i), ts))
		require.NoError(t, err)
		require.Len(t, out.Annotations, 1, "unit@%s", ts)
		got = append(got, out.Annotations[0].Label)
	}
	assert.Equal(t, []string{"first", "first", "second"}, got)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.SyncTimeouts)
	assert.Equal(t, uint64(3), stats.UnitsEmitted)
	assert.Equal(t, uint64(2), stats.Sources["det"].Consumed)
	assert.Equal(t, uint64(1), stats.Sources["det"].Reused)
}

// TestSync_WaitsForLateRecord checks a record arriving before the deadline
// is attached.
func TestSync_WaitsForLateRecord(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeSync, Latency: 200 * ms})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	done := processAsync(e, context.Background(), unit(1, 0))
	time.Sleep(20 * ms)
	require.NoError(t, e.Push("det", Chunk{Data: detectionLine(0, "late")}))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Len(t, out.u.Annotations, 1)
	case <-time.After(time.Second):
		t.Fatal("late record did not release the unit")
	}
	assert.Zero(t, e.Stats().SyncTimeouts)
}

// TestSync_EmptiedQueueIsNotAvailable pins the conservative reading of a
// queue emptied by stale eviction: the unit waits for its deadline.
func TestSync_EmptiedQueueIsNotAvailable(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeSync, Latency: 20 * ms})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	require.NoError(t, e.Push("det", Chunk{Data: detectionLine(10*ms, "old")}))

	begin := time.Now()
	out, err := e.Process(context.Background(), unit(1, 100*ms))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 15*ms)
	assert.Empty(t, out.Annotations)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.SyncTimeouts)
	assert.Equal(t, uint64(1), stats.Sources["det"].Evicted)
}

// TestSync_DeadlineIncludesDuration pins the wait bound of a unit that never
// matches to origin + (ts - basetime) + duration + latency.
//
// Scenario: unit@0 matches at once and fixes the origin. Unit@40ms lasts
// 80ms with 20ms latency, so it is released 140ms after the origin. Without
// the duration term it would leave at 60ms; counted twice, at 220ms.
func TestSync_DeadlineIncludesDuration(t *testing.T) {
	const (
		at       = 40 * ms
		duration = 80 * ms
		latency  = 20 * ms
	)
	e := newEngine(t, Options{Mode: ModeSync, Latency: latency})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	require.NoError(t, e.Push("det", Chunk{Data: detectionLine(0, "first")}))

	begin := time.Now()
	_, err := e.Process(context.Background(), unit(0, 0))
	require.NoError(t, err)
	based := time.Since(begin)

	u := unit(1, at)
	u.Duration = duration
	out, err := e.Process(context.Background(), u)
	require.NoError(t, err)
	elapsed := time.Since(begin)

	want := at + duration + latency
	assert.GreaterOrEqual(t, elapsed, want)
	assert.Less(t, elapsed, based+want+60*ms)
	require.Len(t, out.Annotations, 1, "timed-out unit reuses the last record")
	assert.Equal(t, uint64(1), e.Stats().SyncTimeouts)
}

// TestPush_ZeroChunkTimestampIsMediaTimeZero documents the Chunk contract:
// an unset Timestamp stamps unstamped entries at media time 0, so they match
// unit@0 instead of being evicted as timestamp-less.
func TestPush_ZeroChunkTimestampIsMediaTimeZero(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeSync, Latency: time.Second})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	require.NoError(t, e.Push("det", Chunk{
		Data: []byte(`[{"name":"ImageClassification","labels":[{"label":"zero"}]}]` + "\n"),
	}))

	begin := time.Now()
	out, err := e.Process(context.Background(), unit(0, 0))
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 500*ms, "record at 0 must match without waiting")
	require.Len(t, out.Annotations, 1)
	assert.Equal(t, "zero", out.Annotations[0].Label)
	assert.Zero(t, e.Stats().SyncTimeouts)
}

func TestSync_InvalidRecordTimestampEvicted(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeSync, Latency: 5 * ms})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	// No entry timestamp and no chunk timestamp.
	require.NoError(t, e.Push("det", Chunk{
		Timestamp: meta.NoTimestamp,
		Data:      []byte(`[{"name":"ImageClassification","labels":[{"label":"x"}]}]` + "\n"),
	}))
	require.NoError(t, e.Push("det", Chunk{Data: detectionLine(0, "valid")}))

	out, err := e.Process(context.Background(), unit(1, 0))
	require.NoError(t, err)
	require.Len(t, out.Annotations, 1)
	assert.Equal(t, "valid", out.Annotations[0].Label)
}

func TestStop_AbandonsInFlightUnit(t *testing.T) {
	for _, mode := range []Mode{ModeAsync, ModeSync} {
		t.Run(mode.String(), func(t *testing.T) {
			e := newEngine(t, Options{Mode: mode, Latency: time.Hour})
			require.NoError(t, e.AddSource("det", SourceSpec{}))
			require.NoError(t, e.Start())

			done := processAsync(e, context.Background(), unit(1, 0))
			time.Sleep(10 * ms)
			e.Stop()

			select {
			case out := <-done:
				assert.ErrorIs(t, out.err, ErrStopped)
				assert.Nil(t, out.u)
			case <-time.After(time.Second):
				t.Fatal("stop did not abort the wait")
			}
			assert.Equal(t, uint64(1), e.Stats().UnitsAbandoned)
		})
	}
}

func TestContextCancel_AbortsWait(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := processAsync(e, ctx, unit(1, 0))
	time.Sleep(10 * ms)
	cancel()

	select {
	case out := <-done:
		assert.ErrorIs(t, out.err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not abort the wait")
	}
	assert.True(t, e.Active(), "cancelling a wait must not stop the engine")
}

// TestRestart_ResetsBasetime checks that stop/start begins a new timeline.
func TestRestart_ResetsBasetime(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeSync, Latency: 5 * ms})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())

	_, err := e.Process(context.Background(), unit(1, 10*time.Second))
	require.NoError(t, err)
	e.mu.Lock()
	assert.True(t, e.based)
	assert.Equal(t, 10*time.Second, e.basetime)
	e.mu.Unlock()

	e.Stop()
	e.mu.Lock()
	assert.False(t, e.based)
	e.mu.Unlock()

	require.NoError(t, e.Start())
	begin := time.Now()
	_, err = e.Process(context.Background(), unit(2, 20*time.Second))
	require.NoError(t, err)
	// A stale basetime would make this unit wait ten seconds.
	assert.Less(t, time.Since(begin), time.Second)
	e.Stop()
}

// TestFlush_ClearsStateAndWakes checks flush discards queue, partial text
// and lastRecord, and re-evaluates a waiting unit.
func TestFlush_ClearsStateAndWakes(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	require.NoError(t, e.Push("det", Chunk{Data: detectionLine(0, "a")}))
	out, err := e.Process(context.Background(), unit(1, 0))
	require.NoError(t, err)
	require.Len(t, out.Annotations, 1)

	require.NoError(t, e.Push("det", Chunk{Data: append(detectionLine(1, "b"), []byte(`[{"name":"Obj`)...)}))
	require.Equal(t, 1, e.Stats().Sources["det"].Queued)
	require.NotZero(t, e.Stats().Sources["det"].PartialBytes)

	require.NoError(t, e.Flush("det"))
	s := e.Stats().Sources["det"]
	assert.Zero(t, s.Queued)
	assert.Zero(t, s.PartialBytes)

	// lastRecord is gone too: the next unit waits for fresh metadata.
	done := processAsync(e, context.Background(), unit(2, 0))
	select {
	case <-done:
		t.Fatal("unit released with no metadata after flush")
	case <-time.After(20 * ms):
	}

	require.NoError(t, e.Push("det", Chunk{Flush: true, Data: detectionLine(2, "c")}))
	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Len(t, out.u.Annotations, 1)
		assert.Equal(t, "c", out.u.Annotations[0].Label)
	case <-time.After(time.Second):
		t.Fatal("push after flush did not release the unit")
	}
}

func TestQueueCapacity_DropsOldest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	e := newEngine(t, Options{Mode: ModeAsync, QueueCapacity: 2, Metrics: m})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Push("det", Chunk{Data: detectionLine(time.Duration(i)*ms, fmt.Sprint(i))}))
	}

	s := e.Stats().Sources["det"]
	assert.Equal(t, 2, s.Queued)
	assert.Equal(t, uint64(2), s.Overflow)
	assert.Equal(t, uint64(4), s.Enqueued)

	out, err := e.Process(context.Background(), unit(1, 0))
	require.NoError(t, err)
	assert.Equal(t, "2", out.Annotations[0].Label)

	count, err := testutil.GatherAndCount(reg, "metamux_source_records_evicted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPush_DecodeErrorsAreCounted(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("det", SourceSpec{}))

	err := e.Push("det", Chunk{Data: append([]byte(`{"name":"x"}`+"\n"), detectionLine(0, "ok")...)})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownSource))

	s := e.Stats().Sources["det"]
	assert.Equal(t, uint64(1), s.DecodeErrors)
	assert.Equal(t, 1, s.Queued, "the valid token of the chunk is still queued")
}

func flowParams() *flowmeta.Params {
	return &flowmeta.Params{
		Vectors: flowmeta.Layout{
			flowmeta.FieldX:          {Offset: 0, Width: 8},
			flowmeta.FieldY:          {Offset: 8, Width: 8},
			flowmeta.FieldConfidence: {Offset: 16, Width: 8, Unsigned: true},
		},
		PaxelWidth: 16, PaxelHeight: 16, RowLength: 2, ColumnLength: 2,
	}
}

// TestBinarySource_UsesUnitSize checks motion fields scale to the last unit
// when no frame size is configured.
func TestBinarySource_UsesUnitSize(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	p := flowParams()
	require.NoError(t, e.AddSource("flow", SourceSpec{Format: FormatBinary, Flow: p}))
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	// First unit teaches the engine the frame size (64x64, scale 2).
	require.NoError(t, e.Push("det", Chunk{Data: detectionLine(0, "a")}))
	require.NoError(t, e.EndOfStream("det"))
	go func() {
		time.Sleep(10 * ms)
		block := flowmeta.Encode(p.Vectors, []map[string]int64{{flowmeta.FieldX: 1}, {}, {}, {flowmeta.FieldY: -2}})
		_ = e.Push("flow", Chunk{Timestamp: 0, Data: block})
	}()

	out, err := e.Process(context.Background(), &meta.Unit{Seq: 1, Width: 64, Height: 64})
	require.NoError(t, err)
	require.Len(t, out.Annotations, 2)

	flowAnn := out.Annotations[0]
	require.Equal(t, meta.KindOpticalFlow, flowAnn.Kind)
	require.Len(t, flowAnn.Flow.Vectors, 4)
	assert.Equal(t, 2.0, flowAnn.Flow.Vectors[0].DX)
	assert.Equal(t, -4.0, flowAnn.Flow.Vectors[3].DY)
	assert.Equal(t, 32, flowAnn.Flow.Vectors[3].X)
}

func TestBinarySource_RejectsBadChunk(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync, FrameWidth: 32, FrameHeight: 32})
	require.NoError(t, e.AddSource("flow", SourceSpec{Format: FormatBinary, Flow: flowParams()}))

	err := e.Push("flow", Chunk{Data: []byte{1, 2, 3}})
	var de *flowmeta.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Zero(t, e.Stats().Sources["flow"].Queued)
}

func TestRemoveSource_Unblocks(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("a", SourceSpec{}))
	require.NoError(t, e.AddSource("b", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	require.NoError(t, e.Push("a", Chunk{Data: detectionLine(0, "a")}))
	done := processAsync(e, context.Background(), unit(1, 0))
	time.Sleep(10 * ms)
	require.NoError(t, e.RemoveSource("b"))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Len(t, out.u.Annotations, 1)
	case <-time.After(time.Second):
		t.Fatal("removing the missing source did not release the unit")
	}
}

// --- Run / Feed ---

type sliceMedia struct {
	units []*meta.Unit
	err   error
}

func (m *sliceMedia) Next(ctx context.Context) (*meta.Unit, error) {
	if len(m.units) == 0 {
		if m.err != nil {
			return nil, m.err
		}
		return nil, io.EOF
	}
	u := m.units[0]
	m.units = m.units[1:]
	return u, nil
}

type sliceMeta struct {
	name   string
	chunks []Chunk
	err    error
}

func (s *sliceMeta) Name() string { return s.name }

func (s *sliceMeta) Next(ctx context.Context) (Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

type collectSink struct {
	mu    sync.Mutex
	units []*meta.Unit
}

func (c *collectSink) Emit(ctx context.Context, u *meta.Unit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, u)
	return nil
}

// TestRun_FeedsAndEmitsInOrder drives the worker loop with a chunked text
// source.
//
// Scenario: the metadata stream is cut mid-token; Async mode pairs each
// unit with the next record, and end of metadata lets the last unit go with
// the reused record.
func TestRun_FeedsAndEmitsInOrder(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())

	stream := append(detectionLine(0, "r0"), detectionLine(40*ms, "r1")...)
	cut := len(stream) / 3
	src := &sliceMeta{name: "det", chunks: []Chunk{{Data: stream[:cut]}, {Data: stream[cut:]}}}
	media := &sliceMedia{units: []*meta.Unit{unit(0, 0), unit(1, 40*ms), unit(2, 80*ms)}}
	sink := &collectSink{}

	require.NoError(t, e.Feed(context.Background(), src))
	require.NoError(t, e.Run(context.Background(), media, sink))

	require.Len(t, sink.units, 3)
	var labels []string
	for i, u := range sink.units {
		assert.Equal(t, uint64(i), u.Seq)
		require.Len(t, u.Annotations, 1)
		labels = append(labels, u.Annotations[0].Label)
	}
	assert.Equal(t, []string{"r0", "r1", "r1"}, labels)
	e.Stop()
}

func TestRun_MediaErrorStopsEngine(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.Start())

	boom := errors.New("socket closed")
	err := e.Run(context.Background(), &sliceMedia{err: boom}, &collectSink{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, e.Active())
}

func TestRun_RequiresStart(t *testing.T) {
	e := newEngine(t, Options{})
	assert.ErrorIs(t, e.Run(context.Background(), &sliceMedia{}, &collectSink{}), ErrStopped)
}

func TestRun_StopReturnsNil(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())

	done := make(chan error, 1)
	go func() {
		done <- e.Run(context.Background(), &sliceMedia{units: []*meta.Unit{unit(0, 0)}}, &collectSink{})
	}()
	time.Sleep(10 * ms)
	e.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestFeed_TransportErrorStopsEngine(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())

	boom := errors.New("broker gone")
	err := e.Feed(context.Background(), &sliceMeta{name: "det", chunks: []Chunk{{Data: detectionLine(0, "x")}}, err: boom})
	assert.ErrorIs(t, err, boom)
	assert.False(t, e.Active())
}

func TestFeed_DecodeErrorsAreNotFatal(t *testing.T) {
	e := newEngine(t, Options{Mode: ModeAsync})
	require.NoError(t, e.AddSource("det", SourceSpec{}))
	require.NoError(t, e.Start())
	defer e.Stop()

	src := &sliceMeta{name: "det", chunks: []Chunk{{Data: []byte(`{"bad":1}` + "\n")}, {Data: detectionLine(0, "ok")}}}
	require.NoError(t, e.Feed(context.Background(), src))

	s := e.Stats().Sources["det"]
	assert.Equal(t, uint64(1), s.DecodeErrors)
	assert.Equal(t, 1, s.Queued)
	assert.True(t, s.EOS)
}

func TestModeText(t *testing.T) {
	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("SYNC")))
	assert.Equal(t, ModeSync, m)
	assert.Error(t, m.UnmarshalText([]byte("sometimes")))

	var f Format
	require.NoError(t, f.UnmarshalText([]byte("binary")))
	assert.Equal(t, FormatBinary, f)
}
