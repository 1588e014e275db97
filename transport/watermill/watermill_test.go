package watermill

import (
	"context"
	"io"
	"testing"
	"time"

	wm "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/metamux"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/jsoncodec"
)

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16, Persistent: true}, wm.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMetadataSource_Text(t *testing.T) {
	ps := newPubSub(t)
	ctx := testContext(t)
	pub := NewPublisher(ps)

	require.NoError(t, pub.PublishText("det", 40*time.Millisecond, []byte("[]\n")))
	require.NoError(t, pub.PublishText("det", metamux.NoTimestamp, []byte("[]\n")))
	require.NoError(t, pub.PublishFlush("det"))
	require.NoError(t, pub.PublishEndOfStream("det"))

	src, err := NewMetadataSource(ctx, ps, SourceConfig{Topic: "det", Name: "detector"})
	require.NoError(t, err)
	assert.Equal(t, "detector", src.Name())

	c, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, c.Timestamp)
	assert.Equal(t, []byte("[]\n"), c.Data)

	c, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, metamux.NoTimestamp, c.Timestamp)

	c, err = src.Next(ctx)
	require.NoError(t, err)
	assert.True(t, c.Flush)
	assert.Empty(t, c.Data)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMetadataSource_BinarySkipsBadFrames(t *testing.T) {
	ps := newPubSub(t)
	ctx := testContext(t)
	pub := NewPublisher(ps)

	require.NoError(t, ps.Publish("flow", message.NewMessage("bad", []byte{0xc1})))
	require.NoError(t, pub.PublishFlow("flow", 0, []byte{1, 2, 3}, []byte{4}))

	src, err := NewMetadataSource(ctx, ps, SourceConfig{Topic: "flow", Name: "flow", Format: metamux.Binary})
	require.NoError(t, err)

	c, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, c.Data)
	assert.Equal(t, []byte{4}, c.Stats)
	assert.Equal(t, time.Duration(0), c.Timestamp)
}

func TestMetadataSource_ContextCancel(t *testing.T) {
	ps := newPubSub(t)
	ctx, cancel := context.WithCancel(context.Background())

	src, err := NewMetadataSource(context.Background(), ps, SourceConfig{Topic: "idle", Name: "idle"})
	require.NoError(t, err)

	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewMetadataSource_RequiresTopicAndName(t *testing.T) {
	_, err := NewMetadataSource(context.Background(), newPubSub(t), SourceConfig{Name: "x"})
	assert.Error(t, err)
}

func TestMediaSource_RoundTrip(t *testing.T) {
	ps := newPubSub(t)
	ctx := testContext(t)
	pub := NewPublisher(ps)

	in := &metamux.Unit{Seq: 3, Timestamp: 66 * time.Millisecond, Duration: 33 * time.Millisecond, Width: 640, Height: 480, Data: []byte("px")}
	require.NoError(t, pub.PublishUnit("media", in))
	require.NoError(t, pub.PublishEndOfStream("media"))

	media, err := NewMediaSource(ctx, ps, "media", nil)
	require.NoError(t, err)

	u, err := media.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, in.Seq, u.Seq)
	assert.Equal(t, in.Timestamp, u.Timestamp)
	assert.Equal(t, in.Duration, u.Duration)
	assert.Equal(t, 640, u.Width)
	assert.Equal(t, []byte("px"), u.Data)
	assert.NotEmpty(t, u.TraceID, "trace id falls back to the message uuid")

	_, err = media.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

// TestPipeline_OverBus runs the engine with media and metadata arriving on
// the bus and released units published back to it.
func TestPipeline_OverBus(t *testing.T) {
	ps := newPubSub(t)
	ctx := testContext(t)
	pub := NewPublisher(ps)

	eng, err := metamux.New(metamux.Config{Sources: []metamux.SourceConfig{{Name: "detector"}}})
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	line := []byte(`[{"name":"ObjectDetection","bounding-boxes":[{"label":"cat","rectangle":[0,0,0.5,0.5]}]}]` + "\n")
	require.NoError(t, pub.PublishText("meta.detector", 0, line))
	require.NoError(t, pub.PublishEndOfStream("meta.detector"))
	require.NoError(t, pub.PublishUnit("media", &metamux.Unit{Seq: 1, Width: 100, Height: 100, TraceID: "trace-1"}))
	require.NoError(t, pub.PublishEndOfStream("media"))

	out, err := ps.Subscribe(ctx, "units")
	require.NoError(t, err)

	src, err := NewMetadataSource(ctx, ps, SourceConfig{Topic: "meta.detector", Name: "detector"})
	require.NoError(t, err)
	require.NoError(t, eng.Feed(ctx, src))

	media, err := NewMediaSource(ctx, ps, "media", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Run(ctx, media, NewSink(ps, "units")))

	select {
	case msg := <-out:
		msg.Ack()
		assert.Equal(t, "trace-1", msg.UUID)
		assert.Equal(t, "0", msg.Metadata.Get(KeyTimestamp))

		var u metamux.Unit
		require.NoError(t, jsoncodec.Unmarshal(msg.Payload, &u))
		require.Len(t, u.Annotations, 1)
		assert.Equal(t, "cat", u.Annotations[0].Label)
		assert.Equal(t, metamux.Rect{Width: 50, Height: 50}, u.Annotations[0].Rect)
	case <-ctx.Done():
		t.Fatal("no unit published")
	}
}
