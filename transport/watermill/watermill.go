// Package watermill carries metamux media units and metadata chunks over a
// watermill message bus.
//
// Wire format:
//   - text metadata: payload is the raw text, as produced by the detector
//   - binary metadata: payload is a msgpack BinaryFrame
//   - media units: payload is a msgpack-encoded unit (annotations excluded)
//   - released units (Sink): payload is the JSON-encoded unit
//
// Message metadata keys: "timestamp" (decimal nanoseconds), "flush" and "eos"
// ("true").
package watermill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/metamux"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/jsoncodec"
)

// Metadata keys
const (
	KeyTimestamp = "timestamp"
	KeyFlush     = "flush"
	KeyEOS       = "eos"
)

// BinaryFrame is the payload of a binary metadata message
type BinaryFrame struct {
	Vectors []byte `msgpack:"vectors"`
	Stats   []byte `msgpack:"stats,omitempty"`
}

// wireUnit is the payload of a media message
type wireUnit struct {
	Seq       uint64 `msgpack:"seq"`
	Timestamp int64  `msgpack:"ts"`
	Duration  int64  `msgpack:"dur"`
	Width     int    `msgpack:"w"`
	Height    int    `msgpack:"h"`
	Data      []byte `msgpack:"data,omitempty"`
	TraceID   string `msgpack:"trace_id,omitempty"`
}

// SourceConfig configures a MetadataSource
type SourceConfig struct {
	// Topic to subscribe to
	Topic string
	// Name of the engine source the chunks belong to
	Name   string
	Format metamux.Format
	Logger *slog.Logger
}

// MetadataSource reads metadata chunks of one engine source from a topic.
// It implements metamux.MetadataSource.
type MetadataSource struct {
	name   string
	format metamux.Format
	msgs   <-chan *message.Message
	log    *slog.Logger
}

// NewMetadataSource subscribes to cfg.Topic. The subscription lives until ctx
// is cancelled or sub is closed.
func NewMetadataSource(ctx context.Context, sub message.Subscriber, cfg SourceConfig) (*MetadataSource, error) {
	if cfg.Topic == "" || cfg.Name == "" {
		return nil, fmt.Errorf("metamux: watermill source needs a topic and a name")
	}
	msgs, err := sub.Subscribe(ctx, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("metamux: subscribe %q: %w", cfg.Topic, err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &MetadataSource{
		name:   cfg.Name,
		format: cfg.Format,
		msgs:   msgs,
		log:    log.With("source", cfg.Name, "topic", cfg.Topic),
	}, nil
}

func (s *MetadataSource) Name() string { return s.name }

// Next returns the next chunk, io.EOF on an "eos" message or when the
// subscription closes. Undecodable binary frames are acknowledged and
// skipped.
func (s *MetadataSource) Next(ctx context.Context) (metamux.Chunk, error) {
	for {
		msg, err := receive(ctx, s.msgs)
		if err != nil {
			return metamux.Chunk{}, err
		}

		if msg.Metadata.Get(KeyEOS) == "true" {
			msg.Ack()
			return metamux.Chunk{}, io.EOF
		}

		c := metamux.Chunk{
			Timestamp: timestamp(msg.Metadata),
			Flush:     msg.Metadata.Get(KeyFlush) == "true",
		}
		switch s.format {
		case metamux.Binary:
			var frame BinaryFrame
			if len(msg.Payload) > 0 {
				if err := msgpack.Unmarshal(msg.Payload, &frame); err != nil {
					s.log.Warn("metamux: dropping undecodable binary frame",
						"message_uuid", msg.UUID,
						"error", err,
					)
					msg.Ack()
					continue
				}
			}
			c.Data, c.Stats = frame.Vectors, frame.Stats
		default:
			c.Data = msg.Payload
		}

		msg.Ack()
		return c, nil
	}
}

// MediaSource reads msgpack-encoded units from a topic. It implements
// metamux.MediaSource.
type MediaSource struct {
	msgs <-chan *message.Message
	log  *slog.Logger
}

// NewMediaSource subscribes to topic.
func NewMediaSource(ctx context.Context, sub message.Subscriber, topic string, logger *slog.Logger) (*MediaSource, error) {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("metamux: subscribe %q: %w", topic, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaSource{msgs: msgs, log: logger.With("topic", topic)}, nil
}

// Next returns the next unit, io.EOF on an "eos" message or when the
// subscription closes. A unit without a trace ID takes the message UUID.
func (s *MediaSource) Next(ctx context.Context) (*metamux.Unit, error) {
	for {
		msg, err := receive(ctx, s.msgs)
		if err != nil {
			return nil, err
		}
		if msg.Metadata.Get(KeyEOS) == "true" {
			msg.Ack()
			return nil, io.EOF
		}

		var w wireUnit
		if err := msgpack.Unmarshal(msg.Payload, &w); err != nil {
			s.log.Warn("metamux: dropping undecodable media unit",
				"message_uuid", msg.UUID,
				"error", err,
			)
			msg.Ack()
			continue
		}
		msg.Ack()

		u := &metamux.Unit{
			Seq:       w.Seq,
			Timestamp: time.Duration(w.Timestamp),
			Duration:  time.Duration(w.Duration),
			Width:     w.Width,
			Height:    w.Height,
			Data:      w.Data,
			TraceID:   w.TraceID,
		}
		if u.TraceID == "" {
			u.TraceID = msg.UUID
		}
		return u, nil
	}
}

func receive(ctx context.Context, msgs <-chan *message.Message) (*message.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-msgs:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	}
}

func timestamp(md message.Metadata) time.Duration {
	v := md.Get(KeyTimestamp)
	if v == "" {
		return metamux.NoTimestamp
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ns < 0 {
		return metamux.NoTimestamp
	}
	return time.Duration(ns)
}

// Publisher writes media units and metadata chunks in the wire format read
// by MediaSource and MetadataSource.
type Publisher struct {
	pub message.Publisher
}

func NewPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

func newMessage(payload []byte, ts time.Duration) *message.Message {
	msg := message.NewMessage(uuid.NewString(), payload)
	if ts >= 0 {
		msg.Metadata.Set(KeyTimestamp, strconv.FormatInt(int64(ts), 10))
	}
	return msg
}

// PublishText sends one text chunk. ts < 0 omits the timestamp.
func (p *Publisher) PublishText(topic string, ts time.Duration, data []byte) error {
	return p.pub.Publish(topic, newMessage(data, ts))
}

// PublishFlow sends one binary chunk.
func (p *Publisher) PublishFlow(topic string, ts time.Duration, vectors, stats []byte) error {
	payload, err := msgpack.Marshal(BinaryFrame{Vectors: vectors, Stats: stats})
	if err != nil {
		return fmt.Errorf("metamux: encode binary frame: %w", err)
	}
	return p.pub.Publish(topic, newMessage(payload, ts))
}

// PublishFlush asks the consumer of topic to flush its source.
func (p *Publisher) PublishFlush(topic string) error {
	msg := newMessage(nil, metamux.NoTimestamp)
	msg.Metadata.Set(KeyFlush, "true")
	return p.pub.Publish(topic, msg)
}

// PublishEndOfStream ends the stream of topic.
func (p *Publisher) PublishEndOfStream(topic string) error {
	msg := newMessage(nil, metamux.NoTimestamp)
	msg.Metadata.Set(KeyEOS, "true")
	return p.pub.Publish(topic, msg)
}

// PublishUnit sends one media unit. Annotations are not transmitted.
func (p *Publisher) PublishUnit(topic string, u *metamux.Unit) error {
	payload, err := msgpack.Marshal(wireUnit{
		Seq:       u.Seq,
		Timestamp: int64(u.Timestamp),
		Duration:  int64(u.Duration),
		Width:     u.Width,
		Height:    u.Height,
		Data:      u.Data,
		TraceID:   u.TraceID,
	})
	if err != nil {
		return fmt.Errorf("metamux: encode unit: %w", err)
	}
	return p.pub.Publish(topic, newMessage(payload, u.Timestamp))
}

// Sink publishes every released unit, JSON-encoded, to a topic. It
// implements metamux.UnitSink.
type Sink struct {
	pub   message.Publisher
	topic string
}

func NewSink(pub message.Publisher, topic string) *Sink {
	return &Sink{pub: pub, topic: topic}
}

func (s *Sink) Emit(ctx context.Context, u *metamux.Unit) error {
	payload, err := jsoncodec.Marshal(u)
	if err != nil {
		return fmt.Errorf("metamux: encode unit %d: %w", u.Seq, err)
	}
	msg := newMessage(payload, u.Timestamp)
	msg.SetContext(ctx)
	if u.TraceID != "" {
		msg.UUID = u.TraceID
	}
	return s.pub.Publish(s.topic, msg)
}
