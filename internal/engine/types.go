package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/flowmeta"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
)

// Internal errors - re-exported by the root package
var (
	ErrStopped        = errors.New("metamux: engine stopped")
	ErrAlreadyStarted = errors.New("metamux: engine already started")
	ErrUnknownSource  = errors.New("metamux: unknown metadata source")
	ErrSourceExists   = errors.New("metamux: metadata source already registered")
	ErrInvalidOptions = errors.New("metamux: invalid options")
)

// DefaultTolerance is the matching tolerance used when none is configured.
const DefaultTolerance = time.Millisecond

// Mode selects the wait policy of the engine.
type Mode int

const (
	// ModeAsync waits, without timeout, until every live source has a record.
	ModeAsync Mode = iota
	// ModeSync waits until a deadline derived from the unit timestamp for
	// records matching that timestamp.
	ModeSync
)

func (m Mode) String() string {
	switch m {
	case ModeAsync:
		return "async"
	case ModeSync:
		return "sync"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "async", "":
		*m = ModeAsync
	case "sync":
		*m = ModeSync
	default:
		return fmt.Errorf("metamux: unknown mode %q (want async or sync)", text)
	}
	return nil
}

// Format selects the decoder of a metadata source.
type Format int

const (
	FormatText Format = iota
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatBinary:
		return "binary"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "text", "":
		*f = FormatText
	case "binary":
		*f = FormatBinary
	default:
		return fmt.Errorf("metamux: unknown source format %q (want text or binary)", text)
	}
	return nil
}

// SourceSpec describes one metadata source.
type SourceSpec struct {
	Format Format
	// Flow is the packing of binary sources
	Flow *flowmeta.Params
	// QueueCapacity overrides the engine default (0 = use default)
	QueueCapacity int
}

// Validate checks that s is complete for its format.
func (s SourceSpec) Validate() error {
	switch s.Format {
	case FormatText:
		return nil
	case FormatBinary:
		if s.Flow == nil {
			return fmt.Errorf("binary source needs a flow layout")
		}
		return s.Flow.Validate()
	default:
		return fmt.Errorf("unsupported format %s", s.Format)
	}
}

// Chunk is one piece of raw metadata from a source.
//
// The zero Timestamp is the valid media time 0. Producers without a chunk
// time must set Timestamp to meta.NoTimestamp, otherwise entries lacking
// their own timestamp are stamped at 0.
type Chunk struct {
	// Timestamp of the chunk, used when entries carry none
	Timestamp time.Duration
	// Data is the text payload, or the vector block of a binary source
	Data []byte
	// Stats is the optional statistics block of a binary source
	Stats []byte
	// Flush asks for the source to be flushed before Data is decoded
	Flush bool
}

// MediaSource produces primary units in non-decreasing timestamp order.
// Next returns io.EOF at end of stream.
type MediaSource interface {
	Next(ctx context.Context) (*meta.Unit, error)
}

// MetadataSource produces raw chunks for one named source. Next returns
// io.EOF at end of stream.
type MetadataSource interface {
	Name() string
	Next(ctx context.Context) (Chunk, error)
}

// UnitSink receives every unit the engine releases, in order.
type UnitSink interface {
	Emit(ctx context.Context, u *meta.Unit) error
}

// SinkFunc adapts a function to UnitSink.
type SinkFunc func(ctx context.Context, u *meta.Unit) error

func (f SinkFunc) Emit(ctx context.Context, u *meta.Unit) error { return f(ctx, u) }
