package metamux

import (
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/engine"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/flowmeta"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/textmeta"
)

// Public API - Re-export internal types as stable contract

// Mode selects the wait policy of the engine
type Mode = engine.Mode

const (
	// Async waits, without timeout, until every live source has a record
	Async = engine.ModeAsync
	// Sync waits for records matching the unit timestamp, up to a deadline
	Sync = engine.ModeSync
)

// Format selects how the chunks of a source are decoded
type Format = engine.Format

const (
	// Text sources carry newline-separated JSON tokens
	Text = engine.FormatText
	// Binary sources carry packed optical-flow blocks
	Binary = engine.FormatBinary
)

// Unit is one primary media unit with its attached annotations
type Unit = meta.Unit

// Annotation is one projected result attached to a unit
type Annotation = meta.Annotation

// PixelKeypoint is a keypoint in unit pixel space
type PixelKeypoint = meta.PixelKeypoint

// Rect is an absolute rectangle in unit pixel space
type Rect = meta.Rect

// Record is one decoded, timestamped metadata record
type Record = meta.Record

// Kind identifies a result variant
type Kind = meta.Kind

const (
	KindDetection      = meta.KindDetection
	KindClassification = meta.KindClassification
	KindPoseEstimation = meta.KindPoseEstimation
	KindOpticalFlow    = meta.KindOpticalFlow
	KindGeneric        = meta.KindGeneric
)

// OpticalFlow is a dense motion field
type OpticalFlow = meta.OpticalFlow

// NoTimestamp marks a unit or chunk without a usable timestamp
const NoTimestamp = meta.NoTimestamp

// Chunk is one piece of raw metadata from a source
type Chunk = engine.Chunk

// SourceSpec describes one metadata source
type SourceSpec = engine.SourceSpec

// FlowParams describes the bit packing and the paxel grid of a binary source
type FlowParams = flowmeta.Params

// FlowLayout maps field names to their position in one packed record
type FlowLayout = flowmeta.Layout

// FlowField is one packed bit field
type FlowField = flowmeta.Field

// MediaSource produces primary units (io.EOF at end of stream)
type MediaSource = engine.MediaSource

// MetadataSource produces raw chunks for one named source (io.EOF at end of stream)
type MetadataSource = engine.MetadataSource

// UnitSink receives released units in order
type UnitSink = engine.UnitSink

// SinkFunc adapts a function to UnitSink
type SinkFunc = engine.SinkFunc

// Stats is an engine snapshot
type Stats = engine.Stats

// SourceStats is a per-source snapshot
type SourceStats = engine.SourceStats

// TextDecodeError reports one dropped text token
type TextDecodeError = textmeta.DecodeError

// FlowDecodeError reports a rejected binary chunk
type FlowDecodeError = flowmeta.DecodeError

// FlowLayoutError reports an unusable binary layout
type FlowLayoutError = flowmeta.LayoutError

// Public API errors - Re-export internal errors as stable contract
var (
	ErrStopped        = engine.ErrStopped
	ErrAlreadyStarted = engine.ErrAlreadyStarted
	ErrUnknownSource  = engine.ErrUnknownSource
	ErrSourceExists   = engine.ErrSourceExists
	ErrInvalidConfig  = engine.ErrInvalidOptions
)
