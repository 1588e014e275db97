// Package meta holds the data model shared by the decoders, the projector and
// the synchronization engine.
//
// This package is INTERNAL - clients use the aliases in the root package.
package meta

import (
	"fmt"
	"time"
)

// NoTimestamp marks a record or unit that carries no usable comparison key.
// Any negative timestamp is treated the same way.
const NoTimestamp time.Duration = -1

// NoParent is the parent identifier of a result expressed relative to the
// full frame.
const NoParent = -1

// ValidTimestamp reports whether ts can be compared against other timestamps.
func ValidTimestamp(ts time.Duration) bool {
	return ts >= 0
}

// Record is one decoded metadata record: the results one producer attached to
// a single instant of the media clock.
//
// Ownership: created by a decoder, owned by the source queue until the engine
// consumes, evicts or flushes it. Records are immutable once queued.
type Record struct {
	// Timestamp in the media clock domain (NoTimestamp if unknown)
	Timestamp time.Duration

	// Results in producer order
	Results []Result
}

// String is used in log attributes.
func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("record{ts=%s results=%d}", r.Timestamp, len(r.Results))
}

// Kind identifies the variant of a Result.
type Kind int

const (
	KindDetection Kind = iota
	KindClassification
	KindPoseEstimation
	KindOpticalFlow
	KindGeneric
)

// Wire names used by producers in the text format.
const (
	NameDetection      = "ObjectDetection"
	NameClassification = "ImageClassification"
	NamePoseEstimation = "PoseEstimation"
	NameOpticalFlow    = "OpticalFlow"
)

func (k Kind) String() string {
	switch k {
	case KindDetection:
		return NameDetection
	case KindClassification:
		return NameClassification
	case KindPoseEstimation:
		return NamePoseEstimation
	case KindOpticalFlow:
		return NameOpticalFlow
	case KindGeneric:
		return "Generic"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText renders the kind by its wire name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a wire name produced by MarshalText.
func (k *Kind) UnmarshalText(text []byte) error {
	for c := KindDetection; c <= KindGeneric; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("meta: unknown result kind %q", text)
}

// Result is the closed set of payloads a record may carry. The unexported
// method keeps the set sealed to this package.
type Result interface {
	Kind() Kind
	sealed()
}

// Detection is a list of bounding boxes, optionally nested inside a parent
// region.
type Detection struct {
	ParentID int
	Boxes    []BoundingBox
}

// BoundingBox is one detected object. Rect and Landmarks are relative to the
// parent region (or the frame when there is no parent).
type BoundingBox struct {
	ID         *int
	Label      string
	Confidence float64
	Color      uint32
	Rect       NormRect
	Landmarks  []Keypoint
}

// Classification is a list of labels attached to a parent region or the
// whole frame.
type Classification struct {
	ParentID int
	Labels   []ClassLabel
}

// ClassLabel is one classification result.
type ClassLabel struct {
	ID         *int
	Label      string
	Confidence float64
	Color      uint32
}

// PoseEstimation is a list of skeletons.
type PoseEstimation struct {
	ParentID int
	Poses    []Pose
}

// Pose is one skeleton: named keypoints plus the links between them.
type Pose struct {
	ID          *int
	Confidence  float64
	Keypoints   []Keypoint
	Connections [][2]string
}

// Keypoint is a named point in relative coordinates.
type Keypoint struct {
	Name       string
	X, Y       float64
	Confidence float64
	Color      uint32
}

// OpticalFlow is a dense motion field: one vector per paxel, plus optional
// per-paxel statistics of the same length. Geometry is already in absolute
// pixels of the frame the field was decoded against.
type OpticalFlow struct {
	Vectors []MotionVector
	Stats   []FlowStats
}

// MotionVector is the displacement of one paxel. Confidence holds any
// packed field value up to 32 bits, signed or unsigned.
type MotionVector struct {
	X, Y       int
	DX, DY     float64
	Confidence int64
}

// FlowStats are the per-paxel statistics. A zero value marks a paxel whose
// statistics fell below the configured thresholds.
type FlowStats struct {
	Variance int64
	Mean     int64
	SAD      int64
}

// Generic preserves an entry of unrecognized kind with its payload fields.
type Generic struct {
	Name     string
	ParentID int
	Fields   map[string]any
}

func (*Detection) Kind() Kind      { return KindDetection }
func (*Classification) Kind() Kind { return KindClassification }
func (*PoseEstimation) Kind() Kind { return KindPoseEstimation }
func (*OpticalFlow) Kind() Kind    { return KindOpticalFlow }
func (*Generic) Kind() Kind        { return KindGeneric }

func (*Detection) sealed()      {}
func (*Classification) sealed() {}
func (*PoseEstimation) sealed() {}
func (*OpticalFlow) sealed()    {}
func (*Generic) sealed()        {}
