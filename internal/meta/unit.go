package meta

import "time"

// Unit is one primary media unit flowing through the engine.
//
// Data is opaque and never inspected. Annotations is filled by the projector
// before the unit is released downstream.
type Unit struct {
	// Seq is the monotonic sequence number assigned by the media source
	Seq uint64 `json:"seq"`
	// Timestamp in the media clock domain (NoTimestamp if unknown)
	Timestamp time.Duration `json:"timestamp"`
	// Duration of the unit (0 if unknown)
	Duration time.Duration `json:"duration"`
	// Width and Height in pixels
	Width  int `json:"width"`
	Height int `json:"height"`
	// Data is the opaque media payload
	Data []byte `json:"-"`
	// TraceID is a unique identifier for tracing the unit across stages
	TraceID string `json:"trace_id,omitempty"`
	// Annotations attached by the projector, in attach order
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Annotation is a result projected into the absolute pixel space of a unit.
type Annotation struct {
	// ID is unique within the unit
	ID int `json:"id"`
	// ParentID refers to another annotation of the same unit, or NoParent
	ParentID int `json:"parent_id"`
	// Source is the name of the metadata source that produced the result
	Source string `json:"source"`
	Kind   Kind   `json:"kind"`
	// Name is the producer's kind name for Generic results
	Name       string  `json:"name,omitempty"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Color      uint32  `json:"color,omitempty"`
	// Rect is the region the annotation covers, clipped to the unit
	Rect        Rect            `json:"rect"`
	Keypoints   []PixelKeypoint `json:"keypoints,omitempty"`
	Connections [][2]string     `json:"connections,omitempty"`
	Flow        *OpticalFlow    `json:"flow,omitempty"`
	Fields      map[string]any  `json:"fields,omitempty"`
	// Timestamp of the record the result came from
	Timestamp time.Duration `json:"record_timestamp"`
}

// PixelKeypoint is a keypoint projected to absolute pixels.
type PixelKeypoint struct {
	Name       string  `json:"name"`
	Point      Point   `json:"point"`
	Confidence float64 `json:"confidence,omitempty"`
	Color      uint32  `json:"color,omitempty"`
}
