package textmeta

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/jsoncodec"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
)

// Bookkeeping keys carried by every entry. They are stripped before an entry
// becomes a result.
const (
	keyName      = "name"
	keyTimestamp = "timestamp"
	keySeqIndex  = "sequence-index"
	keySeqNum    = "sequence-num-entries"
	keyParentID  = "parent-id"
)

// nameParameters is a bookkeeping entry whose only job is to carry the
// timestamp of the token it appears in.
const nameParameters = "Parameters"

// header is the bookkeeping part of an entry.
type header struct {
	Name      string  `json:"name"`
	Timestamp *uint64 `json:"timestamp"`
	SeqIndex  int     `json:"sequence-index"`
	SeqNum    int     `json:"sequence-num-entries"`
	ParentID  *int    `json:"parent-id"`
}

// entry is one decoded element of a token.
type entry struct {
	header
	result meta.Result // nil for Parameters or empty payloads
}

// timestamp returns the entry's own timestamp, or NoTimestamp.
func (e *entry) timestamp() time.Duration {
	if e.Timestamp == nil {
		return meta.NoTimestamp
	}
	return time.Duration(*e.Timestamp)
}

// sequenced reports whether the entry declares its position in a group.
func (e *entry) sequenced() bool {
	return e.SeqNum > 0 && e.SeqIndex > 0
}

func (e *entry) parentID() int {
	if e.ParentID == nil || *e.ParentID < 0 {
		return meta.NoParent
	}
	return *e.ParentID
}

type wireKeypoint struct {
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
	Color      uint32  `json:"color"`
}

type wireBox struct {
	ID         *int           `json:"id"`
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	Color      uint32         `json:"color"`
	Rectangle  []float64      `json:"rectangle"`
	Landmarks  []wireKeypoint `json:"landmarks"`
}

type wireLabel struct {
	ID         *int    `json:"id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Color      uint32  `json:"color"`
}

type wirePose struct {
	ID          *int           `json:"id"`
	Confidence  float64        `json:"confidence"`
	Keypoints   []wireKeypoint `json:"keypoints"`
	Connections [][2]string    `json:"connections"`
}

// parseToken turns one complete token into its entries. The token must be
// syntactically valid JSON; any error returned here is a typing error that
// more input cannot fix.
func parseToken(token []byte) ([]entry, error) {
	var raws []json.RawMessage
	if err := jsoncodec.Unmarshal(token, &raws); err != nil {
		return nil, fmt.Errorf("token is not a list: %w", err)
	}

	entries := make([]entry, 0, len(raws))
	for i, raw := range raws {
		e, err := parseEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseEntry(raw json.RawMessage) (entry, error) {
	var e entry
	if err := jsoncodec.Unmarshal(raw, &e.header); err != nil {
		return e, err
	}
	if e.Name == "" {
		return e, fmt.Errorf("missing %q", keyName)
	}

	var err error
	switch e.Name {
	case nameParameters:
		// bookkeeping only
	case meta.NameDetection:
		e.result, err = parseDetection(raw, e.parentID())
	case meta.NameClassification:
		e.result, err = parseClassification(raw, e.parentID())
	case meta.NamePoseEstimation:
		e.result, err = parsePoses(raw, e.parentID())
	default:
		e.result, err = parseGeneric(raw, e.Name, e.parentID())
	}
	return e, err
}

func parseDetection(raw json.RawMessage, parent int) (meta.Result, error) {
	var w struct {
		Boxes []wireBox `json:"bounding-boxes"`
	}
	if err := jsoncodec.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if len(w.Boxes) == 0 {
		return nil, nil
	}

	det := &meta.Detection{ParentID: parent, Boxes: make([]meta.BoundingBox, 0, len(w.Boxes))}
	for i, b := range w.Boxes {
		if len(b.Rectangle) != 4 {
			return nil, fmt.Errorf("bounding box %d: rectangle needs 4 values, got %d", i, len(b.Rectangle))
		}
		det.Boxes = append(det.Boxes, meta.BoundingBox{
			ID:         b.ID,
			Label:      b.Label,
			Confidence: b.Confidence,
			Color:      b.Color,
			Rect: meta.NormRect{
				X:      b.Rectangle[0],
				Y:      b.Rectangle[1],
				Width:  b.Rectangle[2],
				Height: b.Rectangle[3],
			},
			Landmarks: keypoints(b.Landmarks),
		})
	}
	return det, nil
}

func parseClassification(raw json.RawMessage, parent int) (meta.Result, error) {
	var w struct {
		Labels []wireLabel `json:"labels"`
	}
	if err := jsoncodec.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if len(w.Labels) == 0 {
		return nil, nil
	}

	cls := &meta.Classification{ParentID: parent, Labels: make([]meta.ClassLabel, 0, len(w.Labels))}
	for _, l := range w.Labels {
		cls.Labels = append(cls.Labels, meta.ClassLabel{
			ID:         l.ID,
			Label:      l.Label,
			Confidence: l.Confidence,
			Color:      l.Color,
		})
	}
	return cls, nil
}

func parsePoses(raw json.RawMessage, parent int) (meta.Result, error) {
	var w struct {
		Poses []wirePose `json:"poses"`
	}
	if err := jsoncodec.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if len(w.Poses) == 0 {
		return nil, nil
	}

	pe := &meta.PoseEstimation{ParentID: parent, Poses: make([]meta.Pose, 0, len(w.Poses))}
	for _, p := range w.Poses {
		pe.Poses = append(pe.Poses, meta.Pose{
			ID:          p.ID,
			Confidence:  p.Confidence,
			Keypoints:   keypoints(p.Keypoints),
			Connections: p.Connections,
		})
	}
	return pe, nil
}

func parseGeneric(raw json.RawMessage, name string, parent int) (meta.Result, error) {
	fields := make(map[string]any)
	if err := jsoncodec.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for _, k := range []string{keyName, keyTimestamp, keySeqIndex, keySeqNum, keyParentID} {
		delete(fields, k)
	}
	return &meta.Generic{Name: name, ParentID: parent, Fields: fields}, nil
}

func keypoints(in []wireKeypoint) []meta.Keypoint {
	if len(in) == 0 {
		return nil
	}
	out := make([]meta.Keypoint, len(in))
	for i, k := range in {
		out[i] = meta.Keypoint{Name: k.Name, X: k.X, Y: k.Y, Confidence: k.Confidence, Color: k.Color}
	}
	return out
}
