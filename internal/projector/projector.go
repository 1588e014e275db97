// Package projector rewrites decoded result geometry from a record's relative
// coordinate space into the absolute pixel space of a media unit.
//
// Geometry of a result is relative to its parent region when the result names
// a parent already attached to the unit, and relative to the full frame
// otherwise:
//
//	abs = parent.origin + rel * parent.size
//	abs = rel * frame.size
//
// Rectangles are rounded to the nearest pixel and clipped to the frame.
// Attaching the same record twice to one unit duplicates its annotations; the
// caller must not do it.
package projector

import (
	"maps"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
)

// keyRectangle and keyLabel are optional fields of Generic results that take
// part in projection.
const (
	keyRectangle = "rectangle"
	keyLabel     = "label"
)

// Attach projects every result of rec onto u and appends the annotations.
// It returns how many annotations were added.
func Attach(u *meta.Unit, source string, rec *meta.Record) int {
	if rec == nil {
		return 0
	}

	p := &pass{unit: u, source: source, ts: rec.Timestamp, next: nextFreeID(u)}
	before := len(u.Annotations)
	for _, res := range rec.Results {
		switch r := res.(type) {
		case *meta.Detection:
			p.detection(r)
		case *meta.Classification:
			p.classification(r)
		case *meta.PoseEstimation:
			p.poses(r)
		case *meta.OpticalFlow:
			p.flow(r)
		case *meta.Generic:
			p.generic(r)
		}
	}
	return len(u.Annotations) - before
}

// Project maps rel into region.
func Project(rel meta.NormRect, region meta.Rect) meta.Rect {
	return meta.Rect{
		X:      meta.Round(float64(region.X) + rel.X*float64(region.Width)),
		Y:      meta.Round(float64(region.Y) + rel.Y*float64(region.Height)),
		Width:  meta.Round(rel.Width * float64(region.Width)),
		Height: meta.Round(rel.Height * float64(region.Height)),
	}
}

// ProjectPoint maps a relative point into region.
func ProjectPoint(x, y float64, region meta.Rect) meta.Point {
	return meta.Point{
		X: meta.Round(float64(region.X) + x*float64(region.Width)),
		Y: meta.Round(float64(region.Y) + y*float64(region.Height)),
	}
}

// pass carries the per-record projection state.
type pass struct {
	unit   *meta.Unit
	source string
	ts     time.Duration
	next   int
}

func (p *pass) frame() meta.Rect {
	return meta.Rect{Width: p.unit.Width, Height: p.unit.Height}
}

// region resolves the rectangle a result's geometry is relative to. The most
// recently attached annotation with a matching ID wins.
func (p *pass) region(parentID int) (meta.Rect, int) {
	if parentID == meta.NoParent {
		return p.frame(), meta.NoParent
	}
	anns := p.unit.Annotations
	for i := len(anns) - 1; i >= 0; i-- {
		if anns[i].ID == parentID && !anns[i].Rect.Empty() {
			return anns[i].Rect, parentID
		}
	}
	return p.frame(), meta.NoParent
}

func (p *pass) clip(r meta.Rect) meta.Rect {
	if p.unit.Width <= 0 || p.unit.Height <= 0 {
		return r
	}
	return r.Clip(p.unit.Width, p.unit.Height)
}

func (p *pass) id(producer *int) int {
	if producer != nil && *producer >= 0 {
		if *producer >= p.next {
			p.next = *producer + 1
		}
		return *producer
	}
	id := p.next
	p.next++
	return id
}

func (p *pass) attach(a meta.Annotation) {
	a.Source = p.source
	a.Timestamp = p.ts
	p.unit.Annotations = append(p.unit.Annotations, a)
}

func (p *pass) detection(d *meta.Detection) {
	region, parent := p.region(d.ParentID)
	for _, b := range d.Boxes {
		p.attach(meta.Annotation{
			ID:         p.id(b.ID),
			ParentID:   parent,
			Kind:       meta.KindDetection,
			Label:      b.Label,
			Confidence: b.Confidence,
			Color:      b.Color,
			Rect:       p.clip(Project(b.Rect, region)),
			Keypoints:  projectKeypoints(b.Landmarks, region),
		})
	}
}

func (p *pass) classification(c *meta.Classification) {
	region, parent := p.region(c.ParentID)
	for _, l := range c.Labels {
		p.attach(meta.Annotation{
			ID:         p.id(l.ID),
			ParentID:   parent,
			Kind:       meta.KindClassification,
			Label:      l.Label,
			Confidence: l.Confidence,
			Color:      l.Color,
			Rect:       p.clip(region),
		})
	}
}

func (p *pass) poses(pe *meta.PoseEstimation) {
	region, parent := p.region(pe.ParentID)
	for _, pose := range pe.Poses {
		kps := projectKeypoints(pose.Keypoints, region)
		rect := region
		if len(kps) > 0 {
			rect = bounds(kps)
		}
		p.attach(meta.Annotation{
			ID:          p.id(pose.ID),
			ParentID:    parent,
			Kind:        meta.KindPoseEstimation,
			Confidence:  pose.Confidence,
			Rect:        p.clip(rect),
			Keypoints:   kps,
			Connections: pose.Connections,
		})
	}
}

func (p *pass) flow(f *meta.OpticalFlow) {
	p.attach(meta.Annotation{
		ID:       p.id(nil),
		ParentID: meta.NoParent,
		Kind:     meta.KindOpticalFlow,
		Rect:     p.frame(),
		Flow:     f,
	})
}

func (p *pass) generic(g *meta.Generic) {
	region, parent := p.region(g.ParentID)
	rect := region
	fields := maps.Clone(g.Fields)

	if rel, ok := genericRect(fields[keyRectangle]); ok {
		rect = Project(rel, region)
		delete(fields, keyRectangle)
	}
	label, _ := fields[keyLabel].(string)

	var producer *int
	if v, ok := fields["id"].(float64); ok {
		id := int(v)
		producer = &id
	}

	p.attach(meta.Annotation{
		ID:       p.id(producer),
		ParentID: parent,
		Kind:     meta.KindGeneric,
		Name:     g.Name,
		Label:    label,
		Rect:     p.clip(rect),
		Fields:   fields,
	})
}

func genericRect(v any) (meta.NormRect, bool) {
	vals, ok := v.([]any)
	if !ok || len(vals) != 4 {
		return meta.NormRect{}, false
	}
	var f [4]float64
	for i, x := range vals {
		if f[i], ok = x.(float64); !ok {
			return meta.NormRect{}, false
		}
	}
	return meta.NormRect{X: f[0], Y: f[1], Width: f[2], Height: f[3]}, true
}

func projectKeypoints(in []meta.Keypoint, region meta.Rect) []meta.PixelKeypoint {
	if len(in) == 0 {
		return nil
	}
	out := make([]meta.PixelKeypoint, len(in))
	for i, k := range in {
		out[i] = meta.PixelKeypoint{
			Name:       k.Name,
			Point:      ProjectPoint(k.X, k.Y, region),
			Confidence: k.Confidence,
			Color:      k.Color,
		}
	}
	return out
}

// bounds is the smallest rectangle covering every keypoint.
func bounds(kps []meta.PixelKeypoint) meta.Rect {
	x0, y0 := kps[0].Point.X, kps[0].Point.Y
	x1, y1 := x0, y0
	for _, k := range kps[1:] {
		x0, y0 = min(x0, k.Point.X), min(y0, k.Point.Y)
		x1, y1 = max(x1, k.Point.X), max(y1, k.Point.Y)
	}
	return meta.Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// nextFreeID is one past the largest ID already attached to u.
func nextFreeID(u *meta.Unit) int {
	next := 0
	for _, a := range u.Annotations {
		if a.ID >= next {
			next = a.ID + 1
		}
	}
	return next
}
