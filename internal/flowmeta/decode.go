package flowmeta

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
)

// Params describes how a producer packs one motion field: the two record
// layouts plus the paxel grid geometry.
type Params struct {
	// Vectors must declare X, Y and confidence
	Vectors Layout `yaml:"vectors" json:"vectors"`
	// Stats must declare variance, mean and SAD when a stats block is sent
	Stats Layout `yaml:"stats,omitempty" json:"stats,omitempty"`

	PaxelWidth   int `yaml:"paxel_width" json:"paxel_width"`
	PaxelHeight  int `yaml:"paxel_height" json:"paxel_height"`
	RowLength    int `yaml:"row_length" json:"row_length"`
	ColumnLength int `yaml:"column_length" json:"column_length"`

	// Statistics with variance or SAD below these are zeroed
	VarianceThreshold int64 `yaml:"variance_threshold" json:"variance_threshold"`
	SADThreshold      int64 `yaml:"sad_threshold" json:"sad_threshold"`
}

// Validate checks the grid and the vector layout. The stats layout is only
// checked when declared.
func (p *Params) Validate() error {
	if p.PaxelWidth <= 0 || p.PaxelHeight <= 0 {
		return fmt.Errorf("flowmeta: paxel size %dx%d must be positive", p.PaxelWidth, p.PaxelHeight)
	}
	if p.RowLength <= 0 || p.ColumnLength <= 0 {
		return fmt.Errorf("flowmeta: paxel grid %dx%d must be positive", p.RowLength, p.ColumnLength)
	}
	if err := p.Vectors.Validate(FieldX, FieldY, FieldConfidence); err != nil {
		return err
	}
	if len(p.Stats) > 0 {
		if err := p.Stats.Validate(FieldVariance, FieldMean, FieldSAD); err != nil {
			return err
		}
	}
	return nil
}

// Paxels returns the number of records each block must hold.
func (p *Params) Paxels() int {
	return p.RowLength * p.ColumnLength
}

// Decode turns a vector block (and an optional stats block) into one
// OpticalFlow record, scaled to a frameWidth x frameHeight unit.
//
// A zero frame size keeps the paxel grid as the pixel space (scale 1). Any
// mismatch between a block and its layout rejects the whole chunk.
func Decode(p *Params, vectors, stats []byte, frameWidth, frameHeight int, ts time.Duration) (*meta.Record, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	gridW := p.RowLength * p.PaxelWidth
	gridH := p.ColumnLength * p.PaxelHeight
	if frameWidth <= 0 || frameHeight <= 0 {
		frameWidth, frameHeight = gridW, gridH
	}
	xscale := float64(frameWidth) / float64(gridW)
	yscale := float64(frameHeight) / float64(gridH)

	recs, err := split(vectors, p.Vectors.RecordBytes(), p.Paxels(), "vectors")
	if err != nil {
		return nil, err
	}

	fx, fy, fc := p.Vectors[FieldX], p.Vectors[FieldY], p.Vectors[FieldConfidence]
	flow := &meta.OpticalFlow{Vectors: make([]meta.MotionVector, len(recs))}
	for idx, rec := range recs {
		col, row := idx%p.RowLength, idx/p.RowLength
		flow.Vectors[idx] = meta.MotionVector{
			X:          int(float64(col*p.PaxelWidth) * xscale),
			Y:          int(float64(row*p.PaxelHeight) * yscale),
			DX:         float64(Extract(rec, fx)) * xscale,
			DY:         float64(Extract(rec, fy)) * yscale,
			Confidence: Extract(rec, fc),
		}
	}

	if len(stats) > 0 {
		if len(p.Stats) == 0 {
			return nil, &DecodeError{Block: "stats", Reason: "block present but no stats layout configured"}
		}
		if flow.Stats, err = decodeStats(p, stats, len(recs)); err != nil {
			return nil, err
		}
	}

	if !meta.ValidTimestamp(ts) {
		ts = meta.NoTimestamp
	}
	return &meta.Record{Timestamp: ts, Results: []meta.Result{flow}}, nil
}

func decodeStats(p *Params, block []byte, want int) ([]meta.FlowStats, error) {
	recs, err := split(block, p.Stats.RecordBytes(), want, "stats")
	if err != nil {
		return nil, err
	}

	fv, fm, fs := p.Stats[FieldVariance], p.Stats[FieldMean], p.Stats[FieldSAD]
	out := make([]meta.FlowStats, len(recs))
	for i, rec := range recs {
		s := meta.FlowStats{
			Variance: Extract(rec, fv),
			Mean:     Extract(rec, fm),
			SAD:      Extract(rec, fs),
		}
		if s.Variance < p.VarianceThreshold || s.SAD < p.SADThreshold {
			s = meta.FlowStats{}
		}
		out[i] = s
	}
	return out, nil
}

// split cuts block into records of size bytes and checks the count.
func split(block []byte, size, want int, name string) ([][]byte, error) {
	if size == 0 {
		return nil, &DecodeError{Block: name, Reason: "empty record layout"}
	}
	if len(block)%size != 0 {
		return nil, &DecodeError{Block: name, Reason: fmt.Sprintf("%d bytes is not a multiple of the %d-byte record", len(block), size)}
	}
	if n := len(block) / size; n != want {
		return nil, &DecodeError{Block: name, Reason: fmt.Sprintf("%d records, expected %d", n, want)}
	}

	recs := make([][]byte, want)
	for i := range recs {
		recs[i] = block[i*size : (i+1)*size]
	}
	return recs, nil
}

// Encode packs values into a block following layout: one map of field values
// per record. Missing fields encode as zero.
func Encode(layout Layout, records []map[string]int64) []byte {
	size := layout.RecordBytes()
	block := make([]byte, size*len(records))
	for i, values := range records {
		rec := block[i*size : (i+1)*size]
		for name, f := range layout {
			Insert(rec, f, values[name])
		}
	}
	return block
}
