// Package flowmeta decodes dense motion-vector fields packed as fixed-size
// bit records.
//
// The layout of a record is not embedded in the blob: it is supplied by the
// producer's configuration as a set of named fields, each with a bit offset,
// a bit width and a signedness. The record length is the sum of every
// declared width, so padding and reserved fields must be declared too.
package flowmeta

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// MaxFieldWidth is the widest field a layout may declare.
const MaxFieldWidth = 32

// Vector field names.
const (
	FieldX          = "X"
	FieldY          = "Y"
	FieldConfidence = "confidence"
)

// Statistics field names.
const (
	FieldVariance = "variance"
	FieldMean     = "mean"
	FieldSAD      = "SAD"
)

// Field locates one value inside a packed record. Offset is in bits from the
// first bit of the record (bit 0 is the least significant bit of byte 0).
type Field struct {
	Offset   uint `yaml:"offset" json:"offset"`
	Width    uint `yaml:"width" json:"width"`
	Unsigned bool `yaml:"unsigned" json:"unsigned"`
}

// Layout maps field names to their location within one record.
type Layout map[string]Field

// RecordBytes returns the length of one record: the declared bit widths
// summed and rounded up to whole bytes.
func (l Layout) RecordBytes() int {
	var bits uint
	for _, f := range l {
		bits += f.Width
	}
	return int((bits + 7) / 8)
}

// Validate checks that every required field is declared and that every field
// fits in a record.
func (l Layout) Validate(required ...string) error {
	for _, name := range required {
		if _, ok := l[name]; !ok {
			return &LayoutError{Field: name, Reason: "required field not declared"}
		}
	}

	size := uint(l.RecordBytes() * 8)
	for _, name := range l.names() {
		f := l[name]
		if f.Width == 0 || f.Width > MaxFieldWidth {
			return &LayoutError{Field: name, Reason: fmt.Sprintf("width %d outside 1-%d", f.Width, MaxFieldWidth)}
		}
		if f.Offset+f.Width > size {
			return &LayoutError{Field: name, Reason: fmt.Sprintf("bits %d-%d exceed %d-bit record", f.Offset, f.Offset+f.Width-1, size)}
		}
	}
	return nil
}

// names returns the field names in a stable order for error reporting.
func (l Layout) names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extract reads field f from record rec.
//
// The 64-bit little-endian window starting at the byte that holds the first
// bit of the field always contains the whole field (at most 7 + 32 bits), so
// fields straddling byte or word boundaries decode exactly. Signed fields are
// sign-extended from their declared width.
func Extract(rec []byte, f Field) int64 {
	var window [8]byte
	copy(window[:], rec[min(int(f.Offset/8), len(rec)):])

	raw := binary.LittleEndian.Uint64(window[:]) >> (f.Offset % 8)
	raw &= (uint64(1) << f.Width) - 1

	if !f.Unsigned && raw&(uint64(1)<<(f.Width-1)) != 0 {
		return int64(raw) - int64(uint64(1)<<f.Width)
	}
	return int64(raw)
}

// Insert writes v into field f of record rec. It is the inverse of Extract
// and is used to build synthetic blobs.
func Insert(rec []byte, f Field, v int64) {
	mask := (uint64(1) << f.Width) - 1
	bits := uint64(v) & mask

	for i := uint(0); i < f.Width; i++ {
		pos := f.Offset + i
		byteIdx, bit := pos/8, pos%8
		if bits&(uint64(1)<<i) != 0 {
			rec[byteIdx] |= 1 << bit
		} else {
			rec[byteIdx] &^= 1 << bit
		}
	}
}
