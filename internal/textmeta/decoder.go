// Package textmeta decodes the newline-delimited text metadata format.
//
// Each line (token) is a JSON list of entries. Every entry names its kind and
// carries the bookkeeping fields "timestamp", "sequence-index" and
// "sequence-num-entries"; entries with the same timestamp and an increasing
// sequence index form one logical record, which may span several tokens and
// several chunks.
//
// Chunks may split a token anywhere. A token that is not yet valid JSON is
// kept as the partial fragment and joined with the first token of the next
// chunk (without re-inserting a newline), so a producer that flushes
// mid-record loses nothing.
package textmeta

import (
	"bytes"
	"errors"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/jsoncodec"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
)

// DefaultMaxPartial bounds the partial fragment kept between chunks.
const DefaultMaxPartial = 1 << 20

// Decoder holds the continuation state of one text source: at most one
// partial fragment and at most one in-progress record.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	maxPartial int

	partial []byte

	pending *meta.Record
	open    bool // pending waits for more sequence entries
}

// New creates a decoder. maxPartial <= 0 selects DefaultMaxPartial.
func New(maxPartial int) *Decoder {
	if maxPartial <= 0 {
		maxPartial = DefaultMaxPartial
	}
	return &Decoder{maxPartial: maxPartial}
}

// Partial returns the number of bytes currently cached as a partial fragment.
func (d *Decoder) Partial() int { return len(d.partial) }

// Pending reports whether a logical record is waiting for more entries.
func (d *Decoder) Pending() bool { return d.pending != nil }

// Reset drops the partial fragment and the in-progress record.
func (d *Decoder) Reset() {
	d.partial = nil
	d.pending = nil
	d.open = false
}

// Decode consumes one chunk and returns the records it completed, in order.
//
// chunkTS is used for entries that carry no timestamp of their own (pass
// meta.NoTimestamp if the chunk has none). The returned error joins one
// *DecodeError per dropped token; records decoded from the rest of the chunk
// are returned regardless.
func (d *Decoder) Decode(chunk []byte, chunkTS time.Duration) ([]*meta.Record, error) {
	var (
		out  []*meta.Record
		errs []error
	)

	for len(chunk) > 0 {
		var token []byte
		if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
			token, chunk = chunk[:i], chunk[i+1:]
		} else {
			token, chunk = chunk, nil
		}

		recs, err := d.feed(token, chunkTS)
		out = append(out, recs...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return out, errors.Join(errs...)
}

// Finish is called at end of stream. It reports a leftover partial fragment
// and finalizes the in-progress record, if any.
func (d *Decoder) Finish() ([]*meta.Record, error) {
	var err error
	if len(d.partial) > 0 {
		err = newDecodeError(d.partial, "truncated token at end of stream", nil)
		d.partial = nil
	}

	var out []*meta.Record
	if rec := d.finalize(); rec != nil {
		out = append(out, rec)
	}
	return out, err
}

// feed handles one newline-free token.
func (d *Decoder) feed(token []byte, chunkTS time.Duration) ([]*meta.Record, error) {
	candidate := token
	if len(d.partial) > 0 {
		candidate = append(d.partial, token...)
	}

	trimmed := bytes.TrimSpace(candidate)
	if len(trimmed) == 0 {
		d.partial = nil
		return nil, nil
	}

	if jsoncodec.Valid(trimmed) {
		d.partial = nil
		return d.accept(trimmed, chunkTS)
	}

	// The cached fragment is stale if the token parses on its own.
	if len(d.partial) > 0 {
		if t := bytes.TrimSpace(token); len(t) > 0 && jsoncodec.Valid(t) {
			stale := newDecodeError(d.partial, "dropped unterminated fragment", nil)
			d.partial = nil
			recs, err := d.accept(t, chunkTS)
			return recs, errors.Join(stale, err)
		}
	}

	if len(candidate) > d.maxPartial {
		d.partial = nil
		return nil, newDecodeError(candidate, "partial token exceeds limit", nil)
	}
	d.partial = bytes.Clone(candidate)
	return nil, nil
}

// accept groups the entries of a syntactically complete token into records.
func (d *Decoder) accept(token []byte, chunkTS time.Duration) ([]*meta.Record, error) {
	entries, err := parseToken(token)
	if err != nil {
		return nil, newDecodeError(token, "malformed token", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	tokenTS := chunkTS
	for i := range entries {
		if entries[i].Name == nameParameters && entries[i].Timestamp != nil {
			tokenTS = entries[i].timestamp()
			break
		}
	}

	var out []*meta.Record
	emit := func() {
		if rec := d.finalize(); rec != nil {
			out = append(out, rec)
		}
	}

	for i := range entries {
		e := &entries[i]
		if e.Name == nameParameters {
			continue
		}

		ts := e.timestamp()
		if !meta.ValidTimestamp(ts) {
			ts = tokenTS
		}

		// A new group, or a different instant, closes the previous one. An
		// unsequenced entry of the same instant joins the open group, which
		// stays open until its last index arrives.
		if d.pending != nil && (ts != d.pending.Timestamp || (e.sequenced() && e.SeqIndex == 1 && d.open)) {
			emit()
		}
		if d.pending == nil {
			d.pending = &meta.Record{Timestamp: ts}
		}
		if e.result != nil {
			d.pending.Results = append(d.pending.Results, e.result)
		}

		if e.sequenced() {
			d.open = e.SeqIndex < e.SeqNum
			if !d.open {
				emit()
			}
		}
	}

	// Entries without sequence information complete with their token.
	if d.pending != nil && !d.open {
		emit()
	}
	return out, nil
}

func (d *Decoder) finalize() *meta.Record {
	rec := d.pending
	d.pending = nil
	d.open = false
	return rec
}
