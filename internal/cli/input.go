package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/metamux"
	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/jsoncodec"
)

// mediaLine is one line of a media timeline file.
type mediaLine struct {
	Seq       *uint64 `json:"seq"`
	Timestamp *int64  `json:"timestamp_ns"`
	Duration  int64   `json:"duration_ns"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	TraceID   string  `json:"trace_id"`
}

// flowLine is one line of a binary metadata file. Blocks are base64.
type flowLine struct {
	Timestamp *int64 `json:"timestamp_ns"`
	Vectors   []byte `json:"vectors"`
	Stats     []byte `json:"stats"`
	Flush     bool   `json:"flush"`
}

// lineReader yields the non-blank lines of a file.
type lineReader struct {
	path string
	f    *os.File
	sc   *bufio.Scanner
	line int
}

func openLines(path string) (*lineReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	return &lineReader{path: path, f: f, sc: sc}, nil
}

func (r *lineReader) next(v any) error {
	for r.sc.Scan() {
		r.line++
		text := bytes.TrimSpace(r.sc.Bytes())
		if len(text) == 0 {
			continue
		}
		if err := jsoncodec.Unmarshal(text, v); err != nil {
			return fmt.Errorf("%s:%d: %w", r.path, r.line, err)
		}
		return nil
	}
	if err := r.sc.Err(); err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	return io.EOF
}

func (r *lineReader) Close() error { return r.f.Close() }

// fileMedia replays a media timeline. Units without a trace id get a fresh
// UUID.
type fileMedia struct {
	lines *lineReader
	seq   uint64
}

func openMedia(path string) (*fileMedia, error) {
	lines, err := openLines(path)
	if err != nil {
		return nil, fmt.Errorf("open media timeline: %w", err)
	}
	return &fileMedia{lines: lines}, nil
}

func (m *fileMedia) Next(ctx context.Context) (*metamux.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var l mediaLine
	if err := m.lines.next(&l); err != nil {
		return nil, err
	}

	u := &metamux.Unit{
		Seq:       m.seq,
		Timestamp: metamux.NoTimestamp,
		Duration:  time.Duration(l.Duration),
		Width:     l.Width,
		Height:    l.Height,
		TraceID:   l.TraceID,
	}
	if l.Seq != nil {
		u.Seq = *l.Seq
	}
	if l.Timestamp != nil {
		u.Timestamp = time.Duration(*l.Timestamp)
	}
	if u.TraceID == "" {
		u.TraceID = uuid.NewString()
	}
	m.seq = u.Seq + 1
	return u, nil
}

func (m *fileMedia) Close() error { return m.lines.Close() }

// textFile streams a text metadata file in fixed-size chunks, cutting
// tokens at arbitrary points the way a transport would.
type textFile struct {
	name  string
	f     *os.File
	chunk int
}

func openText(name, path string, chunk int) (*textFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source %q: %w", name, err)
	}
	if chunk <= 0 {
		chunk = 4096
	}
	return &textFile{name: name, f: f, chunk: chunk}, nil
}

func (s *textFile) Name() string { return s.name }

func (s *textFile) Next(ctx context.Context) (metamux.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return metamux.Chunk{}, err
	}
	buf := make([]byte, s.chunk)
	n, err := s.f.Read(buf)
	if n > 0 {
		return metamux.Chunk{Timestamp: metamux.NoTimestamp, Data: buf[:n]}, nil
	}
	if err == nil {
		err = io.EOF
	}
	return metamux.Chunk{}, err
}

func (s *textFile) Close() error { return s.f.Close() }

// flowFile streams a binary metadata file, one chunk per line.
type flowFile struct {
	name  string
	lines *lineReader
}

func openFlow(name, path string) (*flowFile, error) {
	lines, err := openLines(path)
	if err != nil {
		return nil, fmt.Errorf("open source %q: %w", name, err)
	}
	return &flowFile{name: name, lines: lines}, nil
}

func (s *flowFile) Name() string { return s.name }

func (s *flowFile) Next(ctx context.Context) (metamux.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return metamux.Chunk{}, err
	}
	var l flowLine
	if err := s.lines.next(&l); err != nil {
		return metamux.Chunk{}, err
	}
	c := metamux.Chunk{Timestamp: metamux.NoTimestamp, Data: l.Vectors, Stats: l.Stats, Flush: l.Flush}
	if l.Timestamp != nil {
		c.Timestamp = time.Duration(*l.Timestamp)
	}
	return c, nil
}

func (s *flowFile) Close() error { return s.lines.Close() }
