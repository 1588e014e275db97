package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Run is the worker loop: it drains media one unit at a time, pairs each
// unit and emits it to sink, preserving order.
//
// Run returns nil at end of media or when the engine is stopped, ctx.Err()
// when ctx is cancelled, and a wrapped error when media or sink fail. A
// transport failure stops the engine.
func (e *Engine) Run(ctx context.Context, media MediaSource, sink UnitSink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrStopped
	}
	e.cancelRun = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.cancelRun = nil
		e.mu.Unlock()
	}()

	for {
		u, err := media.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			e.log.Info("metamux: media reached end of stream")
			return nil
		case err != nil:
			if !e.Active() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.Stop()
			return fmt.Errorf("metamux: media source: %w", err)
		}

		out, err := e.Process(ctx, u)
		switch {
		case errors.Is(err, ErrStopped):
			return nil
		case err != nil:
			return err
		}

		if err := sink.Emit(ctx, out); err != nil {
			if ctx.Err() != nil && !e.Active() {
				return nil
			}
			e.Stop()
			return fmt.Errorf("metamux: sink: %w", err)
		}
	}
}

// Feed pumps chunks from one metadata source into the engine until the
// source ends. Decode failures are logged and counted, never fatal; a
// transport error stops the engine and is returned.
func (e *Engine) Feed(ctx context.Context, src MetadataSource) error {
	name := src.Name()
	if _, err := e.lookup(name); err != nil {
		return err
	}

	for {
		c, err := src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			if err := e.EndOfStream(name); err != nil && errors.Is(err, ErrUnknownSource) {
				return err
			}
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.Stop()
			return fmt.Errorf("metamux: source %q: %w", name, err)
		}

		if err := e.Push(name, c); errors.Is(err, ErrUnknownSource) {
			return err
		}
	}
}
