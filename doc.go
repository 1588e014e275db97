// Package metamux attaches out-of-band, time-varying metadata to the units of
// a primary media stream.
//
// # Overview
//
// Metadata arrives from any number of named sources, each decoded either as
// newline-separated JSON tokens (detections, classifications, poses, generic
// entries) or as packed optical-flow blocks. Decoded records wait in a
// per-source queue until the engine pairs them with a media unit:
//
//   - Async: a unit waits, without timeout, until every live source holds a
//     record; timestamps are ignored.
//   - Sync: a unit waits for records whose timestamp lies within the
//     tolerance of its own, up to a deadline derived from the unit timestamp,
//     its duration and the configured latency.
//
// A source with nothing to offer still contributes its last record, so
// annotations persist across units that have no fresh metadata.
//
// # Basic Usage
//
//	cfg, err := metamux.Load("metamux.yaml")
//	if err != nil {
//	    return err
//	}
//	eng, err := metamux.New(*cfg, metamux.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(); err != nil {
//	    return err
//	}
//	defer eng.Stop()
//
//	// Producers, one goroutine per source
//	go eng.Feed(ctx, detections)
//
//	// Worker
//	err = eng.Run(ctx, media, metamux.SinkFunc(func(ctx context.Context, u *metamux.Unit) error {
//	    for _, a := range u.Annotations {
//	        fmt.Println(a.Source, a.Label, a.Rect)
//	    }
//	    return nil
//	}))
//
// # Coordinates
//
// Producers emit coordinates relative to a parent region (another annotation
// of the same unit, or the full frame). Annotations always carry absolute
// pixel rectangles, clipped to the unit frame.
//
// # Thread Safety
//
// Push, Feed, Flush and EndOfStream may be called from any goroutine. Process
// and Run belong to one worker; units are released in the order they are
// processed. Stop may be called at any time and aborts the unit in flight.
package metamux
