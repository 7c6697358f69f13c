// Package pixelpipe implements a streaming video pipeline around a triple
// buffered frame store.
//
// Frames flow as streams of per-pixel samples over handshake channels with
// valid/ready semantics: no sample is ever lost, duplicated or reordered, and
// backpressure propagates hop by hop. The capture path takes a subsampled
// YCbCr link stream, reconstructs full chroma, decodes to RGB, and commits
// frames into store slots over a memory bus. The display path streams
// committed frames back out, encoding and subsampling in the other direction.
// A triple buffer controller arbitrates the slots so the display always sees
// the newest complete frame and never a torn one.
//
// # Getting Started
//
// Build a pipeline from a configuration and pump frames through it:
//
//	cfg := pixelpipe.NewConfig()
//	cfg.Width, cfg.Height = 320, 240
//	cfg.Ratio = chroma.Ratio422
//
//	pipe, err := pixelpipe.New(cfg, nil) // nil bus: pipeline owns the store
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pipe.Stop()
//
//	pipe.OnFault(func(ev pixelpipe.FaultEvent) {
//	    fmt.Printf("fault %s on %s slot %d: %v\n", ev.Kind, ev.Path, ev.Slot, ev.Err)
//	})
//
//	if err := pipe.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Produce on pipe.CaptureIn(), consume on pipe.DisplayOut().
//
// The endpoint package provides a synthetic source and a frame-assembling
// sink for the two channel ends.
//
// # Core Types
//
//   - [Pipeline]: composer owning the store, the controller, and the stages
//   - [Config]: every tunable, fixed at construction and validated
//   - [FaultEvent]: one frame-scoped failure, counted and surfaced
//   - [Stats]: snapshot of the frame and fault counters
//
// # Faults
//
// Faults are frame-scoped, never fatal. A memory transaction failure recalls
// the affected frame with an in-band abort marker; downstream consumers
// discard the partial frame and the pipeline continues with the next one. A
// stalled display side triggers the overrun policy instead, dropping the
// oldest pending frame so capture keeps running. Every fault is counted,
// logged, and delivered to the OnFault callback.
//
// # Subpackages
//
//   - pixel: sample, format and geometry primitives
//   - stream: the handshake channel coupling all stages
//   - membus: the memory bus contract and the in-memory arena
//   - framebuf: the triple buffer controller
//   - csc: fixed-point color space conversion
//   - chroma: 4:2:2 and 4:2:0 resampling
//   - dma: the frame reader and writer engines
//   - endpoint: synthetic source and frame sink
package pixelpipe
