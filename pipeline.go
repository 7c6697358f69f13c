package pixelpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pixelpipe/chroma"
	"github.com/opd-ai/pixelpipe/csc"
	"github.com/opd-ai/pixelpipe/dma"
	"github.com/opd-ai/pixelpipe/framebuf"
	"github.com/opd-ai/pixelpipe/membus"
	"github.com/opd-ai/pixelpipe/stream"
)

// FaultKind classifies pipeline fault events.
type FaultKind uint8

const (
	// FaultIO is a memory transaction failure. The affected frame was
	// recalled in-band and discarded whole; the pipeline moves on to the
	// next frame.
	FaultIO FaultKind = iota
	// FaultOverrun is an input overrun. The oldest pending frame was
	// dropped so the capture path could keep running.
	FaultOverrun
)

func (k FaultKind) String() string {
	switch k {
	case FaultIO:
		return "io"
	case FaultOverrun:
		return "overrun"
	default:
		return fmt.Sprintf("FaultKind(%d)", uint8(k))
	}
}

// Path values identifying where a fault event originated.
const (
	PathDisplay = "display"
	PathCapture = "capture"
	PathStore   = "store"
)

// FaultEvent describes one frame-scoped failure. Every fault is counted and
// surfaced; none ends the pipeline.
type FaultEvent struct {
	// ID identifies this event.
	ID uuid.UUID
	// Kind classifies the failure; Path locates it.
	Kind FaultKind
	Path string
	// Slot and Sequence identify the affected frame; Transfer correlates
	// the event with the engine's log lines for that frame instance.
	Slot     int
	Sequence uint64
	Transfer uuid.UUID
	// Err is the wrapped cause.
	Err error
	// Time is when the fault was observed.
	Time time.Time
}

// FaultCallback receives fault events. It is invoked from pipeline
// goroutines and must not block.
type FaultCallback func(FaultEvent)

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	// FramesWritten counts frames the capture path committed to the store.
	FramesWritten uint64
	// FramesRead counts frames the display path streamed out completely.
	FramesRead uint64
	// FramesDropped counts Ready frames reclaimed unread, stale
	// replacements and overrun drops together.
	FramesDropped uint64
	// IOFaults counts frames recalled by memory transaction failures.
	IOFaults uint64
	// Overruns counts frames dropped by the overrun policy.
	Overruns uint64
	// Aborts counts upstream recalls absorbed by the capture writer.
	Aborts uint64
}

// namedStage tags a stage goroutine for the failure log.
type namedStage struct {
	name  string
	stage stream.Stage
}

type displayPath struct {
	reader *dma.Reader
	out    *stream.Channel
}

type capturePath struct {
	writer *dma.Writer
	in     *stream.Channel
}

// Pipeline composes the frame store, the buffer controller, and up to two
// stream paths around them.
//
// The capture path receives subsampled YCbCr on CaptureIn, reconstructs full
// chroma, decodes to RGB, and commits frames to store slots. The display path
// reads committed frames back, encodes to YCbCr, subsamples, and delivers the
// link stream on DisplayOut. Both paths share one controller, so a full
// pipeline is a loopback: frames pushed into CaptureIn come back out of
// DisplayOut, newest first.
type Pipeline struct {
	cfg   *Config
	bus   membus.Bus
	arena *membus.Arena // owned frame store, nil when the bus came from outside
	ctl   *framebuf.Controller

	display *displayPath
	capture *capturePath
	stages  []namedStage

	faultMu sync.RWMutex
	onFault FaultCallback

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New builds a full pipeline: capture and display paths around one
// arena-backed controller. A nil cfg uses NewConfig defaults; a nil bus makes
// the pipeline allocate and own an arena sized for the configured slots.
func New(cfg *Config, bus membus.Bus) (*Pipeline, error) {
	return build(cfg, bus, true, true)
}

// NewDisplayPath builds a pipeline with only the output half. Frames reach
// the store by direct slot writes: acquire through Controller, write through
// the bus, complete. The reader streams each committed frame to DisplayOut.
func NewDisplayPath(cfg *Config, bus membus.Bus) (*Pipeline, error) {
	return build(cfg, bus, true, false)
}

// NewCapturePath builds a pipeline with only the input half. Frames sent to
// CaptureIn land in store slots; the application consumes them through
// Controller and the bus.
func NewCapturePath(cfg *Config, bus membus.Bus) (*Pipeline, error) {
	return build(cfg, bus, false, true)
}

func build(cfg *Config, bus membus.Bus, display, capture bool) (*Pipeline, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg}

	ctl, err := framebuf.NewController(framebuf.Config{
		Slots:        cfg.Slots,
		Format:       cfg.StoreFormat,
		Geometry:     cfg.geometry(),
		OverrunAfter: cfg.OverrunAfter,
		OnOverrun:    p.overrunFault,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	p.ctl = ctl

	if bus == nil {
		arena, err := membus.NewArena(membus.ArenaConfig{Size: int(ctl.ArenaBytes())})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		p.arena = arena
		bus = arena
	}
	p.bus = bus

	encode, decode := cfg.matrices()

	if display {
		storeOut := stream.NewChannel(cfg.ChannelDepth)
		encOut := stream.NewChannel(cfg.ChannelDepth)
		linkOut := stream.NewChannel(cfg.ChannelDepth)

		reader, err := dma.NewReader(bus, ctl, storeOut, dma.ReaderConfig{
			Burst:     cfg.Burst,
			LookAhead: cfg.LookAhead,
			OnFault:   p.displayFault,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: display reader: %v", ErrConfiguration, err)
		}
		enc, err := csc.NewConverter(csc.Config{
			Matrix:   encode,
			Format:   cfg.LinkFormat,
			FracBits: cfg.FracBits,
			Rounding: cfg.Rounding,
			Overflow: cfg.Overflow,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: display encoder: %v", ErrConfiguration, err)
		}
		down, err := chroma.NewDownsampler(cfg.Ratio, encOut, linkOut)
		if err != nil {
			return nil, fmt.Errorf("%w: display downsampler: %v", ErrConfiguration, err)
		}

		p.display = &displayPath{reader: reader, out: linkOut}
		p.stages = append(p.stages,
			namedStage{"display-reader", reader},
			namedStage{"display-encoder", csc.NewStage("display-encode", enc, storeOut, encOut)},
			namedStage{"display-downsampler", down},
		)
	}

	if capture {
		linkIn := stream.NewChannel(cfg.ChannelDepth)
		upOut := stream.NewChannel(cfg.ChannelDepth)
		decOut := stream.NewChannel(cfg.ChannelDepth)

		up, err := chroma.NewUpsampler(cfg.Ratio, cfg.Upsample, linkIn, upOut)
		if err != nil {
			return nil, fmt.Errorf("%w: capture upsampler: %v", ErrConfiguration, err)
		}
		dec, err := csc.NewConverter(csc.Config{
			Matrix:   decode,
			Format:   cfg.StoreFormat,
			FracBits: cfg.FracBits,
			Rounding: cfg.Rounding,
			Overflow: cfg.Overflow,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: capture decoder: %v", ErrConfiguration, err)
		}
		writer, err := dma.NewWriter(bus, ctl, decOut, dma.WriterConfig{
			Burst:     cfg.Burst,
			LookAhead: cfg.LookAhead,
			OnFault:   p.captureFault,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: capture writer: %v", ErrConfiguration, err)
		}

		p.capture = &capturePath{writer: writer, in: linkIn}
		p.stages = append(p.stages,
			namedStage{"capture-upsampler", up},
			namedStage{"capture-decoder", csc.NewStage("capture-decode", dec, upOut, decOut)},
			namedStage{"capture-writer", writer},
		)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"geometry": fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"store":    cfg.StoreFormat.String(),
		"link":     fmt.Sprintf("%s %s", cfg.LinkFormat, cfg.Ratio),
		"standard": cfg.Standard.String(),
		"slots":    cfg.Slots,
		"display":  display,
		"capture":  capture,
	}).Info("Pipeline built")

	return p, nil
}

// Start launches every stage goroutine. The context bounds the whole run;
// cancelling it stops the pipeline as surely as Stop does, though Stop must
// still be called to release the store.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	for _, st := range p.stages {
		p.wg.Add(1)
		go func(st namedStage) {
			defer p.wg.Done()
			err := st.stage.Run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				logrus.WithFields(logrus.Fields{
					"function": "Pipeline.Start",
					"stage":    st.name,
					"error":    err.Error(),
				}).Error("Pipeline stage failed")
			}
		}(st)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Pipeline.Start",
		"stages":   len(p.stages),
	}).Info("Pipeline started")
	return nil
}

// Stop cancels the stages, closes the controller, waits for every goroutine
// to drain, and releases an owned frame store. Stopping is terminal: the
// inter-stage channels are closed and the pipeline cannot be restarted.
// Stop is idempotent and safe to call on a pipeline that never started.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if started {
		cancel()
	}
	p.ctl.Close()
	p.wg.Wait()
	if p.arena != nil {
		p.arena.Close()
	}

	s := p.Stats()
	logrus.WithFields(logrus.Fields{
		"function":       "Pipeline.Stop",
		"frames_written": s.FramesWritten,
		"frames_read":    s.FramesRead,
		"frames_dropped": s.FramesDropped,
		"io_faults":      s.IOFaults,
		"overruns":       s.Overruns,
	}).Info("Pipeline stopped")
}

// IsRunning reports whether the pipeline has started and not yet stopped.
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// OnFault registers the fault event callback, replacing any previous one.
func (p *Pipeline) OnFault(cb FaultCallback) {
	p.faultMu.Lock()
	p.onFault = cb
	p.faultMu.Unlock()
}

// CaptureIn returns the capture path's input channel. The caller is its
// producer and must close it when done. Nil when the pipeline was built
// without a capture path.
func (p *Pipeline) CaptureIn() *stream.Channel {
	if p.capture == nil {
		return nil
	}
	return p.capture.in
}

// DisplayOut returns the display path's output channel. Nil when the
// pipeline was built without a display path.
func (p *Pipeline) DisplayOut() *stream.Channel {
	if p.display == nil {
		return nil
	}
	return p.display.out
}

// Controller exposes the buffer controller for direct slot access, the way a
// display-only application fills frames or a capture-only one drains them.
func (p *Pipeline) Controller() *framebuf.Controller {
	return p.ctl
}

// Bus returns the memory bus backing the frame store.
func (p *Pipeline) Bus() membus.Bus {
	return p.bus
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		FramesDropped: p.ctl.Drops(),
		Overruns:      p.ctl.Overruns(),
	}
	if p.capture != nil {
		s.FramesWritten = p.capture.writer.Frames()
		s.Aborts = p.capture.writer.Aborts()
		s.IOFaults += p.capture.writer.Faults()
	}
	if p.display != nil {
		s.FramesRead = p.display.reader.Frames()
		s.IOFaults += p.display.reader.Faults()
	}
	return s
}

func (p *Pipeline) emitFault(ev FaultEvent) {
	p.faultMu.RLock()
	cb := p.onFault
	p.faultMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

func (p *Pipeline) displayFault(err error, d framebuf.Descriptor) {
	p.emitFault(FaultEvent{
		ID:       uuid.New(),
		Kind:     FaultIO,
		Path:     PathDisplay,
		Slot:     d.Slot,
		Sequence: d.Sequence,
		Transfer: d.Transfer,
		Err:      err,
		Time:     time.Now(),
	})
}

func (p *Pipeline) captureFault(err error, d framebuf.Descriptor) {
	p.emitFault(FaultEvent{
		ID:       uuid.New(),
		Kind:     FaultIO,
		Path:     PathCapture,
		Slot:     d.Slot,
		Sequence: d.Sequence,
		Transfer: d.Transfer,
		Err:      err,
		Time:     time.Now(),
	})
}

func (p *Pipeline) overrunFault(slot int, sequence uint64) {
	p.emitFault(FaultEvent{
		ID:       uuid.New(),
		Kind:     FaultOverrun,
		Path:     PathStore,
		Slot:     slot,
		Sequence: sequence,
		Err:      ErrOverrun,
		Time:     time.Now(),
	})
}
