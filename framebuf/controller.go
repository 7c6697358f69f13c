// Package framebuf implements the triple buffer controller: the single owner
// of the frame slot state machine that keeps the display path from ever
// reading a frame that is still being written.
//
// The controller manages two or three slots in the frame store. The DMA
// writer and reader never mutate slot state themselves; they request
// transitions through the controller, which serializes every transition under
// one lock. Three slots give tear-free latest-frame-wins semantics; two slots
// degrade to classic double buffering where the writer blocks until the
// reader releases.
package framebuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pixelpipe/pixel"
)

// Sentinel errors for controller operations.
var (
	// ErrControllerClosed indicates the controller was shut down while a
	// request was waiting or before it was made.
	ErrControllerClosed = errors.New("buffer controller closed")

	// ErrWriterBusy indicates an AcquireWrite while another slot is still
	// Writing. The writer must complete or abort its frame first.
	ErrWriterBusy = errors.New("a slot is already being written")

	// ErrReaderBusy indicates an AcquireRead while another slot is still
	// Reading. The reader must complete its frame first.
	ErrReaderBusy = errors.New("a slot is already being read")

	// ErrBadSlot indicates a transition request for a slot that is not in
	// the state the request demands.
	ErrBadSlot = errors.New("slot not in expected state")
)

// SlotState is the lifecycle state of one buffer slot.
type SlotState uint8

const (
	// Free means the slot holds no frame and can be claimed for writing.
	Free SlotState = iota
	// Writing means the DMA writer is filling the slot.
	Writing
	// Ready means the slot holds a complete frame awaiting display.
	Ready
	// Reading means the DMA reader is streaming the slot out.
	Reading
)

func (s SlotState) String() string {
	switch s {
	case Free:
		return "free"
	case Writing:
		return "writing"
	case Ready:
		return "ready"
	case Reading:
		return "reading"
	default:
		return fmt.Sprintf("SlotState(%d)", uint8(s))
	}
}

// Descriptor identifies one frame buffer handed to a DMA engine: where it
// lives, its geometry and format, the owning slot, and the monotonic sequence
// number assigned when the frame became Ready. Transfer correlates every
// event of one frame instance across log lines.
type Descriptor struct {
	Base     int64
	Stride   int
	Width    int
	Height   int
	Format   pixel.Format
	Slot     int
	Sequence uint64
	Transfer uuid.UUID
}

// Config configures a controller.
type Config struct {
	// Slots is the buffer count: 3 for tear-free triple buffering, 2 for
	// double buffering.
	Slots int

	// Format and Geometry describe the frames held by each slot.
	Format   pixel.Format
	Geometry pixel.Geometry

	// Base is the arena offset of slot 0; slots are laid out contiguously.
	Base int64

	// OverrunAfter bounds how long AcquireWrite waits for a Free slot
	// before the controller reclaims the oldest Ready frame (dropping it)
	// to let the writer proceed. Zero waits forever.
	OverrunAfter time.Duration

	// OnFrameDrop is invoked (outside the controller lock) whenever a
	// Ready frame is reclaimed unread: stale-frame replacement or overrun.
	OnFrameDrop func(slot int, sequence uint64)

	// OnOverrun is invoked (outside the lock) when the overrun policy
	// fires.
	OnOverrun func(slot int, sequence uint64)
}

type slot struct {
	state    SlotState
	base     int64
	sequence uint64
	lastUsed uint64
	transfer uuid.UUID
}

// Controller is the slot state machine. All state transitions happen inside
// its methods; at every instant at most one slot is Writing, at most one is
// Reading, and they are never the same slot.
type Controller struct {
	mu     sync.Mutex
	slots  []slot
	wake   chan struct{} // closed and replaced on every transition
	cfg    Config
	seq    uint64 // next frame sequence number
	tick   uint64 // LRU clock
	closed bool

	frameBytes int64

	drops    uint64
	overruns uint64
}

// SlotInfo is one slot's externally visible state, returned by Snapshot.
type SlotInfo struct {
	State    SlotState
	Sequence uint64
	Base     int64
}

// NewController validates the configuration and creates the slot arena
// layout. Slot counts outside 2..3 are rejected: one slot cannot satisfy the
// Writing≠Reading invariant and more than three adds latency for no benefit.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Slots < 2 || cfg.Slots > 3 {
		return nil, fmt.Errorf("slot count must be 2 or 3, got %d", cfg.Slots)
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Geometry.Validate(cfg.Format); err != nil {
		return nil, err
	}
	if cfg.Base < 0 {
		return nil, fmt.Errorf("arena base must be non-negative, got %d", cfg.Base)
	}

	frameBytes := int64(cfg.Geometry.FrameBytes(cfg.Format))
	c := &Controller{
		slots:      make([]slot, cfg.Slots),
		wake:       make(chan struct{}),
		cfg:        cfg,
		frameBytes: frameBytes,
	}
	for i := range c.slots {
		c.slots[i].base = cfg.Base + int64(i)*frameBytes
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewController",
		"slots":       cfg.Slots,
		"format":      cfg.Format.String(),
		"geometry":    fmt.Sprintf("%dx%d", cfg.Geometry.Width, cfg.Geometry.Height),
		"frame_bytes": frameBytes,
	}).Info("Buffer controller created")

	return c, nil
}

// ArenaBytes returns the total frame store footprint of all slots, measured
// from offset zero. Composers use it to size the arena.
func (c *Controller) ArenaBytes() int64 {
	return c.cfg.Base + int64(c.cfg.Slots)*c.frameBytes
}

// descriptor builds the external view of a slot under the lock.
func (c *Controller) descriptor(id int) Descriptor {
	s := &c.slots[id]
	return Descriptor{
		Base:     s.base,
		Stride:   c.cfg.Geometry.LineBytes(c.cfg.Format),
		Width:    c.cfg.Geometry.Width,
		Height:   c.cfg.Geometry.Height,
		Format:   c.cfg.Format,
		Slot:     id,
		Sequence: s.sequence,
		Transfer: s.transfer,
	}
}

// notify wakes every waiter. Must be called with the lock held.
func (c *Controller) notify() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// AcquireWrite claims a Free slot for the next incoming frame, blocking while
// none is available. When slots tie, the least recently used wins. If the
// wait exceeds the configured overrun bound, the oldest Ready frame is
// dropped to make room and the overrun is counted, so the input path keeps
// running under persistent overrun rather than stalling forever.
func (c *Controller) AcquireWrite(ctx context.Context) (Descriptor, error) {
	var timeout <-chan time.Time
	if c.cfg.OverrunAfter > 0 {
		timer := time.NewTimer(c.cfg.OverrunAfter)
		defer timer.Stop()
		timeout = timer.C
	}

	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return Descriptor{}, ErrControllerClosed
		}
		for i := range c.slots {
			if c.slots[i].state == Writing {
				c.mu.Unlock()
				return Descriptor{}, ErrWriterBusy
			}
		}

		if id, ok := c.pickFree(); ok {
			c.slots[id].state = Writing
			c.slots[id].transfer = uuid.New()
			c.tick++
			c.slots[id].lastUsed = c.tick
			d := c.descriptor(id)
			c.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function": "Controller.AcquireWrite",
				"slot":     id,
				"transfer": d.Transfer.String(),
			}).Debug("Slot acquired for writing")
			return d, nil
		}

		wake := c.wake
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return Descriptor{}, ctx.Err()
		case <-timeout:
			c.overrunReclaim()
		case <-wake:
		}
		c.mu.Lock()
	}
}

// pickFree returns the least recently used Free slot. Must hold the lock.
func (c *Controller) pickFree() (int, bool) {
	best, found := -1, false
	for i := range c.slots {
		if c.slots[i].state != Free {
			continue
		}
		if !found || c.slots[i].lastUsed < c.slots[best].lastUsed {
			best, found = i, true
		}
	}
	return best, found
}

// overrunReclaim drops the oldest Ready frame so a blocked writer can
// proceed. Invoked when AcquireWrite exceeds the overrun bound.
func (c *Controller) overrunReclaim() {
	c.mu.Lock()
	if _, ok := c.pickFree(); ok {
		// A slot freed up while the timer was firing; no sacrifice needed.
		c.mu.Unlock()
		return
	}
	victim := -1
	for i := range c.slots {
		if c.slots[i].state != Ready {
			continue
		}
		if victim == -1 || c.slots[i].sequence < c.slots[victim].sequence {
			victim = i
		}
	}
	if victim == -1 {
		// Nothing Ready to sacrifice; the reader holds everything and
		// the writer keeps waiting.
		c.mu.Unlock()
		return
	}
	seq := c.slots[victim].sequence
	c.slots[victim].state = Free
	c.tick++
	c.slots[victim].lastUsed = c.tick
	c.drops++
	c.overruns++
	onDrop, onOverrun := c.cfg.OnFrameDrop, c.cfg.OnOverrun
	c.notify()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Controller.overrunReclaim",
		"slot":     victim,
		"sequence": seq,
	}).Warn("Writer overrun: dropping oldest ready frame")

	if onDrop != nil {
		onDrop(victim, seq)
	}
	if onOverrun != nil {
		onOverrun(victim, seq)
	}
}

// CompleteWrite transitions a Writing slot to Ready and stamps the frame
// sequence. If another slot was already Ready its frame is now stale, and the
// display must always see the newest complete frame, so the old frame is
// reclaimed to Free immediately and counted as a drop.
func (c *Controller) CompleteWrite(id int) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrControllerClosed
	}
	if id < 0 || id >= len(c.slots) || c.slots[id].state != Writing {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: complete-write on slot %d", ErrBadSlot, id)
	}

	c.seq++
	seq := c.seq
	c.slots[id].state = Ready
	c.slots[id].sequence = seq
	c.tick++
	c.slots[id].lastUsed = c.tick

	var droppedSlot = -1
	var droppedSeq uint64
	for i := range c.slots {
		if i != id && c.slots[i].state == Ready {
			droppedSlot, droppedSeq = i, c.slots[i].sequence
			c.slots[i].state = Free
			c.tick++
			c.slots[i].lastUsed = c.tick
			c.drops++
		}
	}
	onDrop := c.cfg.OnFrameDrop
	c.notify()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Controller.CompleteWrite",
		"slot":     id,
		"sequence": seq,
	}).Debug("Frame complete, slot ready")

	if droppedSlot >= 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.CompleteWrite",
			"slot":     droppedSlot,
			"sequence": droppedSeq,
		}).Warn("Stale ready frame dropped in favor of newer frame")
		if onDrop != nil {
			onDrop(droppedSlot, droppedSeq)
		}
	}
	return seq, nil
}

// AbortWrite returns a Writing slot to Free without ever promoting it to
// Ready. Called on mid-frame faults; the partial frame is discarded.
func (c *Controller) AbortWrite(id int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if id < 0 || id >= len(c.slots) || c.slots[id].state != Writing {
		c.mu.Unlock()
		return fmt.Errorf("%w: abort-write on slot %d", ErrBadSlot, id)
	}
	transfer := c.slots[id].transfer
	c.slots[id].state = Free
	c.tick++
	c.slots[id].lastUsed = c.tick
	c.notify()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Controller.AbortWrite",
		"slot":     id,
		"transfer": transfer.String(),
	}).Debug("Partial frame discarded, slot freed")
	return nil
}

// AcquireRead claims the newest Ready slot for display, blocking while none
// exists. Any older Ready slot is reclaimed to Free on the spot: stale
// frames are dropped, never queued.
func (c *Controller) AcquireRead(ctx context.Context) (Descriptor, error) {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return Descriptor{}, ErrControllerClosed
		}
		for i := range c.slots {
			if c.slots[i].state == Reading {
				c.mu.Unlock()
				return Descriptor{}, ErrReaderBusy
			}
		}

		newest := -1
		for i := range c.slots {
			if c.slots[i].state != Ready {
				continue
			}
			if newest == -1 || c.slots[i].sequence > c.slots[newest].sequence {
				newest = i
			}
		}
		if newest >= 0 {
			var droppedSlot = -1
			var droppedSeq uint64
			for i := range c.slots {
				if i != newest && c.slots[i].state == Ready {
					droppedSlot, droppedSeq = i, c.slots[i].sequence
					c.slots[i].state = Free
					c.tick++
					c.slots[i].lastUsed = c.tick
					c.drops++
				}
			}
			c.slots[newest].state = Reading
			c.tick++
			c.slots[newest].lastUsed = c.tick
			d := c.descriptor(newest)
			onDrop := c.cfg.OnFrameDrop
			c.notify()
			c.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function": "Controller.AcquireRead",
				"slot":     newest,
				"sequence": d.Sequence,
			}).Debug("Slot acquired for reading")
			if droppedSlot >= 0 && onDrop != nil {
				onDrop(droppedSlot, droppedSeq)
			}
			return d, nil
		}

		wake := c.wake
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return Descriptor{}, ctx.Err()
		case <-wake:
		}
		c.mu.Lock()
	}
}

// CompleteRead releases a Reading slot back to Free after its frame has been
// streamed out.
func (c *Controller) CompleteRead(id int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if id < 0 || id >= len(c.slots) || c.slots[id].state != Reading {
		c.mu.Unlock()
		return fmt.Errorf("%w: complete-read on slot %d", ErrBadSlot, id)
	}
	seq := c.slots[id].sequence
	c.slots[id].state = Free
	c.tick++
	c.slots[id].lastUsed = c.tick
	c.notify()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Controller.CompleteRead",
		"slot":     id,
		"sequence": seq,
	}).Debug("Frame read out, slot freed")
	return nil
}

// Snapshot returns every slot's state for tests and metrics.
func (c *Controller) Snapshot() []SlotInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SlotInfo, len(c.slots))
	for i := range c.slots {
		out[i] = SlotInfo{
			State:    c.slots[i].state,
			Sequence: c.slots[i].sequence,
			Base:     c.slots[i].base,
		}
	}
	return out
}

// Drops returns how many Ready frames were reclaimed unread.
func (c *Controller) Drops() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drops
}

// Overruns returns how many times the overrun policy fired.
func (c *Controller) Overruns() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overruns
}

// Close shuts the controller down and unblocks every waiter with
// ErrControllerClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.notify()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Controller.Close",
	}).Info("Buffer controller closed")
}
