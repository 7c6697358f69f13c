package membus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FaultHook inspects a transaction before it executes and may fail it by
// returning a non-nil error. Tests use it to inject memory faults at precise
// points in a transfer.
type FaultHook func(tx Transaction) error

// ArenaConfig configures an in-memory frame store.
type ArenaConfig struct {
	// Size is the arena capacity in bytes.
	Size int

	// Latency delays each completion, emulating memory access time.
	// Zero completes transactions before Submit returns.
	Latency time.Duration

	// Fault, when set, is consulted for every transaction.
	Fault FaultHook
}

// Arena is an in-memory Bus implementation backing the frame store with a
// byte slice. It is safe for concurrent use by the reader and writer paths.
type Arena struct {
	mu     sync.Mutex
	mem    []byte
	cfg    ArenaConfig
	closed bool
}

// NewArena creates a frame store arena of cfg.Size bytes.
func NewArena(cfg ArenaConfig) (*Arena, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("arena size must be positive, got %d", cfg.Size)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewArena",
		"size":     cfg.Size,
		"latency":  cfg.Latency,
	}).Info("Creating frame store arena")

	return &Arena{
		mem: make([]byte, cfg.Size),
		cfg: cfg,
	}, nil
}

// Size returns the arena capacity in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Submit executes the transaction against the arena. With zero configured
// latency the completion is already buffered when Submit returns; otherwise
// it arrives after the latency elapses.
func (a *Arena) Submit(ctx context.Context, tx Transaction) (<-chan Completion, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrBusClosed
	}
	done := make(chan Completion, 1)
	completion := a.execute(tx)
	a.mu.Unlock()

	if completion.Err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Arena.Submit",
			"direction": tx.Dir,
			"addr":      tx.Addr,
			"length":    tx.Length,
			"error":     completion.Err.Error(),
		}).Debug("Transaction faulted")
	}

	if a.cfg.Latency <= 0 {
		done <- completion
		return done, nil
	}

	// done is buffered, so the delayed send cannot block and the
	// completion arrives even if the caller stopped waiting.
	time.AfterFunc(a.cfg.Latency, func() {
		done <- completion
	})
	return done, nil
}

// execute performs the memory access under the arena lock.
func (a *Arena) execute(tx Transaction) Completion {
	if a.cfg.Fault != nil {
		if err := a.cfg.Fault(tx); err != nil {
			return Completion{Err: fmt.Errorf("%w: %v", ErrFault, err)}
		}
	}
	if tx.Length < 0 || tx.Addr < 0 || tx.Addr+int64(tx.Length) > int64(len(a.mem)) {
		return Completion{Err: fmt.Errorf("%w: %s 0x%x+%d outside arena of %d bytes",
			ErrFault, tx.Dir, tx.Addr, tx.Length, len(a.mem))}
	}

	switch tx.Dir {
	case DirRead:
		data := make([]byte, tx.Length)
		copy(data, a.mem[tx.Addr:tx.Addr+int64(tx.Length)])
		return Completion{Data: data}
	case DirWrite:
		if len(tx.Data) < tx.Length {
			return Completion{Err: fmt.Errorf("%w: write payload %d bytes for %d byte burst",
				ErrFault, len(tx.Data), tx.Length)}
		}
		copy(a.mem[tx.Addr:tx.Addr+int64(tx.Length)], tx.Data[:tx.Length])
		return Completion{}
	default:
		return Completion{Err: fmt.Errorf("%w: unknown direction %d", ErrFault, tx.Dir)}
	}
}

// Close stops accepting transactions. In-flight completions still arrive.
func (a *Arena) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	logrus.WithFields(logrus.Fields{
		"function": "Arena.Close",
		"size":     len(a.mem),
	}).Info("Frame store arena closed")
}

// WriteAt copies data into the arena directly, bypassing the transaction
// path. Intended for preloading frames in tests and demos.
func (a *Arena) WriteAt(addr int64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr < 0 || addr+int64(len(data)) > int64(len(a.mem)) {
		return fmt.Errorf("%w: write 0x%x+%d outside arena of %d bytes",
			ErrFault, addr, len(data), len(a.mem))
	}
	copy(a.mem[addr:], data)
	return nil
}

// ReadAt copies from the arena directly, bypassing the transaction path.
// Intended for inspecting written frames in tests and demos.
func (a *Arena) ReadAt(addr int64, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr < 0 || addr+int64(len(buf)) > int64(len(a.mem)) {
		return fmt.Errorf("%w: read 0x%x+%d outside arena of %d bytes",
			ErrFault, addr, len(buf), len(a.mem))
	}
	copy(buf, a.mem[addr:])
	return nil
}
