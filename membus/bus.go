// Package membus models the system memory collaborator: a transaction
// acceptor with a request/completion contract.
//
// The pipeline's DMA engines never touch frame memory directly; they submit
// read or write transactions and wait for completions, exactly as a hardware
// DMA engine posts bursts to a bus arbiter. No protocol is mandated beyond
// this contract, which keeps the pipeline independent of what actually backs
// the frame store.
package membus

import (
	"context"
	"errors"
)

// Sentinel errors for bus operations.
var (
	// ErrFault indicates a transaction the memory collaborator failed to
	// complete. The DMA engine owning the transaction aborts its current
	// frame transfer when it sees this.
	ErrFault = errors.New("memory transaction fault")

	// ErrBusClosed indicates the bus no longer accepts transactions.
	ErrBusClosed = errors.New("memory bus closed")
)

// Direction distinguishes read from write transactions.
type Direction uint8

const (
	// DirRead transfers data from the frame store to the requester.
	DirRead Direction = iota
	// DirWrite transfers data from the requester to the frame store.
	DirWrite
)

func (d Direction) String() string {
	if d == DirRead {
		return "read"
	}
	return "write"
}

// Transaction describes one DMA burst: a byte range in the frame store and,
// for writes, the payload. The issuing engine owns the transaction until its
// completion arrives.
type Transaction struct {
	Addr   int64
	Length int
	Dir    Direction
	Data   []byte // write payload; ignored for reads
}

// Completion reports the outcome of a transaction. Data carries the read
// result for read transactions; Err is nil on success or wraps ErrFault.
type Completion struct {
	Data []byte
	Err  error
}

// Bus is the transaction acceptor contract. Submit may block to apply
// acceptance backpressure; once it returns, the completion eventually arrives
// on the returned channel (exactly one per transaction).
type Bus interface {
	Submit(ctx context.Context, tx Transaction) (<-chan Completion, error)
}
