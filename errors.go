package pixelpipe

import "errors"

// Sentinel errors for pipeline construction and lifecycle.
var (
	// ErrConfiguration indicates an invalid Config. Construction fails;
	// a misconfigured pipeline never starts.
	ErrConfiguration = errors.New("invalid pipeline configuration")

	// ErrAlreadyStarted indicates a second Start on a pipeline. A pipeline
	// runs at most once; build a new one to run again.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrOverrun is the cause carried by FaultOverrun events: the display
	// side held every slot long enough that the oldest pending frame had to
	// be dropped to keep the capture path running.
	ErrOverrun = errors.New("input overrun dropped the oldest pending frame")
)
