package graph

import "errors"

// Error taxonomy for the graph. Underrun and allocation failures are
// recoverable and degrade in place; a stale build discard is an expected
// protocol outcome, not a fault; device loss is fatal and propagates out
// of the scheduler without any self-heal attempt.
var (
	ErrInputUnderrun       = errors.New("graph: input underrun")
	ErrAllocationFailure   = errors.New("graph: resource allocation failure")
	ErrStaleBuildDiscarded = errors.New("graph: stale build discarded")
	ErrDeviceLost          = errors.New("graph: device lost")
)
