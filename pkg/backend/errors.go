package backend

import "errors"

// Sentinel errors forming the backend's error taxonomy. Callers should
// compare with errors.Is; every layer above wraps these with fmt.Errorf's
// %w rather than constructing new error values.
var (
	// ErrConcurrentAppend is raised when an append's expected_seq no longer
	// matches the stream's current tip — an optimistic-concurrency clash on
	// (stream_id, seq). Retriable by the caller with a fresh history read.
	ErrConcurrentAppend = errors.New("backend: concurrent append")

	// ErrConcurrentAck names an ack of a message whose stream is claimed by
	// a different worker in the same group. No Backend in this module
	// returns it: Ack does not check who holds the claim.
	ErrConcurrentAck = errors.New("backend: concurrent ack")

	// ErrDifferentStreamId is raised when a stream-scoped append batch
	// contains messages for more than one stream id.
	ErrDifferentStreamId = errors.New("backend: mixed stream ids in batch")

	// ErrInfiniteLoop names a unit-of-work dispatch whose BFS iterations
	// exceed a cap. This module has no unit-of-work dispatch, and nothing in
	// it returns this error.
	ErrInfiniteLoop = errors.New("backend: infinite loop detected")

	// ErrPartialBatch wraps a mid-batch handler failure. pkg/reactor's
	// PartialBatchError carries the successfully-produced prefix of pairs
	// alongside this sentinel so the caller can still commit sync work for
	// already-processed messages.
	ErrPartialBatch = errors.New("backend: partial batch failure")

	// ErrGroupNotFound is raised by group-scoped operations (start/stop/
	// reset/ack) against an unregistered group id.
	ErrGroupNotFound = errors.New("backend: consumer group not found")

	// ErrStreamNotFound is raised by read_stream against a stream with no
	// committed messages.
	ErrStreamNotFound = errors.New("backend: stream not found")

	// ErrClaimLost names a claim another worker took first. No Backend in
	// this module returns it: when a claim update affects zero rows,
	// ClaimNextBatch reports ok=false with a nil error.
	ErrClaimLost = errors.New("backend: claim already held")
)
