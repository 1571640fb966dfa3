// Package backend defines sequent's storage contract: the single source of
// truth for streams, messages, consumer groups, offsets, and claims. SQL is
// an implementation choice, not part of the contract — callers code against
// the Backend interface and pick a concrete implementation (postgres,
// sqlite, or the in-memory test double) at wiring time.
package backend

import (
	"context"
	"time"

	"github.com/cuemby/sequent/pkg/message"
)

// ConsumerInfo is the subset of a reactor's registration the backend needs
// to find and claim work for it. pkg/reactor builds one from a reactor's
// ConsumerInfo() method.
type ConsumerInfo struct {
	GroupID     string
	HandledType []string
	StartFrom   StartFrom
	BatchSize   int
	NeedHistory bool
}

// Backend is the storage contract every sequent component is written
// against. Implementations live in pkg/backend/postgres, pkg/backend/sqlite,
// and pkg/backend/memory.
type Backend interface {
	// Install creates tables and indices, idempotently.
	Install(ctx context.Context) error

	// AppendToStream appends messages atomically. Every message must carry
	// a Seq matching expectedSeq+1 ... expectedSeq+n; a clash on
	// (stream_id, seq) returns ErrConcurrentAppend.
	AppendToStream(ctx context.Context, streamID string, messages []*message.Message, expectedSeq uint64) error

	// AppendNextToStream appends messages atomically, assigning consecutive
	// Seq values starting at the stream's current tip + 1. Retries
	// internally on unique-constraint violation up to a small bound before
	// surfacing ErrConcurrentAppend.
	AppendNextToStream(ctx context.Context, streamID string, messages []*message.Message) error

	// ScheduleMessages inserts messages into the scheduled table, to be
	// promoted into their streams once AvailableAt has passed.
	ScheduleMessages(ctx context.Context, entries []ScheduleEntry) error

	// UpdateSchedule moves all due scheduled messages into the log, grouped
	// by stream, via AppendNextToStream, and returns how many moved.
	UpdateSchedule(ctx context.Context) (int, error)

	// ClaimNextBatch finds and claims the next unit of work for a reactor,
	// per §4.7. Returns ok=false if there was nothing to claim.
	ClaimNextBatch(ctx context.Context, info ConsumerInfo, batchSize int, withHistory bool, workerID string) (claim *WorkClaim, ok bool, err error)

	// Ack upserts the offset row for (groupID, streamID) to globalSeq and
	// bumps the group's highest_global_seq to max(existing, globalSeq).
	Ack(ctx context.Context, groupID, streamID string, globalSeq uint64) error

	// ReleaseClaim clears claimed/claimed_at/claimed_by on an offset row.
	ReleaseClaim(ctx context.Context, offsetID int64) error

	// AckOn runs block inside a transaction that ACKs messageID for group
	// groupID, for sync-in-transaction reactions.
	AckOn(ctx context.Context, groupID string, messageID string, block func(ctx context.Context) error) error

	// UpdatingConsumerGroup row-locks the group, yields a GroupUpdater to
	// block, and persists whatever decision the block recorded.
	UpdatingConsumerGroup(ctx context.Context, groupID string, block func(ctx context.Context, u *GroupUpdater) error) error

	// RegisterConsumerGroup upserts a group row, defaulting its offsets per
	// startFrom the first time the group is seen.
	RegisterConsumerGroup(ctx context.Context, groupID string, startFrom StartFrom) (*ConsumerGroup, error)

	// StartConsumerGroup clears status=stopped and retry_at.
	StartConsumerGroup(ctx context.Context, groupID string) error

	// StopConsumerGroup sets status=stopped with reason recorded in
	// error_context.
	StopConsumerGroup(ctx context.Context, groupID, reason string) error

	// ResetConsumerGroup deletes all offsets for the group and reactivates
	// it, preserving highest_global_seq so replay can be detected. The memory
	// backend records startFrom for the group's later claims; the postgres
	// and sqlite backends ignore startFrom, so a recreated offset starts from
	// the StartFrom in the ConsumerInfo passed to ClaimNextBatch.
	ResetConsumerGroup(ctx context.Context, groupID string, startFrom StartFrom) error

	// GetConsumerGroup returns the current row for groupID, or
	// ErrGroupNotFound.
	GetConsumerGroup(ctx context.Context, groupID string) (*ConsumerGroup, error)

	// ReadStream returns a stream's messages in seq order, optionally
	// bounded by uptoSeq (0 means unbounded).
	ReadStream(ctx context.Context, streamID string, uptoSeq uint64) ([]*message.Message, error)

	// ReadCorrelationBatch returns every message sharing correlationID's
	// correlation, in global_seq order.
	ReadCorrelationBatch(ctx context.Context, correlationID string) ([]*message.Message, error)

	// Transaction runs block inside a nested-safe database transaction.
	Transaction(ctx context.Context, block func(ctx context.Context) error) error

	// WorkerHeartbeat bulk-upserts last_seen_at for the given worker ids.
	WorkerHeartbeat(ctx context.Context, workerIDs []string) error

	// ReleaseStaleClaims clears the claimed flag on every offset claimed
	// longer ago than ttl and returns how many offsets it released. The SQL
	// backends also delete event_claims rows whose expires_at has passed;
	// those rows are not counted.
	ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int, error)

	// Stats returns a snapshot of every registered group's status, useful
	// for the admin CLI and for metrics collection.
	Stats(ctx context.Context) ([]GroupStats, error)

	// Close releases any held resources (connection pools, listeners).
	Close() error
}

// WorkClaim is what ClaimNextBatch hands back: the claimed offset, the
// batch of messages to process, and optionally full stream history.
type WorkClaim struct {
	OffsetID  int64
	GroupID   string
	StreamID  string
	Batch     []BatchEntry
	History   []*message.Message
}

// GroupStats is a point-in-time snapshot of a consumer group, surfaced by
// Backend.Stats for cmd/sequent groups list and for prometheus collection.
type GroupStats struct {
	GroupID          string
	Status           GroupStatus
	HighestGlobalSeq uint64
	RetryAt          *time.Time
	RetryCount       int
	ActiveClaims     int
}
