package backend

import (
	"time"

	"github.com/cuemby/sequent/pkg/message"
)

// GroupStatus is the lifecycle state of a ConsumerGroup.
type GroupStatus string

const (
	GroupActive  GroupStatus = "active"
	GroupStopped GroupStatus = "stopped"
)

// StartFrom describes where a newly registered consumer group should begin
// reading a stream from. Exactly one of the fields is meaningful, selected
// by Kind.
type StartFromKind string

const (
	StartFromBeginning StartFromKind = "beginning"
	StartFromNow       StartFromKind = "now"
	StartFromTime      StartFromKind = "time"
	StartFromSeq       StartFromKind = "seq"
)

type StartFrom struct {
	Kind StartFromKind
	At   time.Time
	Seq  uint64
}

var StartFromBeginningValue = StartFrom{Kind: StartFromBeginning}
var StartFromNowValue = StartFrom{Kind: StartFromNow}

// Stream is the one-row-per-append-addressable-stream bookkeeping record.
type Stream struct {
	StreamID  string
	Seq       uint64
	UpdatedAt time.Time
}

// ConsumerGroup tracks a registered reactor's processing state.
type ConsumerGroup struct {
	ID               int64
	GroupID          string
	Status           GroupStatus
	HighestGlobalSeq uint64
	RetryAt          *time.Time
	ErrorContext     map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Offset represents how far a group has consumed a given stream.
type Offset struct {
	ID        int64
	GroupID   int64
	StreamID  string
	GlobalSeq uint64
	Claimed   bool
	ClaimedAt *time.Time
	ClaimedBy string
}

// Claim is the event_claims bookkeeping row a SQL backend writes alongside
// the authoritative offsets.claimed flag when it claims a batch: one row
// per (event_global_seq, group) for event-shaped consumer_info, or one row
// per command_id for command-shaped consumer_info. offsets.claimed remains
// the sole source of truth for claim exclusivity; event_claims exists so
// the claimed set can be inspected or swept (by worker, by expiry) without
// joining through offsets and consumer_groups.
type Claim struct {
	ID             int64
	EventGlobalSeq *uint64
	CommandID      *string
	StreamID       string
	GroupID        int64
	WorkerID       string
	ClaimedAt      time.Time
	ExpiresAt      time.Time
}

// DefaultEventClaimTTL bounds how long a SQL backend's event_claims
// bookkeeping row for a batch is considered live before ReleaseStaleClaims
// sweeps it, independent of the caller-supplied ttl used against
// offsets.claimed_at for the same call.
const DefaultEventClaimTTL = 5 * time.Minute

// BatchEntry pairs a message with whether it is being replayed, i.e. its
// global_seq is at or below the group's highest_global_seq at claim time.
type BatchEntry struct {
	Message   *message.Message
	Replaying bool
}

// ScheduleEntry is a message queued for future promotion into its stream.
type ScheduleEntry struct {
	Message     *message.Message
	AvailableAt time.Time
}

// GroupUpdater is yielded to the block passed to UpdatingConsumerGroup; it
// lets the caller record a retry or a stop decision against a row-locked
// group without re-implementing the read-modify-write itself.
type GroupUpdater struct {
	Group *ConsumerGroup

	stopped      bool
	stopReason   string
	retried      bool
	retryAt      time.Time
	retryContext map[string]any
}

// Stop marks the group to be persisted as stopped with reason.
func (u *GroupUpdater) Stop(reason string) {
	u.stopped = true
	u.stopReason = reason
}

// Retry marks the group to be persisted with retry_at and error_context set,
// leaving status and offsets untouched.
func (u *GroupUpdater) Retry(at time.Time, ctx map[string]any) {
	u.retried = true
	u.retryAt = at
	u.retryContext = ctx
}

// Decision reports what UpdatingConsumerGroup's block decided, for Backend
// implementations (in other packages) to persist after the block returns.
func (u *GroupUpdater) Decision() (stopped bool, stopReason string, retried bool, retryAt time.Time, retryContext map[string]any) {
	return u.stopped, u.stopReason, u.retried, u.retryAt, u.retryContext
}
