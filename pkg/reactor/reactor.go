// Package reactor defines the contract every Actor, Projector, and Reaction
// implements, plus the registry the router uses to introspect reactors at
// registration time (handled message types, whether history is needed,
// consumer group defaults).
package reactor

import (
	"errors"
	"fmt"

	"github.com/cuemby/sequent/pkg/actions"
	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/message"
)

// ErrDualRole is returned by Validate when a reactor declares the same
// message type as both a handled command and something it would itself
// react to, which would create a feedback loop within one reactor.
var ErrDualRole = errors.New("reactor: message type registered as both command and reaction")

// PartialBatchError is returned by HandleBatch when a handler fails partway
// through a batch. Pairs holds whatever (actions, source_message) pairs
// were produced before the failure; the router still applies and
// acknowledges that prefix, leaving the failing message and the remainder
// of the batch unacknowledged for retry.
type PartialBatchError struct {
	Err   error
	Pairs []Pair
}

func (e *PartialBatchError) Error() string {
	return "reactor: partial batch: " + e.Err.Error()
}

func (e *PartialBatchError) Unwrap() error {
	return backend.ErrPartialBatch
}

// Pair is one (actions, source_message) result from a batch handler. The
// router executes Actions, in order, then acknowledges Source for the
// reactor's group.
type Pair struct {
	Actions []actions.Action
	Source  *message.Message
}

// Reactor is the contract shared by Actor, Projector, and Reaction — the
// three families described in spec.md §4.6. A concrete reactor type embeds
// none of these; it simply implements the three methods.
type Reactor interface {
	// HandledMessages lists the message type strings this reactor reacts
	// to. The router only fetches messages whose Type appears here.
	HandledMessages() []string

	// ConsumerInfo describes this reactor's consumer group: its id, where
	// a fresh registration should start reading from, and its preferred
	// batch size (0 means "use the router default").
	ConsumerInfo() ConsumerInfo

	// HandleBatch processes an ordered batch of messages (each flagged
	// replaying if its global_seq is at or below the group's
	// highest_global_seq), optionally given the full stream history when
	// NeedsHistory is true, and returns the pairs to apply.
	HandleBatch(batch []backend.BatchEntry, history []*message.Message) ([]Pair, error)
}

// ConsumerInfo is what a reactor reports about its own consumer group.
type ConsumerInfo struct {
	GroupID      string
	StartFrom    backend.StartFrom
	BatchSize    int
	NeedsHistory bool
}

// HistoryAware is implemented by reactors that need the full ordered stream
// history alongside their batch (event-sourced actors and projectors).
// Registration introspects for this interface rather than requiring every
// reactor to carry an unused NeedsHistory flag by hand.
type HistoryAware interface {
	NeedsHistory() bool
}

// Family distinguishes the three reactor roles for registry bookkeeping and
// Validate's dual-role check; it carries no runtime behaviour of its own.
type Family string

const (
	FamilyActor     Family = "actor"
	FamilyProjector Family = "projector"
	FamilyReaction  Family = "reaction"
)

// Registration is what Register stores for one reactor.
type Registration struct {
	Reactor  Reactor
	Family   Family
	Commands map[string]bool // message types this reactor treats as commands it decides on
	Reacts   map[string]bool // message types this reactor treats as triggers for new commands
}

// Validate enforces that no message type is registered as both a command
// and a reaction target on the same reactor, per spec.md §4.6.
func Validate(reg Registration) error {
	for t := range reg.Commands {
		if reg.Reacts[t] {
			return fmt.Errorf("%w: %s", ErrDualRole, t)
		}
	}
	return nil
}

// EffectiveConsumerInfo resolves a reactor's ConsumerInfo into the form
// backend.ClaimNextBatch expects, filling in HandledType and NeedHistory by
// introspection.
func EffectiveConsumerInfo(r Reactor) backend.ConsumerInfo {
	info := r.ConsumerInfo()
	needHistory := info.NeedsHistory
	if ha, ok := r.(HistoryAware); ok {
		needHistory = ha.NeedsHistory()
	}
	batchSize := info.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return backend.ConsumerInfo{
		GroupID:     info.GroupID,
		HandledType: r.HandledMessages(),
		StartFrom:   info.StartFrom,
		BatchSize:   batchSize,
		NeedHistory: needHistory,
	}
}
