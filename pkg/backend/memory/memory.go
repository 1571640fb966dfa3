// Package memory implements backend.Backend entirely in process memory. It
// exists for unit tests: every invariant the SQL backends enforce through
// constraints and transactions, this backend enforces by holding one mutex
// for the duration of each operation — the same single-writer serialization
// the sqlite backend falls back to, taken to its logical extreme.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/message"
)

type offsetKey struct {
	groupID  int64
	streamID string
}

// Backend is an in-memory backend.Backend.
type Backend struct {
	mu sync.Mutex

	streams  map[string]*backend.Stream
	messages []*message.Message // index i holds global_seq i+1

	scheduled []backend.ScheduleEntry

	groups      map[string]*backend.ConsumerGroup
	nextGroupID int64

	offsets      map[offsetKey]*backend.Offset
	nextOffsetID int64

	claimExpiry map[int64]time.Time // offset id -> claimed_at; ReleaseStaleClaims compares against its ttl param
	startFrom   map[int64]backend.StartFrom // group id -> its registered start point

	workers map[string]time.Time
}

// New returns an empty, ready-to-use Backend.
func New() *Backend {
	return &Backend{
		streams:     make(map[string]*backend.Stream),
		groups:      make(map[string]*backend.ConsumerGroup),
		offsets:     make(map[offsetKey]*backend.Offset),
		claimExpiry: make(map[int64]time.Time),
		startFrom:   make(map[int64]backend.StartFrom),
		workers:     make(map[string]time.Time),
	}
}

func (b *Backend) Install(ctx context.Context) error {
	return nil
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) appendLocked(streamID string, msgs []*message.Message, expectedSeq uint64, assignSeq bool) error {
	for _, m := range msgs {
		if m.StreamID != streamID {
			return backend.ErrDifferentStreamId
		}
	}

	st, ok := b.streams[streamID]
	if !ok {
		st = &backend.Stream{StreamID: streamID, Seq: 0, UpdatedAt: time.Now().UTC()}
		b.streams[streamID] = st
	}

	if assignSeq {
		expectedSeq = st.Seq
	} else if st.Seq != expectedSeq {
		return backend.ErrConcurrentAppend
	}

	next := expectedSeq
	for _, m := range msgs {
		next++
		if !assignSeq && m.Seq != next {
			return backend.ErrConcurrentAppend
		}
		m.Seq = next
		m.GlobalSeq = uint64(len(b.messages) + 1)
		b.messages = append(b.messages, m)
	}
	st.Seq = next
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Backend) AppendToStream(ctx context.Context, streamID string, msgs []*message.Message, expectedSeq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(streamID, msgs, expectedSeq, false)
}

func (b *Backend) AppendNextToStream(ctx context.Context, streamID string, msgs []*message.Message) error {
	const maxAppendRetries = 3
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		err = b.appendLocked(streamID, msgs, 0, true)
		if err == nil {
			return nil
		}
	}
	return err
}

func (b *Backend) ScheduleMessages(ctx context.Context, entries []backend.ScheduleEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = append(b.scheduled, entries...)
	return nil
}

func (b *Backend) UpdateSchedule(ctx context.Context) (int, error) {
	b.mu.Lock()
	now := time.Now().UTC()

	due := map[string][]*message.Message{}
	order := []string{}
	remaining := b.scheduled[:0]
	for _, e := range b.scheduled {
		if e.AvailableAt.After(now) {
			remaining = append(remaining, e)
			continue
		}
		if _, seen := due[e.Message.StreamID]; !seen {
			order = append(order, e.Message.StreamID)
		}
		due[e.Message.StreamID] = append(due[e.Message.StreamID], e.Message)
	}
	b.scheduled = remaining
	b.mu.Unlock()

	n := 0
	for _, streamID := range order {
		if err := b.AppendNextToStream(ctx, streamID, due[streamID]); err != nil {
			return n, err
		}
		n += len(due[streamID])
	}
	return n, nil
}

func (b *Backend) ensureOffset(group *backend.ConsumerGroup, streamID string) *backend.Offset {
	key := offsetKey{groupID: group.ID, streamID: streamID}
	if off, ok := b.offsets[key]; ok {
		return off
	}

	startSeq := b.startingGlobalSeq(group, streamID)
	b.nextOffsetID++
	off := &backend.Offset{
		ID:        b.nextOffsetID,
		GroupID:   group.ID,
		StreamID:  streamID,
		GlobalSeq: startSeq,
	}
	b.offsets[key] = off
	return off
}

func (b *Backend) startingGlobalSeq(group *backend.ConsumerGroup, streamID string) uint64 {
	sf := b.startFrom[group.ID]
	switch sf.Kind {
	case backend.StartFromNow:
		var last uint64
		for _, m := range b.messages {
			if m.StreamID == streamID {
				last = m.GlobalSeq
			}
		}
		return last
	case backend.StartFromTime:
		var last uint64
		for _, m := range b.messages {
			if m.StreamID == streamID && m.CreatedAt.Before(sf.At) {
				last = m.GlobalSeq
			}
		}
		return last
	case backend.StartFromSeq:
		var last uint64
		for _, m := range b.messages {
			if m.StreamID == streamID && m.Seq <= sf.Seq {
				last = m.GlobalSeq
			}
		}
		return last
	default: // beginning
		return 0
	}
}

func (b *Backend) ClaimNextBatch(ctx context.Context, info backend.ConsumerInfo, batchSize int, withHistory bool, workerID string) (*backend.WorkClaim, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	group, ok := b.groups[info.GroupID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", backend.ErrGroupNotFound, info.GroupID)
	}
	now := time.Now().UTC()
	if group.Status == backend.GroupStopped {
		return nil, false, nil
	}
	if group.RetryAt != nil && group.RetryAt.After(now) {
		return nil, false, nil
	}

	handled := toSet(info.HandledType)

	type candidate struct {
		streamID string
		offset   *backend.Offset
	}
	var candidates []candidate

	streamIDs := make([]string, 0, len(b.streams))
	for id := range b.streams {
		streamIDs = append(streamIDs, id)
	}
	sort.Strings(streamIDs)

	for _, streamID := range streamIDs {
		if !streamHasHandledBeyond(b.messages, streamID, handled, 0) {
			continue
		}
		off := b.ensureOffset(group, streamID)
		if off.Claimed {
			continue
		}
		if streamHasHandledBeyond(b.messages, streamID, handled, off.GlobalSeq) {
			candidates = append(candidates, candidate{streamID: streamID, offset: off})
		}
	}

	if len(candidates) == 0 {
		return nil, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].offset.GlobalSeq < candidates[j].offset.GlobalSeq
	})
	chosen := candidates[0]
	off := chosen.offset
	off.Claimed = true
	claimedAt := now
	off.ClaimedAt = &claimedAt
	off.ClaimedBy = workerID
	b.claimExpiry[off.ID] = now

	batch := fetchHandledAfter(b.messages, chosen.streamID, handled, off.GlobalSeq, batchSize)
	entries := make([]backend.BatchEntry, len(batch))
	for i, m := range batch {
		entries[i] = backend.BatchEntry{Message: m, Replaying: m.GlobalSeq <= group.HighestGlobalSeq}
	}

	var history []*message.Message
	if withHistory {
		for _, m := range b.messages {
			if m.StreamID == chosen.streamID {
				history = append(history, m)
			}
		}
	}

	return &backend.WorkClaim{
		OffsetID: off.ID,
		GroupID:  info.GroupID,
		StreamID: chosen.streamID,
		Batch:    entries,
		History:  history,
	}, true, nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}

func streamHasHandledBeyond(msgs []*message.Message, streamID string, handled map[string]bool, afterGlobalSeq uint64) bool {
	for _, m := range msgs {
		if m.StreamID == streamID && m.GlobalSeq > afterGlobalSeq && handled[m.Type] {
			return true
		}
	}
	return false
}

func fetchHandledAfter(msgs []*message.Message, streamID string, handled map[string]bool, afterGlobalSeq uint64, limit int) []*message.Message {
	var out []*message.Message
	for _, m := range msgs {
		if m.StreamID == streamID && m.GlobalSeq > afterGlobalSeq && handled[m.Type] {
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

func (b *Backend) Ack(ctx context.Context, groupID, streamID string, globalSeq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	group, ok := b.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
	}
	key := offsetKey{groupID: group.ID, streamID: streamID}
	off, ok := b.offsets[key]
	if !ok {
		b.nextOffsetID++
		off = &backend.Offset{ID: b.nextOffsetID, GroupID: group.ID, StreamID: streamID}
		b.offsets[key] = off
	}
	if globalSeq > off.GlobalSeq {
		off.GlobalSeq = globalSeq
	}
	if globalSeq > group.HighestGlobalSeq {
		group.HighestGlobalSeq = globalSeq
	}
	group.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Backend) ReleaseClaim(ctx context.Context, offsetID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, off := range b.offsets {
		if off.ID == offsetID {
			off.Claimed = false
			off.ClaimedAt = nil
			off.ClaimedBy = ""
			delete(b.claimExpiry, offsetID)
			return nil
		}
	}
	return nil
}

func (b *Backend) AckOn(ctx context.Context, groupID string, messageID string, block func(ctx context.Context) error) error {
	if err := block(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	var msg *message.Message
	for _, m := range b.messages {
		if m.ID.String() == messageID {
			msg = m
			break
		}
	}
	b.mu.Unlock()
	if msg == nil {
		return fmt.Errorf("backend/memory: ack_on: unknown message %s", messageID)
	}
	return b.Ack(ctx, groupID, msg.StreamID, msg.GlobalSeq)
}

func (b *Backend) UpdatingConsumerGroup(ctx context.Context, groupID string, block func(ctx context.Context, u *backend.GroupUpdater) error) error {
	b.mu.Lock()
	group, ok := b.groups[groupID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
	}

	u := &backend.GroupUpdater{Group: group}
	if err := block(ctx, u); err != nil {
		return err
	}

	stopped, stopReason, retried, retryAt, retryCtx := u.Decision()

	b.mu.Lock()
	defer b.mu.Unlock()
	if stopped {
		group.Status = backend.GroupStopped
		group.ErrorContext = map[string]any{"reason": stopReason}
	}
	if retried {
		group.RetryAt = &retryAt
		group.ErrorContext = retryCtx
	}
	group.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Backend) RegisterConsumerGroup(ctx context.Context, groupID string, startFrom backend.StartFrom) (*backend.ConsumerGroup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if g, ok := b.groups[groupID]; ok {
		return g, nil
	}
	b.nextGroupID++
	now := time.Now().UTC()
	g := &backend.ConsumerGroup{
		ID:        b.nextGroupID,
		GroupID:   groupID,
		Status:    backend.GroupActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.groups[groupID] = g
	b.startFrom[g.ID] = startFrom
	return g, nil
}

func (b *Backend) StartConsumerGroup(ctx context.Context, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
	}
	g.Status = backend.GroupActive
	g.RetryAt = nil
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Backend) StopConsumerGroup(ctx context.Context, groupID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
	}
	g.Status = backend.GroupStopped
	g.ErrorContext = map[string]any{"reason": reason}
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Backend) ResetConsumerGroup(ctx context.Context, groupID string, startFrom backend.StartFrom) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
	}
	b.startFrom[g.ID] = startFrom
	g.Status = backend.GroupActive
	g.RetryAt = nil
	for key := range b.offsets {
		if key.groupID == g.ID {
			delete(b.offsets, key)
		}
	}
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (b *Backend) GetConsumerGroup(ctx context.Context, groupID string) (*backend.ConsumerGroup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
	}
	cp := *g
	return &cp, nil
}

func (b *Backend) ReadStream(ctx context.Context, streamID string, uptoSeq uint64) ([]*message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[streamID]; !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrStreamNotFound, streamID)
	}
	var out []*message.Message
	for _, m := range b.messages {
		if m.StreamID != streamID {
			continue
		}
		if uptoSeq > 0 && m.Seq > uptoSeq {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *Backend) ReadCorrelationBatch(ctx context.Context, correlationID string) ([]*message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*message.Message
	for _, m := range b.messages {
		if m.CorrelationID.String() == correlationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *Backend) Transaction(ctx context.Context, block func(ctx context.Context) error) error {
	return block(ctx)
}

func (b *Backend) WorkerHeartbeat(ctx context.Context, workerIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range workerIDs {
		b.workers[id] = now
	}
	return nil
}

func (b *Backend) ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().UTC().Add(-ttl)
	n := 0
	for id, claimedAt := range b.claimExpiry {
		if claimedAt.After(cutoff) {
			continue
		}
		for _, off := range b.offsets {
			if off.ID == id {
				off.Claimed = false
				off.ClaimedAt = nil
				off.ClaimedBy = ""
			}
		}
		delete(b.claimExpiry, id)
		n++
	}
	return n, nil
}

func (b *Backend) Stats(ctx context.Context) ([]backend.GroupStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]backend.GroupStats, 0, len(b.groups))
	for _, g := range b.groups {
		active := 0
		for _, off := range b.offsets {
			if off.GroupID == g.ID && off.Claimed {
				active++
			}
		}
		retryCount := 0
		if g.ErrorContext != nil {
			if rc, ok := g.ErrorContext["retry_count"].(int); ok {
				retryCount = rc
			}
		}
		out = append(out, backend.GroupStats{
			GroupID:          g.GroupID,
			Status:           g.Status,
			HighestGlobalSeq: g.HighestGlobalSeq,
			RetryAt:          g.RetryAt,
			RetryCount:       retryCount,
			ActiveClaims:     active,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}
