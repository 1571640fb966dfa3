// Package sqlite implements backend.Backend on top of SQLite via
// mattn/go-sqlite3. SQLite has no SELECT ... FOR UPDATE SKIP LOCKED, so this
// backend falls back to a per-Backend sync.Mutex held for the duration of
// every write transaction — database-level single-writer serialization, per
// spec.md §9's design note for single-process backends.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/thrasher-corp/goose"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/message"
	"github.com/cuemby/sequent/pkg/migrations"
	"github.com/cuemby/sequent/pkg/notifier"
)

// Backend is a SQLite-backed backend.Backend.
type Backend struct {
	db     *sql.DB
	mu     sync.Mutex // serializes every write transaction
	logger zerolog.Logger
	fanout *notifier.Fanout
}

// Open opens dsn (a file path, or ":memory:") and returns a ready Backend.
// fanout may be nil if the caller wires notification dispatch separately.
func Open(dsn string, fanout *notifier.Fanout) (*Backend, error) {
	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("backend/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers regardless
	return &Backend{db: db, logger: log.WithComponent("backend.sqlite"), fanout: fanout}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Install(ctx context.Context) error {
	goose.SetBaseFS(migrations.SQLite)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("backend/sqlite: set dialect: %w", err)
	}
	if err := goose.Up(b.db, "sqlite"); err != nil {
		return fmt.Errorf("backend/sqlite: migrate: %w", err)
	}
	return nil
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func encodeMetadata(m message.Metadata) (string, error) {
	if m == nil {
		m = message.Metadata{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeMetadata(s string) message.Metadata {
	var m message.Metadata
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func (b *Backend) notify(types []string) {
	if b.fanout != nil {
		b.fanout.Dispatch(types)
	}
}

// withWriteTx runs fn inside a transaction while holding the single-writer
// mutex, committing on success and rolling back on error.
func (b *Backend) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *Backend) appendTx(ctx context.Context, tx *sql.Tx, streamID string, msgs []*message.Message, expectedSeq uint64, assignSeq bool) error {
	for _, m := range msgs {
		if m.StreamID != streamID {
			return backend.ErrDifferentStreamId
		}
	}

	var currentSeq uint64
	var exists bool
	row := tx.QueryRowContext(ctx, `SELECT seq FROM streams WHERE stream_id = ?`, streamID)
	switch err := row.Scan(&currentSeq); err {
	case nil:
		exists = true
	case sql.ErrNoRows:
		exists = false
	default:
		return err
	}

	if assignSeq {
		expectedSeq = currentSeq
	} else if exists && currentSeq != expectedSeq {
		return backend.ErrConcurrentAppend
	} else if !exists && expectedSeq != 0 {
		return backend.ErrConcurrentAppend
	}

	next := expectedSeq
	now := time.Now().UTC()
	types := make([]string, 0, len(msgs))
	for _, m := range msgs {
		next++
		if !assignSeq && m.Seq != next {
			return backend.ErrConcurrentAppend
		}
		m.Seq = next
		metaJSON, err := encodeMetadata(m.Metadata)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, stream_id, seq, type, created_at, causation_id, correlation_id, metadata, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID.String(), m.StreamID, m.Seq, m.Type, ts(m.CreatedAt), m.CausationID.String(), m.CorrelationID.String(), metaJSON, string(m.Payload))
		if err != nil {
			return backend.ErrConcurrentAppend
		}
		globalSeq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		m.GlobalSeq = uint64(globalSeq)
		types = append(types, m.Type)
	}

	if exists {
		if _, err := tx.ExecContext(ctx, `UPDATE streams SET seq = ?, updated_at = ? WHERE stream_id = ?`, next, ts(now), streamID); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `INSERT INTO streams (stream_id, seq, updated_at) VALUES (?, ?, ?)`, streamID, next, ts(now)); err != nil {
			return err
		}
	}

	defer b.notify(types)
	return nil
}

func (b *Backend) AppendToStream(ctx context.Context, streamID string, msgs []*message.Message, expectedSeq uint64) error {
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		return b.appendTx(ctx, tx, streamID, msgs, expectedSeq, false)
	})
}

func (b *Backend) AppendNextToStream(ctx context.Context, streamID string, msgs []*message.Message) error {
	const maxAppendRetries = 3
	var err error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		err = b.withWriteTx(ctx, func(tx *sql.Tx) error {
			return b.appendTx(ctx, tx, streamID, msgs, 0, true)
		})
		if err == nil {
			return nil
		}
	}
	return err
}

func (b *Backend) ScheduleMessages(ctx context.Context, entries []backend.ScheduleEntry) error {
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			m := e.Message
			metaJSON, err := encodeMetadata(m.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO scheduled_messages (message_id, stream_id, type, created_at, causation_id, correlation_id, metadata, payload, available_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID.String(), m.StreamID, m.Type, ts(m.CreatedAt), m.CausationID.String(), m.CorrelationID.String(), metaJSON, string(m.Payload), ts(e.AvailableAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) UpdateSchedule(ctx context.Context) (int, error) {
	b.mu.Lock()
	now := ts(time.Now().UTC())
	rows, err := b.db.QueryContext(ctx, `
		SELECT message_id, stream_id, type, created_at, causation_id, correlation_id, metadata, payload
		FROM scheduled_messages WHERE available_at <= ? ORDER BY id ASC`, now)
	if err != nil {
		b.mu.Unlock()
		return 0, err
	}
	byStream := map[string][]*message.Message{}
	var order []string
	var ids []string
	for rows.Next() {
		var idStr, streamID, msgType, createdAt, causationID, correlationID, metaJSON, payload string
		if err := rows.Scan(&idStr, &streamID, &msgType, &createdAt, &causationID, &correlationID, &metaJSON, &payload); err != nil {
			rows.Close()
			b.mu.Unlock()
			return 0, err
		}
		m := &message.Message{
			StreamID:  streamID,
			Type:      msgType,
			CreatedAt: parseTS(createdAt),
			Metadata:  decodeMetadata(metaJSON),
			Payload:   []byte(payload),
		}
		_ = m.ID.UnmarshalText([]byte(idStr))
		_ = m.CausationID.UnmarshalText([]byte(causationID))
		_ = m.CorrelationID.UnmarshalText([]byte(correlationID))
		if _, seen := byStream[streamID]; !seen {
			order = append(order, streamID)
		}
		byStream[streamID] = append(byStream[streamID], m)
		ids = append(ids, idStr)
	}
	rows.Close()
	b.mu.Unlock()

	n := 0
	for _, streamID := range order {
		if err := b.AppendNextToStream(ctx, streamID, byStream[streamID]); err != nil {
			return n, err
		}
		n += len(byStream[streamID])
	}

	if len(ids) > 0 {
		if err := b.withWriteTx(ctx, func(tx *sql.Tx) error {
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_messages WHERE message_id = ?`, id); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return n, err
		}
	}
	return n, nil
}

type groupRow struct {
	id               int64
	status           string
	highestGlobalSeq uint64
	retryAt          sql.NullString
	errorContext     string
}

func (b *Backend) loadGroup(ctx context.Context, tx *sql.Tx, groupID string) (*groupRow, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, status, highest_global_seq, retry_at, error_context FROM consumer_groups WHERE group_id = ?`, groupID)
	var g groupRow
	if err := row.Scan(&g.id, &g.status, &g.highestGlobalSeq, &g.retryAt, &g.errorContext); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
		}
		return nil, err
	}
	return &g, nil
}

func (b *Backend) ClaimNextBatch(ctx context.Context, info backend.ConsumerInfo, batchSize int, withHistory bool, workerID string) (*backend.WorkClaim, bool, error) {
	var result *backend.WorkClaim
	var ok bool

	err := b.withWriteTx(ctx, func(tx *sql.Tx) error {
		g, err := b.loadGroup(ctx, tx, info.GroupID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if g.status == string(backend.GroupStopped) {
			return nil
		}
		if g.retryAt.Valid && parseTS(g.retryAt.String).After(now) {
			return nil
		}

		placeholders, args := inClause(info.HandledType)
		if len(args) == 0 {
			return nil
		}

		streamRows, err := tx.QueryContext(ctx, `
			SELECT s.stream_id,
			       COALESCE(o.id, 0), COALESCE(o.global_seq, -1), COALESCE(o.claimed, 0)
			FROM streams s
			LEFT JOIN offsets o ON o.stream_id = s.stream_id AND o.group_id = ?
			ORDER BY s.stream_id`, append([]any{g.id})...)
		if err != nil {
			return err
		}
		type streamState struct {
			streamID  string
			offsetID  int64
			globalSeq int64
			claimed   bool
			hasOffset bool
		}
		var states []streamState
		for streamRows.Next() {
			var s streamState
			var offsetID sql.NullInt64
			var claimedInt int
			if err := streamRows.Scan(&s.streamID, &offsetID, &s.globalSeq, &claimedInt); err != nil {
				streamRows.Close()
				return err
			}
			s.hasOffset = offsetID.Valid && offsetID.Int64 != 0
			s.offsetID = offsetID.Int64
			s.claimed = claimedInt != 0
			states = append(states, s)
		}
		streamRows.Close()

		type candidate struct {
			streamID  string
			offsetID  int64
			globalSeq uint64
		}
		var candidates []candidate
		for _, s := range states {
			if s.claimed {
				continue
			}
			afterSeq := uint64(0)
			offsetID := s.offsetID
			if s.hasOffset {
				afterSeq = uint64(s.globalSeq)
			} else {
				start, err := b.startingGlobalSeq(ctx, tx, g.id, s.streamID, info.StartFrom)
				if err != nil {
					return err
				}
				afterSeq = start
				offsetID, err = b.createOffset(ctx, tx, g.id, s.streamID, start)
				if err != nil {
					return err
				}
			}
			has, err := b.streamHasHandledBeyond(ctx, tx, s.streamID, placeholders, args, afterSeq)
			if err != nil {
				return err
			}
			if has {
				candidates = append(candidates, candidate{streamID: s.streamID, offsetID: offsetID, globalSeq: afterSeq})
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].globalSeq < candidates[j].globalSeq })
		chosen := candidates[0]

		res, err := tx.ExecContext(ctx, `UPDATE offsets SET claimed = 1, claimed_at = ?, claimed_by = ? WHERE id = ? AND claimed = 0`,
			ts(now), workerID, chosen.offsetID)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return nil // lost the race to another worker
		}

		batch, err := b.fetchHandledAfter(ctx, tx, chosen.streamID, placeholders, args, chosen.globalSeq, batchSize)
		if err != nil {
			return err
		}
		entries := make([]backend.BatchEntry, len(batch))
		for i, m := range batch {
			entries[i] = backend.BatchEntry{Message: m, Replaying: m.GlobalSeq <= g.highestGlobalSeq}
		}

		if len(entries) > 0 {
			expiresAt := now.Add(backend.DefaultEventClaimTTL)
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO event_claims (event_global_seq, stream_id, group_id, worker_id, claimed_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				entries[0].Message.GlobalSeq, chosen.streamID, g.id, workerID, ts(now), ts(expiresAt)); err != nil {
				return err
			}
		}

		var history []*message.Message
		if withHistory {
			history, err = b.readStreamTx(ctx, tx, chosen.streamID, 0)
			if err != nil {
				return err
			}
		}

		result = &backend.WorkClaim{
			OffsetID: chosen.offsetID,
			GroupID:  info.GroupID,
			StreamID: chosen.streamID,
			Batch:    entries,
			History:  history,
		}
		ok = true
		return nil
	})
	return result, ok, err
}

func inClause(items []string) (string, []any) {
	if len(items) == 0 {
		return "", nil
	}
	placeholders := ""
	args := make([]any, len(items))
	for i, it := range items {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = it
	}
	return placeholders, args
}

func (b *Backend) startingGlobalSeq(ctx context.Context, tx *sql.Tx, groupID int64, streamID string, startFrom backend.StartFrom) (uint64, error) {
	var query string
	var args []any
	switch startFrom.Kind {
	case backend.StartFromNow:
		query = `SELECT COALESCE(MAX(global_seq), 0) FROM messages WHERE stream_id = ?`
		args = []any{streamID}
	case backend.StartFromTime:
		query = `SELECT COALESCE(MAX(global_seq), 0) FROM messages WHERE stream_id = ? AND created_at < ?`
		args = []any{streamID, ts(startFrom.At)}
	case backend.StartFromSeq:
		query = `SELECT COALESCE(MAX(global_seq), 0) FROM messages WHERE stream_id = ? AND seq <= ?`
		args = []any{streamID, startFrom.Seq}
	default:
		return 0, nil
	}
	var seq uint64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (b *Backend) createOffset(ctx context.Context, tx *sql.Tx, groupID int64, streamID string, startSeq uint64) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO offsets (group_id, stream_id, global_seq) VALUES (?, ?, ?)`, groupID, streamID, startSeq)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (b *Backend) streamHasHandledBeyond(ctx context.Context, tx *sql.Tx, streamID, placeholders string, typeArgs []any, afterSeq uint64) (bool, error) {
	args := append([]any{streamID, afterSeq}, typeArgs...)
	query := fmt.Sprintf(`SELECT 1 FROM messages WHERE stream_id = ? AND global_seq > ? AND type IN (%s) LIMIT 1`, placeholders)
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (b *Backend) fetchHandledAfter(ctx context.Context, tx *sql.Tx, streamID, placeholders string, typeArgs []any, afterSeq uint64, limit int) ([]*message.Message, error) {
	args := append([]any{streamID, afterSeq}, typeArgs...)
	query := fmt.Sprintf(`
		SELECT global_seq, id, stream_id, seq, type, created_at, causation_id, correlation_id, metadata, payload
		FROM messages WHERE stream_id = ? AND global_seq > ? AND type IN (%s) ORDER BY global_seq ASC`, placeholders)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*message.Message, error) {
	var out []*message.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessageRow(rows *sql.Rows) (*message.Message, error) {
	var globalSeq, seq uint64
	var idStr, streamID, msgType, createdAt, causationID, correlationID, metaJSON, payload string
	if err := rows.Scan(&globalSeq, &idStr, &streamID, &seq, &msgType, &createdAt, &causationID, &correlationID, &metaJSON, &payload); err != nil {
		return nil, err
	}
	m := &message.Message{
		GlobalSeq: globalSeq,
		StreamID:  streamID,
		Seq:       seq,
		Type:      msgType,
		CreatedAt: parseTS(createdAt),
		Metadata:  decodeMetadata(metaJSON),
		Payload:   []byte(payload),
	}
	_ = m.ID.UnmarshalText([]byte(idStr))
	_ = m.CausationID.UnmarshalText([]byte(causationID))
	_ = m.CorrelationID.UnmarshalText([]byte(correlationID))
	return m, nil
}

func (b *Backend) Ack(ctx context.Context, groupID, streamID string, globalSeq uint64) error {
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		g, err := b.loadGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO offsets (group_id, stream_id, global_seq) VALUES (?, ?, ?)
			ON CONFLICT(group_id, stream_id) DO UPDATE SET global_seq = MAX(global_seq, excluded.global_seq)`,
			g.id, streamID, globalSeq)
		if err != nil {
			return err
		}
		if globalSeq > g.highestGlobalSeq {
			if _, err = tx.ExecContext(ctx, `UPDATE consumer_groups SET highest_global_seq = ?, updated_at = ? WHERE id = ?`, globalSeq, ts(time.Now().UTC()), g.id); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM event_claims WHERE group_id = ? AND stream_id = ? AND event_global_seq <= ?`, g.id, streamID, globalSeq)
		return err
	})
}

func (b *Backend) ReleaseClaim(ctx context.Context, offsetID int64) error {
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE offsets SET claimed = 0, claimed_at = NULL, claimed_by = NULL WHERE id = ?`, offsetID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM event_claims
			WHERE group_id = (SELECT group_id FROM offsets WHERE id = ?)
			  AND stream_id = (SELECT stream_id FROM offsets WHERE id = ?)`, offsetID, offsetID)
		return err
	})
}

func (b *Backend) AckOn(ctx context.Context, groupID string, messageID string, block func(ctx context.Context) error) error {
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := block(ctx); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT stream_id, global_seq FROM messages WHERE id = ?`, messageID)
		var streamID string
		var globalSeq uint64
		if err := row.Scan(&streamID, &globalSeq); err != nil {
			return err
		}
		g, err := b.loadGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO offsets (group_id, stream_id, global_seq) VALUES (?, ?, ?)
			ON CONFLICT(group_id, stream_id) DO UPDATE SET global_seq = MAX(global_seq, excluded.global_seq)`,
			g.id, streamID, globalSeq)
		return err
	})
}

func (b *Backend) UpdatingConsumerGroup(ctx context.Context, groupID string, block func(ctx context.Context, u *backend.GroupUpdater) error) error {
	group, err := b.GetConsumerGroup(ctx, groupID)
	if err != nil {
		return err
	}
	u := &backend.GroupUpdater{Group: group}
	if err := block(ctx, u); err != nil {
		return err
	}
	stopped, stopReason, retried, retryAt, retryCtx := u.Decision()

	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		if stopped {
			ctxJSON, _ := json.Marshal(map[string]any{"reason": stopReason})
			_, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET status = 'stopped', error_context = ?, updated_at = ? WHERE group_id = ?`,
				string(ctxJSON), ts(time.Now().UTC()), groupID)
			return err
		}
		if retried {
			ctxJSON, _ := json.Marshal(retryCtx)
			_, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET retry_at = ?, error_context = ?, updated_at = ? WHERE group_id = ?`,
				ts(retryAt), string(ctxJSON), ts(time.Now().UTC()), groupID)
			return err
		}
		return nil
	})
}

func (b *Backend) RegisterConsumerGroup(ctx context.Context, groupID string, startFrom backend.StartFrom) (*backend.ConsumerGroup, error) {
	if g, err := b.GetConsumerGroup(ctx, groupID); err == nil {
		return g, nil
	}
	now := ts(time.Now().UTC())
	err := b.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO consumer_groups (group_id, status, created_at, updated_at) VALUES (?, 'active', ?, ?)`, groupID, now, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b.GetConsumerGroup(ctx, groupID)
}

func (b *Backend) StartConsumerGroup(ctx context.Context, groupID string) error {
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET status = 'active', retry_at = NULL, updated_at = ? WHERE group_id = ?`, ts(time.Now().UTC()), groupID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
		}
		return nil
	})
}

func (b *Backend) StopConsumerGroup(ctx context.Context, groupID, reason string) error {
	ctxJSON, _ := json.Marshal(map[string]any{"reason": reason})
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET status = 'stopped', error_context = ?, updated_at = ? WHERE group_id = ?`, string(ctxJSON), ts(time.Now().UTC()), groupID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
		}
		return nil
	})
}

func (b *Backend) ResetConsumerGroup(ctx context.Context, groupID string, startFrom backend.StartFrom) error {
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		var groupPK int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM consumer_groups WHERE group_id = ?`, groupID).Scan(&groupPK); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM offsets WHERE group_id = ?`, groupPK); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET status = 'active', retry_at = NULL, updated_at = ? WHERE id = ?`, ts(time.Now().UTC()), groupPK)
		return err
	})
}

func (b *Backend) GetConsumerGroup(ctx context.Context, groupID string) (*backend.ConsumerGroup, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id, group_id, status, highest_global_seq, retry_at, error_context, created_at, updated_at FROM consumer_groups WHERE group_id = ?`, groupID)
	var g backend.ConsumerGroup
	var status string
	var retryAt sql.NullString
	var errCtx, createdAt, updatedAt string
	if err := row.Scan(&g.ID, &g.GroupID, &status, &g.HighestGlobalSeq, &retryAt, &errCtx, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
		}
		return nil, err
	}
	g.Status = backend.GroupStatus(status)
	if retryAt.Valid {
		t := parseTS(retryAt.String)
		g.RetryAt = &t
	}
	_ = json.Unmarshal([]byte(errCtx), &g.ErrorContext)
	g.CreatedAt = parseTS(createdAt)
	g.UpdatedAt = parseTS(updatedAt)
	return &g, nil
}

func (b *Backend) readStreamTx(ctx context.Context, tx *sql.Tx, streamID string, uptoSeq uint64) ([]*message.Message, error) {
	query := `SELECT global_seq, id, stream_id, seq, type, created_at, causation_id, correlation_id, metadata, payload FROM messages WHERE stream_id = ?`
	args := []any{streamID}
	if uptoSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, uptoSeq)
	}
	query += " ORDER BY seq ASC"
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (b *Backend) ReadStream(ctx context.Context, streamID string, uptoSeq uint64) ([]*message.Message, error) {
	var exists int
	if err := b.db.QueryRowContext(ctx, `SELECT 1 FROM streams WHERE stream_id = ?`, streamID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", backend.ErrStreamNotFound, streamID)
		}
		return nil, err
	}
	query := `SELECT global_seq, id, stream_id, seq, type, created_at, causation_id, correlation_id, metadata, payload FROM messages WHERE stream_id = ?`
	args := []any{streamID}
	if uptoSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, uptoSeq)
	}
	query += " ORDER BY seq ASC"
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (b *Backend) ReadCorrelationBatch(ctx context.Context, correlationID string) ([]*message.Message, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT global_seq, id, stream_id, seq, type, created_at, causation_id, correlation_id, metadata, payload
		FROM messages WHERE correlation_id = ? ORDER BY global_seq ASC`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (b *Backend) Transaction(ctx context.Context, block func(ctx context.Context) error) error {
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		return block(context.WithValue(ctx, txKey{}, tx))
	})
}

type txKey struct{}

func (b *Backend) WorkerHeartbeat(ctx context.Context, workerIDs []string) error {
	return b.withWriteTx(ctx, func(tx *sql.Tx) error {
		now := ts(time.Now().UTC())
		for _, id := range workerIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workers (worker_id, last_seen_at) VALUES (?, ?)
				ON CONFLICT(worker_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`, id, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := ts(time.Now().UTC().Add(-ttl))
	now := ts(time.Now().UTC())
	var n int
	err := b.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE offsets SET claimed = 0, claimed_at = NULL, claimed_by = NULL WHERE claimed = 1 AND claimed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		_, err = tx.ExecContext(ctx, `DELETE FROM event_claims WHERE expires_at < ?`, now)
		return err
	})
	return n, err
}

func (b *Backend) Stats(ctx context.Context) ([]backend.GroupStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT cg.group_id, cg.status, cg.highest_global_seq, cg.retry_at, cg.error_context,
		       (SELECT COUNT(*) FROM offsets o WHERE o.group_id = cg.id AND o.claimed = 1)
		FROM consumer_groups cg ORDER BY cg.group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.GroupStats
	for rows.Next() {
		var groupID, status, errCtx string
		var highestGlobalSeq uint64
		var retryAt sql.NullString
		var activeClaims int
		if err := rows.Scan(&groupID, &status, &highestGlobalSeq, &retryAt, &errCtx, &activeClaims); err != nil {
			return nil, err
		}
		gs := backend.GroupStats{GroupID: groupID, Status: backend.GroupStatus(status), HighestGlobalSeq: highestGlobalSeq, ActiveClaims: activeClaims}
		if retryAt.Valid {
			t := parseTS(retryAt.String)
			gs.RetryAt = &t
		}
		var ctxMap map[string]any
		_ = json.Unmarshal([]byte(errCtx), &ctxMap)
		if rc, ok := ctxMap["retry_count"].(float64); ok {
			gs.RetryCount = int(rc)
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}
