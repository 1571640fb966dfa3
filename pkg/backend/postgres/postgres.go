// Package postgres implements backend.Backend on top of PostgreSQL via
// lib/pq. Unlike pkg/backend/sqlite, it needs no process-wide write mutex:
// SELECT ... FOR UPDATE SKIP LOCKED lets any number of router workers, in
// any number of processes, claim disjoint offsets concurrently, and
// pg_notify/LISTEN replaces the in-process inline fanout callback.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/thrasher-corp/goose"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/message"
	"github.com/cuemby/sequent/pkg/migrations"
	"github.com/cuemby/sequent/pkg/notifier"
)

// Backend is a PostgreSQL-backed backend.Backend.
type Backend struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens dsn and sets the pool's max open and idle connections to
// maxOpenConns and maxIdleConns when they are positive (zero keeps the
// database/sql default). Notification delivery is
// handled separately by notifier.PostgresNotifier, which LISTENs on
// notifier.Channel; this backend only publishes via pg_notify.
func Open(dsn string, maxOpenConns, maxIdleConns int) (*Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("backend/postgres: open: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	return &Backend{db: db, logger: log.WithComponent("backend.postgres")}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Install(ctx context.Context) error {
	goose.SetBaseFS(migrations.Postgres)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("backend/postgres: set dialect: %w", err)
	}
	if err := goose.Up(b.db, "postgres"); err != nil {
		return fmt.Errorf("backend/postgres: migrate: %w", err)
	}
	return nil
}

func encodeMetadata(m message.Metadata) ([]byte, error) {
	if m == nil {
		m = message.Metadata{}
	}
	return json.Marshal(m)
}

func decodeMetadata(raw []byte) message.Metadata {
	var m message.Metadata
	_ = json.Unmarshal(raw, &m)
	return m
}

func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func notifyTx(ctx context.Context, tx *sql.Tx, types []string) error {
	payload, err := notifier.EncodePayload(types)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifier.Channel, payload)
	return err
}

func (b *Backend) appendTx(ctx context.Context, tx *sql.Tx, streamID string, msgs []*message.Message, expectedSeq uint64, assignSeq bool) error {
	for _, m := range msgs {
		if m.StreamID != streamID {
			return backend.ErrDifferentStreamId
		}
	}

	var currentSeq uint64
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT seq FROM streams WHERE stream_id = $1 FOR UPDATE`, streamID).Scan(&currentSeq)
	switch err {
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
		row := tx.QueryRowContext(ctx, `
			INSERT INTO messages (id, stream_id, seq, type, created_at, causation_id, correlation_id, metadata, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING global_seq`,
			m.ID, m.StreamID, m.Seq, m.Type, m.CreatedAt, m.CausationID, m.CorrelationID, metaJSON, []byte(m.Payload))
		var globalSeq uint64
		if err := row.Scan(&globalSeq); err != nil {
			if isUniqueViolation(err) {
				return backend.ErrConcurrentAppend
			}
			return err
		}
		m.GlobalSeq = globalSeq
		types = append(types, m.Type)
	}

	now := time.Now().UTC()
	if exists {
		if _, err := tx.ExecContext(ctx, `UPDATE streams SET seq = $1, updated_at = $2 WHERE stream_id = $3`, next, now, streamID); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `INSERT INTO streams (stream_id, seq, updated_at) VALUES ($1, $2, $3)`, streamID, next, now); err != nil {
			return err
		}
	}

	return notifyTx(ctx, tx, types)
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

func (b *Backend) AppendToStream(ctx context.Context, streamID string, msgs []*message.Message, expectedSeq uint64) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return b.appendTx(ctx, tx, streamID, msgs, expectedSeq, false)
	})
}

func (b *Backend) AppendNextToStream(ctx context.Context, streamID string, msgs []*message.Message) error {
	const maxAppendRetries = 3
	var err error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		err = b.withTx(ctx, func(tx *sql.Tx) error {
			return b.appendTx(ctx, tx, streamID, msgs, 0, true)
		})
		if err == nil {
			return nil
		}
	}
	return err
}

func (b *Backend) ScheduleMessages(ctx context.Context, entries []backend.ScheduleEntry) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			m := e.Message
			metaJSON, err := encodeMetadata(m.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO scheduled_messages (message_id, stream_id, type, created_at, causation_id, correlation_id, metadata, payload, available_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				m.ID, m.StreamID, m.Type, m.CreatedAt, m.CausationID, m.CorrelationID, metaJSON, []byte(m.Payload), e.AvailableAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) UpdateSchedule(ctx context.Context) (int, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT message_id, stream_id, type, created_at, causation_id, correlation_id, metadata, payload
		FROM scheduled_messages WHERE available_at <= now() ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}
	byStream := map[string][]*message.Message{}
	var order []string
	var ids []string
	for rows.Next() {
		var id, streamID, msgType string
		var createdAt time.Time
		var causationID, correlationID string
		var metaRaw, payload []byte
		if err := rows.Scan(&id, &streamID, &msgType, &createdAt, &causationID, &correlationID, &metaRaw, &payload); err != nil {
			rows.Close()
			return 0, err
		}
		m := &message.Message{StreamID: streamID, Type: msgType, CreatedAt: createdAt, Metadata: decodeMetadata(metaRaw), Payload: payload}
		_ = m.ID.UnmarshalText([]byte(id))
		_ = m.CausationID.UnmarshalText([]byte(causationID))
		_ = m.CorrelationID.UnmarshalText([]byte(correlationID))
		if _, seen := byStream[streamID]; !seen {
			order = append(order, streamID)
		}
		byStream[streamID] = append(byStream[streamID], m)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, streamID := range order {
		if err := b.AppendNextToStream(ctx, streamID, byStream[streamID]); err != nil {
			return n, err
		}
		n += len(byStream[streamID])
	}

	if len(ids) > 0 {
		if err := b.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM scheduled_messages WHERE message_id = ANY($1)`, pq.Array(ids))
			return err
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
	retryAt          sql.NullTime
	errorContext     []byte
}

func (b *Backend) loadGroupForUpdate(ctx context.Context, tx *sql.Tx, groupID string) (*groupRow, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, status, highest_global_seq, retry_at, error_context FROM consumer_groups WHERE group_id = $1 FOR UPDATE`, groupID)
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

	err := b.withTx(ctx, func(tx *sql.Tx) error {
		g, err := b.loadGroupForUpdate(ctx, tx, info.GroupID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if g.status == string(backend.GroupStopped) {
			return nil
		}
		if g.retryAt.Valid && g.retryAt.Time.After(now) {
			return nil
		}

		// Lock every stream with unclaimed, caught-up-or-ahead handled
		// messages beyond its current offset, skip ones already locked by a
		// concurrent claimer, and take the one with the smallest pending
		// global_seq — this is the Postgres-native equivalent of the
		// memory/sqlite backends' scan-and-pick loop.
		row := tx.QueryRowContext(ctx, `
			SELECT o.id, o.stream_id, o.global_seq
			FROM offsets o
			JOIN streams s ON s.stream_id = o.stream_id
			WHERE o.group_id = $1 AND o.claimed = false
			  AND EXISTS (
			      SELECT 1 FROM messages m
			      WHERE m.stream_id = o.stream_id AND m.global_seq > o.global_seq AND m.type = ANY($2)
			  )
			ORDER BY (SELECT MIN(m2.global_seq) FROM messages m2 WHERE m2.stream_id = o.stream_id AND m2.global_seq > o.global_seq AND m2.type = ANY($2)) ASC
			FOR UPDATE OF o SKIP LOCKED
			LIMIT 1`,
			g.id, pq.Array(info.HandledType))

		var offsetID int64
		var streamID string
		var afterSeq uint64
		err = row.Scan(&offsetID, &streamID, &afterSeq)
		if err == sql.ErrNoRows {
			// No existing offset row is eligible; look for a stream this
			// group has never seen and lazily create its offset.
			streamID, afterSeq, err = b.pickUnseenStream(ctx, tx, g.id, info)
			if err != nil {
				return err
			}
			if streamID == "" {
				return nil
			}
			offsetID, err = b.createOffset(ctx, tx, g.id, streamID, afterSeq)
			if err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE offsets SET claimed = true, claimed_at = $1, claimed_by = $2 WHERE id = $3 AND claimed = false`, now, workerID, offsetID)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil
		}

		batch, err := b.fetchHandledAfter(ctx, tx, streamID, info.HandledType, afterSeq, batchSize)
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
				INSERT INTO event_claims (event_global_seq, stream_id, group_id, worker_id, claimed_at, expires_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (event_global_seq, group_id) WHERE event_global_seq IS NOT NULL DO NOTHING`,
				entries[0].Message.GlobalSeq, streamID, g.id, workerID, now, expiresAt); err != nil {
				return err
			}
		}

		var history []*message.Message
		if withHistory {
			history, err = b.readStreamTx(ctx, tx, streamID, 0)
			if err != nil {
				return err
			}
		}

		result = &backend.WorkClaim{OffsetID: offsetID, GroupID: info.GroupID, StreamID: streamID, Batch: entries, History: history}
		ok = true
		return nil
	})
	return result, ok, err
}

func (b *Backend) pickUnseenStream(ctx context.Context, tx *sql.Tx, groupPK int64, info backend.ConsumerInfo) (string, uint64, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT s.stream_id
		FROM streams s
		WHERE NOT EXISTS (SELECT 1 FROM offsets o WHERE o.group_id = $1 AND o.stream_id = s.stream_id)
		  AND EXISTS (SELECT 1 FROM messages m WHERE m.stream_id = s.stream_id AND m.type = ANY($2))
		ORDER BY s.stream_id
		LIMIT 1`, groupPK, pq.Array(info.HandledType))
	var streamID string
	if err := row.Scan(&streamID); err != nil {
		if err == sql.ErrNoRows {
			return "", 0, nil
		}
		return "", 0, err
	}
	start, err := b.startingGlobalSeq(ctx, tx, streamID, info.StartFrom)
	return streamID, start, err
}

func (b *Backend) startingGlobalSeq(ctx context.Context, tx *sql.Tx, streamID string, startFrom backend.StartFrom) (uint64, error) {
	var query string
	var args []any
	switch startFrom.Kind {
	case backend.StartFromNow:
		query = `SELECT COALESCE(MAX(global_seq), 0) FROM messages WHERE stream_id = $1`
		args = []any{streamID}
	case backend.StartFromTime:
		query = `SELECT COALESCE(MAX(global_seq), 0) FROM messages WHERE stream_id = $1 AND created_at < $2`
		args = []any{streamID, startFrom.At}
	case backend.StartFromSeq:
		query = `SELECT COALESCE(MAX(global_seq), 0) FROM messages WHERE stream_id = $1 AND seq <= $2`
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

func (b *Backend) createOffset(ctx context.Context, tx *sql.Tx, groupPK int64, streamID string, startSeq uint64) (int64, error) {
	row := tx.QueryRowContext(ctx, `INSERT INTO offsets (group_id, stream_id, global_seq) VALUES ($1, $2, $3) RETURNING id`, groupPK, streamID, startSeq)
	var id int64
	return id, row.Scan(&id)
}

func (b *Backend) fetchHandledAfter(ctx context.Context, tx *sql.Tx, streamID string, types []string, afterSeq uint64, limit int) ([]*message.Message, error) {
	query := `
		SELECT global_seq, id, stream_id, seq, type, created_at, causation_id, correlation_id, metadata, payload
		FROM messages WHERE stream_id = $1 AND global_seq > $2 AND type = ANY($3) ORDER BY global_seq ASC`
	args := []any{streamID, afterSeq, pq.Array(types)}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
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
	var id, streamID, msgType, causationID, correlationID string
	var createdAt time.Time
	var metaRaw, payload []byte
	if err := rows.Scan(&globalSeq, &id, &streamID, &seq, &msgType, &createdAt, &causationID, &correlationID, &metaRaw, &payload); err != nil {
		return nil, err
	}
	m := &message.Message{
		GlobalSeq: globalSeq,
		StreamID:  streamID,
		Seq:       seq,
		Type:      msgType,
		CreatedAt: createdAt,
		Metadata:  decodeMetadata(metaRaw),
		Payload:   payload,
	}
	_ = m.ID.UnmarshalText([]byte(id))
	_ = m.CausationID.UnmarshalText([]byte(causationID))
	_ = m.CorrelationID.UnmarshalText([]byte(correlationID))
	return m, nil
}

func (b *Backend) Ack(ctx context.Context, groupID, streamID string, globalSeq uint64) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		g, err := b.loadGroupForUpdate(ctx, tx, groupID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO offsets (group_id, stream_id, global_seq) VALUES ($1, $2, $3)
			ON CONFLICT (group_id, stream_id) DO UPDATE SET global_seq = GREATEST(offsets.global_seq, excluded.global_seq)`,
			g.id, streamID, globalSeq)
		if err != nil {
			return err
		}
		if globalSeq > g.highestGlobalSeq {
			if _, err = tx.ExecContext(ctx, `UPDATE consumer_groups SET highest_global_seq = $1, updated_at = now() WHERE id = $2`, globalSeq, g.id); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM event_claims WHERE group_id = $1 AND stream_id = $2 AND event_global_seq <= $3`, g.id, streamID, globalSeq)
		return err
	})
}

func (b *Backend) ReleaseClaim(ctx context.Context, offsetID int64) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE offsets SET claimed = false, claimed_at = NULL, claimed_by = NULL WHERE id = $1`, offsetID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM event_claims
			WHERE group_id = (SELECT group_id FROM offsets WHERE id = $1)
			  AND stream_id = (SELECT stream_id FROM offsets WHERE id = $1)`, offsetID)
		return err
	})
}

func (b *Backend) AckOn(ctx context.Context, groupID string, messageID string, block func(ctx context.Context) error) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := block(ctx); err != nil {
			return err
		}
		var streamID string
		var globalSeq uint64
		if err := tx.QueryRowContext(ctx, `SELECT stream_id, global_seq FROM messages WHERE id = $1`, messageID).Scan(&streamID, &globalSeq); err != nil {
			return err
		}
		g, err := b.loadGroupForUpdate(ctx, tx, groupID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO offsets (group_id, stream_id, global_seq) VALUES ($1, $2, $3)
			ON CONFLICT (group_id, stream_id) DO UPDATE SET global_seq = GREATEST(offsets.global_seq, excluded.global_seq)`,
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

	return b.withTx(ctx, func(tx *sql.Tx) error {
		if stopped {
			ctxJSON, _ := json.Marshal(map[string]any{"reason": stopReason})
			_, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET status = 'stopped', error_context = $1, updated_at = now() WHERE group_id = $2`, ctxJSON, groupID)
			return err
		}
		if retried {
			ctxJSON, _ := json.Marshal(retryCtx)
			_, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET retry_at = $1, error_context = $2, updated_at = now() WHERE group_id = $3`, retryAt, ctxJSON, groupID)
			return err
		}
		return nil
	})
}

func (b *Backend) RegisterConsumerGroup(ctx context.Context, groupID string, startFrom backend.StartFrom) (*backend.ConsumerGroup, error) {
	if g, err := b.GetConsumerGroup(ctx, groupID); err == nil {
		return g, nil
	}
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO consumer_groups (group_id, status) VALUES ($1, 'active') ON CONFLICT (group_id) DO NOTHING`, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b.GetConsumerGroup(ctx, groupID)
}

func (b *Backend) StartConsumerGroup(ctx context.Context, groupID string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET status = 'active', retry_at = NULL, updated_at = now() WHERE group_id = $1`, groupID)
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
	return b.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET status = 'stopped', error_context = $1, updated_at = now() WHERE group_id = $2`, ctxJSON, groupID)
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
	return b.withTx(ctx, func(tx *sql.Tx) error {
		var groupPK int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM consumer_groups WHERE group_id = $1 FOR UPDATE`, groupID).Scan(&groupPK); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM offsets WHERE group_id = $1`, groupPK); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET status = 'active', retry_at = NULL, updated_at = now() WHERE id = $1`, groupPK)
		return err
	})
}

func (b *Backend) GetConsumerGroup(ctx context.Context, groupID string) (*backend.ConsumerGroup, error) {
	row := b.db.QueryRowContext(ctx, `SELECT id, group_id, status, highest_global_seq, retry_at, error_context, created_at, updated_at FROM consumer_groups WHERE group_id = $1`, groupID)
	var g backend.ConsumerGroup
	var status string
	var retryAt sql.NullTime
	var errCtx []byte
	if err := row.Scan(&g.ID, &g.GroupID, &status, &g.HighestGlobalSeq, &retryAt, &errCtx, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", backend.ErrGroupNotFound, groupID)
		}
		return nil, err
	}
	g.Status = backend.GroupStatus(status)
	if retryAt.Valid {
		t := retryAt.Time
		g.RetryAt = &t
	}
	_ = json.Unmarshal(errCtx, &g.ErrorContext)
	return &g, nil
}

func (b *Backend) readStreamTx(ctx context.Context, tx *sql.Tx, streamID string, uptoSeq uint64) ([]*message.Message, error) {
	query := `SELECT global_seq, id, stream_id, seq, type, created_at, causation_id, correlation_id, metadata, payload FROM messages WHERE stream_id = $1`
	args := []any{streamID}
	if uptoSeq > 0 {
		query += " AND seq <= $2"
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
	if err := b.db.QueryRowContext(ctx, `SELECT 1 FROM streams WHERE stream_id = $1`, streamID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", backend.ErrStreamNotFound, streamID)
		}
		return nil, err
	}
	query := `SELECT global_seq, id, stream_id, seq, type, created_at, causation_id, correlation_id, metadata, payload FROM messages WHERE stream_id = $1`
	args := []any{streamID}
	if uptoSeq > 0 {
		query += " AND seq <= $2"
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
		FROM messages WHERE correlation_id = $1 ORDER BY global_seq ASC`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

type txKey struct{}

func (b *Backend) Transaction(ctx context.Context, block func(ctx context.Context) error) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return block(context.WithValue(ctx, txKey{}, tx))
	})
}

func (b *Backend) WorkerHeartbeat(ctx context.Context, workerIDs []string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, id := range workerIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workers (worker_id, last_seen_at) VALUES ($1, $2)
				ON CONFLICT (worker_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`, id, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Backend) ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	now := time.Now().UTC()
	var n int
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE offsets SET claimed = false, claimed_at = NULL, claimed_by = NULL WHERE claimed = true AND claimed_at < $1`, cutoff)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		_, err = tx.ExecContext(ctx, `DELETE FROM event_claims WHERE expires_at < $1`, now)
		return err
	})
	return n, err
}

func (b *Backend) Stats(ctx context.Context) ([]backend.GroupStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT cg.group_id, cg.status, cg.highest_global_seq, cg.retry_at, cg.error_context,
		       (SELECT COUNT(*) FROM offsets o WHERE o.group_id = cg.id AND o.claimed = true)
		FROM consumer_groups cg ORDER BY cg.group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.GroupStats
	for rows.Next() {
		var groupID, status string
		var highestGlobalSeq uint64
		var retryAt sql.NullTime
		var errCtx []byte
		var activeClaims int
		if err := rows.Scan(&groupID, &status, &highestGlobalSeq, &retryAt, &errCtx, &activeClaims); err != nil {
			return nil, err
		}
		gs := backend.GroupStats{GroupID: groupID, Status: backend.GroupStatus(status), HighestGlobalSeq: highestGlobalSeq, ActiveClaims: activeClaims}
		if retryAt.Valid {
			t := retryAt.Time
			gs.RetryAt = &t
		}
		var ctxMap map[string]any
		_ = json.Unmarshal(errCtx, &ctxMap)
		if rc, ok := ctxMap["retry_count"].(float64); ok {
			gs.RetryCount = int(rc)
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}
