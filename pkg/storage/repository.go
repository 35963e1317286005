package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/convlog/pkg/conversation"
	clerrors "github.com/otherjamesbrown/convlog/pkg/errors"
	"github.com/otherjamesbrown/convlog/pkg/logging"
)

// List limits.
const (
	DefaultConversationLimit = 50
	DefaultRoomLimit         = 20
	MaxListLimit             = 1000
)

const insertMessageSQL = `
	INSERT INTO conversation_messages (
		conversation_id, room_name, message_id, role, speaker_id,
		content, finalized, metadata, message_timestamp, seq
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (conversation_id, message_id) DO NOTHING
`

const selectMessageColumns = `
	SELECT id, conversation_id, room_name, seq, message_id, role, speaker_id,
		content, finalized, metadata, message_timestamp, created_at
	FROM conversation_messages
`

// Conversations list in log order; rooms list their newest messages first.
const (
	listByConversationSQL = selectMessageColumns + `
		WHERE conversation_id = $1
		ORDER BY seq ASC, id ASC
		LIMIT $2`

	listByRoomSQL = selectMessageColumns + `
		WHERE room_name = $1
		ORDER BY message_timestamp DESC, seq DESC, id DESC
		LIMIT $2`
)

// dbtx is the subset of *pgxpool.Pool the repository uses.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository provides database operations for conversation messages.
type Repository struct {
	db     dbtx
	logger logging.Logger
}

// NewRepository creates a new message repository.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repository{
		db:     pool,
		logger: logger.With(logging.F("component", "message_repository")),
	}
}

func insertArgs(r Record) []any {
	m := r.Message
	return []any{
		r.ConversationID, r.Room, m.ID, string(m.Role), m.SpeakerID,
		m.Content, m.Finalized, r.metadata(), m.Timestamp.UTC(), r.Seq,
	}
}

// SaveMessage stores one message. It reports false without error when the
// message id already exists for the conversation.
func (r *Repository) SaveMessage(ctx context.Context, rec Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}

	tag, err := r.db.Exec(ctx, insertMessageSQL, insertArgs(rec)...)
	if err != nil {
		return false, fmt.Errorf("failed to save message %s: %w", rec.Message.ID, err)
	}

	saved := tag.RowsAffected() == 1
	r.logger.Debug("Message saved",
		logging.F("conversation_id", rec.ConversationID),
		logging.F("message_id", rec.Message.ID),
		logging.F("role", string(rec.Message.Role)),
		logging.F("inserted", saved))

	return saved, nil
}

// SaveBatch stores records in a single transaction. Records with blank
// content are skipped and invalid ones counted as failed without aborting
// the rest. A write error rolls back the whole batch.
func (r *Repository) SaveBatch(ctx context.Context, records []Record) (BatchResult, error) {
	var result BatchResult

	batch := &pgx.Batch{}
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			if clerrors.IsEmptyContent(err) {
				result.Skipped++
			} else {
				result.Failed++
				r.logger.Warn("Rejected message", logging.Err(err))
			}
			continue
		}
		batch.Queue(insertMessageSQL, insertArgs(rec)...)
	}

	queued := batch.Len()
	if queued == 0 {
		return result, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		result.Failed += queued
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	saved, err := execBatch(ctx, tx, batch, queued)
	if err != nil {
		result.Failed += queued
		return result, err
	}

	if err := tx.Commit(ctx); err != nil {
		result.Failed += queued
		return result, fmt.Errorf("failed to commit batch: %w", err)
	}

	result.Saved = saved
	result.Skipped += queued - saved
	return result, nil
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, n int) (int, error) {
	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	saved := 0
	for i := 0; i < n; i++ {
		tag, err := br.Exec()
		if err != nil {
			return 0, fmt.Errorf("failed to save batch item %d: %w", i, err)
		}
		saved += int(tag.RowsAffected())
	}
	return saved, br.Close()
}

// ListByConversation returns a conversation's messages in log order.
func (r *Repository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", clerrors.ErrValidation)
	}
	return r.list(ctx, listByConversationSQL, conversationID, clampLimit(limit, DefaultConversationLimit))
}

// ListByRoom returns a room's most recent messages, newest first.
func (r *Repository) ListByRoom(ctx context.Context, room string, limit int) ([]StoredMessage, error) {
	if room == "" {
		return nil, fmt.Errorf("%w: room is required", clerrors.ErrValidation)
	}
	return r.list(ctx, listByRoomSQL, room, clampLimit(limit, DefaultRoomLimit))
}

func (r *Repository) list(ctx context.Context, query, key string, limit int) ([]StoredMessage, error) {
	rows, err := r.db.Query(ctx, query, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var (
			sm   StoredMessage
			role string
			ts   time.Time
		)
		if err := rows.Scan(
			&sm.RowID, &sm.ConversationID, &sm.Room, &sm.Seq, &sm.ID, &role, &sm.SpeakerID,
			&sm.Content, &sm.Finalized, &sm.Metadata, &ts, &sm.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		sm.Role = conversation.Role(role)
		sm.Timestamp = ts
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
