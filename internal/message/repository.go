package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/postgres"
	"github.com/corewire/imcore/internal/sequence"
)

const selectColumns = `id, channel_id, sender_id, seq_id, client_msg_id, parent_id, root_id,
	type, content, metadata, is_deleted, created_at, edited_at`

// outboxEnvelope is the JSON payload stored in message_outbox.payload, matching spec §4.5 step 6's broadcast
// envelope shape.
type outboxEnvelope struct {
	MsgID     uuid.UUID       `json:"msgId"`
	SeqID     int64           `json:"seqId"`
	SenderID  uuid.UUID       `json:"senderId"`
	ChannelID uuid.UUID       `json:"channelId"`
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	ParentID  *uuid.UUID      `json:"parentId,omitempty"`
	RootID    *uuid.UUID      `json:"rootId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db   *pgxpool.Pool
	log  zerolog.Logger
	seqs sequence.Allocator
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger, seqs: sequence.NewPGAllocator()}
}

// Create implements the transactional write described in spec §4.5.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if params.ClientMsgID != nil && *params.ClientMsgID != "" {
		existing, err := r.GetByClientMsgID(ctx, params.ChannelID, *params.ClientMsgID)
		if err == nil {
			return &CreateResult{Message: existing, Duplicate: true}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	var result CreateResult
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var rootID *uuid.UUID
		if params.ParentID != nil {
			var parentRootID *uuid.UUID
			err := tx.QueryRow(ctx,
				`SELECT COALESCE(root_id, id) FROM messages WHERE id = $1 AND channel_id = $2 AND is_deleted = false`,
				*params.ParentID, params.ChannelID,
			).Scan(&parentRootID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrParentNotFound
				}
				return fmt.Errorf("query parent message: %w", err)
			}
			rootID = ComputeRootID(params.ParentID, parentRootID)
		}

		seqID, err := r.seqs.Next(ctx, tx, params.ChannelID)
		if err != nil {
			return fmt.Errorf("allocate seq id: %w", err)
		}

		metadata := params.Metadata
		if metadata == nil {
			metadata = json.RawMessage(`{}`)
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO messages (channel_id, sender_id, seq_id, client_msg_id, parent_id, root_id, type, content, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+selectColumns,
			params.ChannelID, params.SenderID, seqID, params.ClientMsgID, params.ParentID, rootID,
			params.Type, params.Content, metadata,
		)
		msg, err := scanMessage(row)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return r.loadDuplicate(ctx, tx, params, &result)
			}
			return fmt.Errorf("insert message: %w", err)
		}

		usernames, everyone, here := ParseMentionTokens(params.Content)
		if err := insertMentions(ctx, tx, msg.ID, usernames, everyone, here); err != nil {
			return err
		}

		envelope := outboxEnvelope{
			MsgID:     msg.ID,
			SeqID:     msg.SeqID,
			SenderID:  msg.SenderID,
			ChannelID: msg.ChannelID,
			Type:      msg.Type,
			Content:   msg.Content,
			ParentID:  msg.ParentID,
			RootID:    msg.RootID,
			Timestamp: msg.CreatedAt,
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("marshal outbox payload: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_outbox (message_id, channel_id, status, payload) VALUES ($1, $2, 'pending', $3)`,
			msg.ID, msg.ChannelID, payload,
		); err != nil {
			return fmt.Errorf("insert outbox row: %w", err)
		}

		result = CreateResult{Message: msg, Duplicate: false}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// loadDuplicate handles the race where a concurrent create for the same (channelId, clientMsgId) committed between
// our initial dedup lookup and our insert attempt; the unique constraint is the final arbiter per spec §4.5.
func (r *PGRepository) loadDuplicate(ctx context.Context, tx pgx.Tx, params CreateParams, result *CreateResult) error {
	if params.ClientMsgID == nil {
		return errors.New("unique violation on message insert without a client_msg_id")
	}
	row := tx.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM messages WHERE channel_id = $1 AND client_msg_id = $2`,
		params.ChannelID, *params.ClientMsgID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return fmt.Errorf("load duplicate message: %w", err)
	}
	*result = CreateResult{Message: msg, Duplicate: true}
	return nil
}

// insertMentions resolves usernames to user IDs and inserts one row per mention target, plus broadcast-kind rows
// for @everyone / @here markers.
func insertMentions(ctx context.Context, tx pgx.Tx, messageID uuid.UUID, usernames []string, everyone, here bool) error {
	if len(usernames) > 0 {
		rows, err := tx.Query(ctx, `SELECT id FROM users WHERE username = ANY($1)`, usernames)
		if err != nil {
			return fmt.Errorf("resolve mention usernames: %w", err)
		}
		var userIDs []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan mentioned user id: %w", err)
			}
			userIDs = append(userIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate mentioned users: %w", err)
		}
		for _, id := range userIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO message_mentions (message_id, user_id, kind) VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`,
				messageID, id, MentionUser,
			); err != nil {
				return fmt.Errorf("insert user mention: %w", err)
			}
		}
	}

	if everyone {
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_mentions (message_id, user_id, kind) VALUES ($1, NULL, $2) ON CONFLICT DO NOTHING`,
			messageID, MentionEveryone,
		); err != nil {
			return fmt.Errorf("insert everyone mention: %w", err)
		}
	}
	if here {
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_mentions (message_id, user_id, kind) VALUES ($1, NULL, $2) ON CONFLICT DO NOTHING`,
			messageID, MentionHere,
		); err != nil {
			return fmt.Errorf("insert here mention: %w", err)
		}
	}
	return nil
}

// GetByID returns a single non-deleted message by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM messages WHERE id = $1 AND is_deleted = false`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// GetByClientMsgID returns the message matching the given (channelId, clientMsgId) pair.
func (r *PGRepository) GetByClientMsgID(ctx context.Context, channelID uuid.UUID, clientMsgID string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM messages WHERE channel_id = $1 AND client_msg_id = $2`,
		channelID, clientMsgID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by client_msg_id: %w", err)
	}
	return msg, nil
}

// ListSince returns non-deleted messages with seqId > sinceSeqID in ascending seq order, bounded by limit.
func (r *PGRepository) ListSince(ctx context.Context, channelID uuid.UUID, sinceSeqID int64, limit int) ([]Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM messages
		 WHERE channel_id = $1 AND seq_id > $2 AND is_deleted = false
		 ORDER BY seq_id ASC
		 LIMIT $3`,
		channelID, sinceSeqID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages since seq id: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Update sets new content on a non-deleted message and marks it as edited.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, content string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE messages SET content = $1, edited_at = NOW()
		 WHERE id = $2 AND is_deleted = false
		 RETURNING id`, content, id,
	)
	var updatedID uuid.UUID
	if err := row.Scan(&updatedID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return r.GetByID(ctx, updatedID)
}

// SoftDelete marks a message as deleted.
func (r *PGRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE messages SET is_deleted = true WHERE id = $1 AND is_deleted = false`, id)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanMessage scans a single row into a Message struct.
func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.SeqID, &msg.ClientMsgID, &msg.ParentID, &msg.RootID,
		&msg.Type, &msg.Content, &msg.Metadata, &msg.IsDeleted, &msg.CreatedAt, &msg.EditedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
