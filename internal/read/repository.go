package read

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `user_id, channel_id, last_read_message_id, last_read_seq_id, last_observed_seq_id, unread_count, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed read-status repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Get returns the read status for (userID, channelID), or a zero-count Status if the pair has no row yet.
func (r *PGRepository) Get(ctx context.Context, userID, channelID uuid.UUID) (*Status, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM user_channel_read_status WHERE user_id = $1 AND channel_id = $2`,
		userID, channelID,
	)
	s, err := scanStatus(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Status{UserID: userID, ChannelID: channelID}, nil
		}
		return nil, fmt.Errorf("query read status: %w", err)
	}
	return s, nil
}

// ObserveMessage implements the idempotent unread-counter bump described in spec §4.6: for every active channel
// member other than the sender, unreadCount increments and lastObservedSeqId advances only if seqID is strictly
// greater than both the row's current lastReadSeqId and lastObservedSeqId.
func (r *PGRepository) ObserveMessage(ctx context.Context, channelID uuid.UUID, excludeUserID uuid.UUID, seqID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_channel_read_status (user_id, channel_id, last_observed_seq_id, unread_count)
		 SELECT user_id, $1, $2, 1
		 FROM channel_members
		 WHERE channel_id = $1 AND user_id != $3 AND left_at IS NULL
		 ON CONFLICT (user_id, channel_id) DO UPDATE
		 SET unread_count = user_channel_read_status.unread_count + 1,
		     last_observed_seq_id = $2,
		     updated_at = now()
		 WHERE $2 > user_channel_read_status.last_read_seq_id
		   AND $2 > user_channel_read_status.last_observed_seq_id`,
		channelID, seqID, excludeUserID,
	)
	if err != nil {
		return fmt.Errorf("observe message: %w", err)
	}
	return nil
}

// MarkRead advances a user's read cursor to (messageID, seqID) and recomputes unreadCount from the messages table,
// per spec §4.7's sync/ack contract.
func (r *PGRepository) MarkRead(ctx context.Context, userID, channelID uuid.UUID, messageID uuid.UUID, seqID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_channel_read_status (user_id, channel_id, last_read_message_id, last_read_seq_id, last_observed_seq_id, unread_count)
		 VALUES ($1, $2, $3, $4, $4, (SELECT COUNT(*) FROM messages WHERE channel_id = $2 AND seq_id > $4 AND is_deleted = false))
		 ON CONFLICT (user_id, channel_id) DO UPDATE
		 SET last_read_message_id = $3,
		     last_read_seq_id = $4,
		     last_observed_seq_id = GREATEST(user_channel_read_status.last_observed_seq_id, $4),
		     unread_count = (SELECT COUNT(*) FROM messages WHERE channel_id = $2 AND seq_id > $4 AND is_deleted = false),
		     updated_at = now()`,
		userID, channelID, messageID, seqID,
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func scanStatus(row pgx.Row) (*Status, error) {
	var s Status
	err := row.Scan(&s.UserID, &s.ChannelID, &s.LastReadMessageID, &s.LastReadSeqID, &s.LastObservedSeqID, &s.UnreadCount, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
