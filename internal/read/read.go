// Package read implements the user_channel_read_status side of spec §4.6: per-(user, channel) read cursors with
// an idempotency guard so a message already accounted for (because a later seqId was observed first, or delivery
// raced) never double-increments a user's unread counter.
package read

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is a single user's read cursor for one channel.
type Status struct {
	UserID            uuid.UUID
	ChannelID         uuid.UUID
	LastReadMessageID *uuid.UUID
	LastReadSeqID     int64
	LastObservedSeqID int64
	UnreadCount       int64
	UpdatedAt         time.Time
}

// Repository persists read cursors and unread counters.
type Repository interface {
	// Get returns the read status row for (userID, channelID), or a zero-value Status with UnreadCount 0 if none
	// exists yet (a user who has never interacted with a channel has nothing unread relative to their join point).
	Get(ctx context.Context, userID, channelID uuid.UUID) (*Status, error)

	// ObserveMessage bumps the unread counter for every channel member other than the sender, per spec §4.6 step
	// 2-3's "observed seqId" idempotency rule: a row's unreadCount increments only if seqId is strictly greater
	// than both its current lastReadSeqId and lastObservedSeqId, and lastObservedSeqId is updated atomically with
	// the increment so a redelivered or out-of-order outbox row can never double count.
	ObserveMessage(ctx context.Context, channelID uuid.UUID, excludeUserID uuid.UUID, seqID int64) error

	// MarkRead sets lastReadSeqId (and lastReadMessageId) and resets unreadCount to the number of messages still
	// newer than seqID, per spec §4.7's read/ack contract.
	MarkRead(ctx context.Context, userID, channelID uuid.UUID, messageID uuid.UUID, seqID int64) error
}
