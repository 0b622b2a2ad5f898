// Package outbox implements the message_outbox side of spec §4.5 step 6 / §4.6: every inserted message gets a
// pending outbox row in the same transaction as the insert, and PostBroadcastWorker (internal/broadcast) drains
// pending rows, doing the unread-counter, mention-notification, and bot-webhook fan-out work before marking each
// row completed or failed.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status values for message_outbox.status.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when an outbox row does not exist.
var ErrNotFound = errors.New("outbox: row not found")

// Row is a single message_outbox entry.
type Row struct {
	ID          uuid.UUID
	MessageID   uuid.UUID
	ChannelID   uuid.UUID
	Status      string
	Payload     json.RawMessage
	Attempts    int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Envelope is the broadcast payload shape stored in Row.Payload, matching spec §4.5 step 6.
type Envelope struct {
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

// Decode parses Row.Payload into an Envelope.
func (r Row) Decode() (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(r.Payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Repository persists and drains message_outbox rows.
type Repository interface {
	// ListPending returns up to limit pending rows, oldest first, for a worker to process.
	ListPending(ctx context.Context, limit int) ([]Row, error)
	// MarkCompleted transitions a row to completed.
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	// MarkFailed transitions a row to failed and increments its attempt counter.
	MarkFailed(ctx context.Context, id uuid.UUID) error
}
