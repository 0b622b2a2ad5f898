package message

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Type constants matching the messages.type CHECK constraint.
const (
	TypeText   = "text"
	TypeImage  = "image"
	TypeFile   = "file"
	TypeSystem = "system"
)

var validTypes = map[string]bool{
	TypeText:   true,
	TypeImage:  true,
	TypeFile:   true,
	TypeSystem: true,
}

// Mention kind constants matching message_mentions.kind.
const (
	MentionUser     = "user"
	MentionEveryone = "everyone"
	MentionHere     = "here"
)

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrParentNotFound = errors.New("reply target message not found")
	ErrInvalidType    = errors.New("invalid message type")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
	MaxContent   = 4000
)

// Message is the immutable record described by spec §3: an insert-only row identified by a time-ordered UUID,
// carrying the channel's authoritative seqId and, for replies, a materialized rootId so thread traversal never
// requires walking the parent chain.
type Message struct {
	ID          uuid.UUID
	ChannelID   uuid.UUID
	SenderID    uuid.UUID
	SeqID       int64
	ClientMsgID *string
	ParentID    *uuid.UUID
	RootID      *uuid.UUID
	Type        string
	Content     string
	Metadata    json.RawMessage
	IsDeleted   bool
	CreatedAt   time.Time
	EditedAt    *time.Time
}

// Mention records one parsed mention target for a message.
type Mention struct {
	MessageID uuid.UUID
	UserID    *uuid.UUID
	Kind      string
}

// CreateParams groups the inputs for creating a new message. ClientMsgID, when non-empty, makes the create
// idempotent per spec §4.5 step 1.
type CreateParams struct {
	ChannelID   uuid.UUID
	SenderID    uuid.UUID
	Content     string
	Type        string
	ParentID    *uuid.UUID
	ClientMsgID *string
	Metadata    json.RawMessage
}

// CreateResult reports the outcome of a create, distinguishing a freshly persisted message from a dedup hit so the
// caller can skip re-publishing a broadcast for a message that already went out.
type CreateResult struct {
	Message   *Message
	Duplicate bool
}

// ValidateContent checks that content is non-empty after trimming and does not exceed MaxContent runes. Returns the
// trimmed content.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContent {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ValidateType checks that the message type is one of the allowed values.
func ValidateType(t string) error {
	if !validTypes[t] {
		return ErrInvalidType
	}
	return nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when the input is zero or
// negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ComputeRootID implements spec §3 invariant 6 / §4.5 step 3: one-level thread flattening. If the parent is itself a
// reply (parentRootID non-nil), the new message inherits the parent's root; otherwise the parent itself is the root.
func ComputeRootID(parentID, parentRootID *uuid.UUID) *uuid.UUID {
	if parentID == nil {
		return nil
	}
	if parentRootID != nil {
		return parentRootID
	}
	return parentID
}

var mentionTokenPattern = regexp.MustCompile(`@([a-zA-Z0-9_]+)`)

// ParseMentionTokens extracts raw @-tokens from message content, splitting the reserved broadcast keywords
// ("everyone", "here") from tokens that must be resolved against usernames. The repository layer resolves
// usernames to user IDs within the same transaction as the message insert.
func ParseMentionTokens(content string) (usernames []string, everyone, here bool) {
	seen := make(map[string]bool)
	for _, match := range mentionTokenPattern.FindAllStringSubmatch(content, -1) {
		token := match[1]
		switch strings.ToLower(token) {
		case MentionEveryone:
			everyone = true
		case MentionHere:
			here = true
		default:
			if !seen[token] {
				seen[token] = true
				usernames = append(usernames, token)
			}
		}
	}
	return usernames, everyone, here
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	// Create persists a new message per spec §4.5: allocates the channel's next seqId, computes rootId, inserts
	// the message, resolves and inserts mention rows, and inserts a pending MessageOutbox row — all inside a
	// single transaction. If ClientMsgID is set and a message with that (channelId, clientMsgId) already exists,
	// returns the existing message with Duplicate=true and writes nothing.
	Create(ctx context.Context, params CreateParams) (*CreateResult, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	GetByClientMsgID(ctx context.Context, channelID uuid.UUID, clientMsgID string) (*Message, error)
	// ListSince returns messages in seqId ascending order with seqId > sinceSeqID, bounded by limit. Used by the
	// SyncEngine (§4.7).
	ListSince(ctx context.Context, channelID uuid.UUID, sinceSeqID int64, limit int) ([]Message, error)
	Update(ctx context.Context, id uuid.UUID, content string) (*Message, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}
