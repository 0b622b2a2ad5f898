package channel

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Channel type constants matching the database CHECK constraint.
const (
	TypePublic  = "public"
	TypePrivate = "private"
	TypeDirect  = "direct"
)

// validTypes is the set of allowed channel types.
var validTypes = map[string]bool{
	TypePublic:  true,
	TypePrivate: true,
	TypeDirect:  true,
}

// Sentinel errors for the channel package.
var (
	ErrNotFound    = errors.New("channel not found")
	ErrNameLength  = errors.New("channel name must be between 1 and 100 characters")
	ErrInvalidType = errors.New("invalid channel type")
	ErrNotMember   = errors.New("user is not a member of this channel")
)

// Channel holds the fields read from the database. MaxSeqID is the high-water mark sequence number assigned to any
// message posted in this channel; the sequence allocator increments it atomically per send.
type Channel struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Name        string
	Type        string
	MaxSeqID    int64
	CreatedAt   time.Time
}

// CreateParams groups the inputs for creating a new channel.
type CreateParams struct {
	WorkspaceID uuid.UUID
	Name        string
	Type        string
}

// UpdateParams groups the optional fields for updating a channel.
type UpdateParams struct {
	Name *string
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "no change"; a non-nil pointer is always validated. On success the pointed-to value is replaced with
// the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateType checks that the channel type is one of the allowed values.
func ValidateType(t string) error {
	if !validTypes[t] {
		return ErrInvalidType
	}
	return nil
}

// Repository defines the data-access contract for channel operations.
type Repository interface {
	ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]Channel, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Channel, error)
	Create(ctx context.Context, params CreateParams) (*Channel, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Channel, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// IsMember reports whether the given user currently belongs to the channel (left_at IS NULL).
	IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
	// ListJoinedByUser returns every channel the user currently belongs to, across all workspaces. Used by the
	// Gateway on connect to join every channel room per spec §4.4 step 2.
	ListJoinedByUser(ctx context.Context, userID uuid.UUID) ([]Channel, error)
	// NextSeqID atomically increments and returns the channel's max_seq_id in its own statement. The sequence
	// allocator (internal/sequence) does not call it: it runs the same increment inside the message insert's
	// transaction.
	NextSeqID(ctx context.Context, channelID uuid.UUID) (int64, error)
}
