package user

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind distinguishes human accounts from bot and system accounts. Only active bots with a
// configured webhook URL are fanned out to by the post-broadcast worker.
type Kind string

const (
	KindHuman  Kind = "human"
	KindBot    Kind = "bot"
	KindSystem Kind = "system"
)

// Sentinel errors for the user package.
var (
	ErrNotFound              = errors.New("user not found")
	ErrAlreadyExists         = errors.New("username already taken")
	ErrDisplayNameLength     = errors.New("display name must be between 1 and 32 characters")
	ErrUsernameLength        = errors.New("username must be between 2 and 32 characters")
	ErrWebhookRequiredForBot = errors.New("bot accounts require a webhook URL")
)

// User holds the core identity fields read from the database.
type User struct {
	ID          uuid.UUID
	Username    string
	DisplayName string
	Kind        Kind
	WebhookURL  *string
	Active      bool
	CreatedAt   time.Time
}

// IsDeliverableBot reports whether this user is a bot that should receive webhook fan-out.
func (u *User) IsDeliverableBot() bool {
	return u.Kind == KindBot && u.Active && u.WebhookURL != nil && *u.WebhookURL != ""
}

// CreateParams groups the inputs for creating a new user.
type CreateParams struct {
	Username    string
	DisplayName string
	Kind        Kind
	WebhookURL  *string
}

// UpdateParams groups the optional fields for updating a user profile.
type UpdateParams struct {
	DisplayName *string
	WebhookURL  *string
	Active      *bool
}

// NormalizeDisplayName trims surrounding whitespace from the pointed-to value. Nil values are left untouched.
func NormalizeDisplayName(name *string) {
	if name == nil {
		return
	}
	*name = strings.TrimSpace(*name)
}

// ValidateDisplayName checks that a non-nil display name is between 1 and 32 Unicode characters.
func ValidateDisplayName(name *string) error {
	if name == nil {
		return nil
	}
	if n := utf8.RuneCountInString(*name); n < 1 || n > 32 {
		return ErrDisplayNameLength
	}
	return nil
}

// ValidateUsername checks that a username is between 2 and 32 Unicode characters after trimming.
func ValidateUsername(username string) (string, error) {
	trimmed := strings.TrimSpace(username)
	if n := utf8.RuneCountInString(trimmed); n < 2 || n > 32 {
		return "", ErrUsernameLength
	}
	return trimmed, nil
}

// ValidateCreateParams validates a CreateParams, trimming strings in place.
func ValidateCreateParams(p *CreateParams) error {
	trimmed, err := ValidateUsername(p.Username)
	if err != nil {
		return err
	}
	p.Username = trimmed

	NormalizeDisplayName(&p.DisplayName)
	if err := ValidateDisplayName(&p.DisplayName); err != nil {
		return err
	}

	if p.Kind == "" {
		p.Kind = KindHuman
	}
	if p.Kind == KindBot && (p.WebhookURL == nil || *p.WebhookURL == "") {
		return ErrWebhookRequiredForBot
	}
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]User, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*User, error)
}
