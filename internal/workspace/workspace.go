package workspace

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role constants matching the workspace_members.role CHECK constraint, ordered from least to most privileged.
const (
	RoleGuest  = "guest"
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

var validRoles = map[string]bool{
	RoleGuest:  true,
	RoleMember: true,
	RoleAdmin:  true,
	RoleOwner:  true,
}

// Sentinel errors for the workspace package.
var (
	ErrNotFound      = errors.New("workspace not found")
	ErrAlreadyExists = errors.New("workspace slug already in use")
	ErrNotMember     = errors.New("user is not a member of this workspace")
	ErrAlreadyMember = errors.New("user is already a member of this workspace")
	ErrNameLength    = errors.New("workspace name must be between 1 and 80 characters")
	ErrSlugLength    = errors.New("workspace slug must be between 1 and 64 characters")
	ErrInvalidRole   = errors.New("invalid workspace role")
)

// Workspace holds the fields read from the database.
type Workspace struct {
	ID        uuid.UUID
	Name      string
	Slug      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Member combines a workspace_members row with the fields needed to render a member list entry.
type Member struct {
	UserID   uuid.UUID
	Role     string
	JoinedAt time.Time
	LeftAt   *time.Time
}

// IsActive reports whether the membership is current (has not left).
func (m *Member) IsActive() bool {
	return m.LeftAt == nil
}

// CreateParams groups the inputs for creating a new workspace.
type CreateParams struct {
	Name    string
	Slug    string
	OwnerID uuid.UUID
}

// ValidateName checks that a workspace name is between 1 and 80 runes after trimming. Returns the trimmed value.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 80 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateSlug checks that a workspace slug is between 1 and 64 runes after trimming and lowercases it.
func ValidateSlug(slug string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(slug))
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 64 {
		return "", ErrSlugLength
	}
	return trimmed, nil
}

// ValidateRole checks that a role is one of the allowed values.
func ValidateRole(role string) error {
	if !validRoles[role] {
		return ErrInvalidRole
	}
	return nil
}

// AtLeast reports whether role meets or exceeds the given minimum role in the owner > admin > member > guest
// ordering.
func AtLeast(role, minimum string) bool {
	rank := map[string]int{RoleGuest: 0, RoleMember: 1, RoleAdmin: 2, RoleOwner: 3}
	r, ok := rank[role]
	if !ok {
		return false
	}
	m, ok := rank[minimum]
	if !ok {
		return false
	}
	return r >= m
}

// Repository defines the data-access contract for workspace operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Workspace, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Workspace, error)
	GetBySlug(ctx context.Context, slug string) (*Workspace, error)

	AddMember(ctx context.Context, workspaceID, userID uuid.UUID, role string) error
	RemoveMember(ctx context.Context, workspaceID, userID uuid.UUID) error
	GetMember(ctx context.Context, workspaceID, userID uuid.UUID) (*Member, error)
	ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]Member, error)
	// ListForUser returns every workspace the user actively belongs to, used by the Gateway on connect to join
	// every workspace room per spec §4.4 step 2.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Workspace, error)
}
