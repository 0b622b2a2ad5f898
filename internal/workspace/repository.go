package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/postgres"
)

const selectColumns = "id, name, slug, created_at, deleted_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed workspace repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new workspace and adds the owner as its first member, all within a single transaction.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Workspace, error) {
	var ws *Workspace
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO workspaces (name, slug) VALUES ($1, $2) RETURNING %s`, selectColumns),
			params.Name, params.Slug,
		)
		var err error
		ws, err = scanWorkspace(row)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert workspace: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, $3)`,
			ws.ID, params.OwnerID, RoleOwner,
		)
		if err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// GetByID returns the workspace matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Workspace, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM workspaces WHERE id = $1`, selectColumns), id)
	ws, err := scanWorkspace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query workspace by id: %w", err)
	}
	return ws, nil
}

// GetBySlug returns the workspace matching the given slug.
func (r *PGRepository) GetBySlug(ctx context.Context, slug string) (*Workspace, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM workspaces WHERE slug = $1`, selectColumns), slug)
	ws, err := scanWorkspace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query workspace by slug: %w", err)
	}
	return ws, nil
}

// AddMember inserts a membership row, or reactivates a previously departed one.
func (r *PGRepository) AddMember(ctx context.Context, workspaceID, userID uuid.UUID, role string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO workspace_members (workspace_id, user_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (workspace_id, user_id)
		 DO UPDATE SET role = EXCLUDED.role, joined_at = now(), left_at = NULL`,
		workspaceID, userID, role,
	)
	if err != nil {
		return fmt.Errorf("add workspace member: %w", err)
	}
	return nil
}

// RemoveMember marks a membership as departed.
func (r *PGRepository) RemoveMember(ctx context.Context, workspaceID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspace_members SET left_at = now()
		 WHERE workspace_id = $1 AND user_id = $2 AND left_at IS NULL`,
		workspaceID, userID,
	)
	if err != nil {
		return fmt.Errorf("remove workspace member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

// GetMember returns the membership row for the given user in the given workspace.
func (r *PGRepository) GetMember(ctx context.Context, workspaceID, userID uuid.UUID) (*Member, error) {
	m, err := scanMember(r.db.QueryRow(ctx,
		`SELECT user_id, role, joined_at, left_at FROM workspace_members
		 WHERE workspace_id = $1 AND user_id = $2`,
		workspaceID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotMember
		}
		return nil, fmt.Errorf("query workspace member: %w", err)
	}
	return m, nil
}

// ListMembers returns all active members of the given workspace.
func (r *PGRepository) ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, role, joined_at, left_at FROM workspace_members
		 WHERE workspace_id = $1 AND left_at IS NULL
		 ORDER BY joined_at`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workspace members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspace members: %w", err)
	}
	return members, nil
}

// ListForUser returns every workspace the user actively belongs to.
func (r *PGRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]Workspace, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT w.id, w.name, w.slug, w.created_at, w.deleted_at
		 FROM workspaces w
		 JOIN workspace_members wm ON wm.workspace_id = w.id
		 WHERE wm.user_id = $1 AND wm.left_at IS NULL AND w.deleted_at IS NULL
		 ORDER BY w.created_at`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workspaces for user: %w", err)
	}
	defer rows.Close()

	var workspaces []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, *ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces for user: %w", err)
	}
	return workspaces, nil
}

func scanWorkspace(row pgx.Row) (*Workspace, error) {
	var ws Workspace
	if err := row.Scan(&ws.ID, &ws.Name, &ws.Slug, &ws.CreatedAt, &ws.DeletedAt); err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	return &ws, nil
}

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	if err := row.Scan(&m.UserID, &m.Role, &m.JoinedAt, &m.LeftAt); err != nil {
		return nil, fmt.Errorf("scan workspace member: %w", err)
	}
	return &m, nil
}
