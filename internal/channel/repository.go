package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "id, workspace_id, name, type, max_seq_id, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed channel repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// ListByWorkspace returns all channels in the given workspace ordered by creation time.
func (r *PGRepository) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM channels WHERE workspace_id = $1 ORDER BY created_at", selectColumns),
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// ListJoinedByUser returns every channel the user currently belongs to, across all workspaces.
func (r *PGRepository) ListJoinedByUser(ctx context.Context, userID uuid.UUID) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		`SELECT c.id, c.workspace_id, c.name, c.type, c.max_seq_id, c.created_at
		 FROM channels c
		 JOIN channel_members cm ON cm.channel_id = c.id
		 WHERE cm.user_id = $1 AND cm.left_at IS NULL
		 ORDER BY c.created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query joined channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate joined channels: %w", err)
	}
	return channels, nil
}

// GetByID returns the channel matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM channels WHERE id = $1", selectColumns), id,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel by id: %w", err)
	}
	return ch, nil
}

// Create inserts a new channel.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`INSERT INTO channels (workspace_id, name, type)
			 VALUES ($1, $2, $3)
			 RETURNING %s`, selectColumns),
		params.WorkspaceID, params.Name, params.Type,
	)
	ch, err := scanChannel(row)
	if err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

// Update applies the non-nil fields in params to the channel row and returns the updated channel.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Channel, error) {
	if params.Name == nil {
		return r.GetByID(ctx, id)
	}

	row := r.db.QueryRow(ctx,
		fmt.Sprintf("UPDATE channels SET name = $1 WHERE id = $2 RETURNING %s", selectColumns),
		*params.Name, id,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update channel: %w", err)
	}
	return ch, nil
}

// Delete removes the channel with the given ID.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM channels WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IsMember reports whether the given user currently belongs to the channel.
func (r *PGRepository) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2 AND left_at IS NULL
		)`,
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check channel membership: %w", err)
	}
	return exists, nil
}

// NextSeqID atomically increments and returns the channel's max_seq_id.
func (r *PGRepository) NextSeqID(ctx context.Context, channelID uuid.UUID) (int64, error) {
	var seqID int64
	err := r.db.QueryRow(ctx,
		`UPDATE channels SET max_seq_id = max_seq_id + 1 WHERE id = $1 RETURNING max_seq_id`,
		channelID,
	).Scan(&seqID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("allocate next seq id: %w", err)
	}
	return seqID, nil
}

// scanChannel scans a single row into a Channel struct.
func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	err := row.Scan(&ch.ID, &ch.WorkspaceID, &ch.Name, &ch.Type, &ch.MaxSeqID, &ch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	return &ch, nil
}
