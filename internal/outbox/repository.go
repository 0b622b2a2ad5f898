package outbox

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

const selectColumns = `id, message_id, channel_id, status, payload, attempts, created_at, completed_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed outbox repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// ListPending returns up to limit pending rows, oldest first. The SELECT runs with FOR UPDATE SKIP LOCKED inside its
// own transaction, so the row locks last only until ListPending returns; they are not held while the caller
// processes the rows, and a second worker polling afterwards can select the same rows.
func (r *PGRepository) ListPending(ctx context.Context, limit int) ([]Row, error) {
	var rows []Row
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		result, err := tx.Query(ctx,
			`SELECT `+selectColumns+` FROM message_outbox
			 WHERE status = 'pending'
			 ORDER BY created_at
			 LIMIT $1
			 FOR UPDATE SKIP LOCKED`,
			limit,
		)
		if err != nil {
			return fmt.Errorf("query pending outbox rows: %w", err)
		}
		defer result.Close()

		for result.Next() {
			row, err := scanRow(result)
			if err != nil {
				return fmt.Errorf("scan outbox row: %w", err)
			}
			rows = append(rows, *row)
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkCompleted transitions a row to completed.
func (r *PGRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE message_outbox SET status = 'completed', completed_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox row completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions a row to failed and increments its attempt counter.
func (r *PGRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE message_outbox SET status = 'failed', attempts = attempts + 1 WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox row failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRow(row pgx.Row) (*Row, error) {
	var o Row
	err := row.Scan(&o.ID, &o.MessageID, &o.ChannelID, &o.Status, &o.Payload, &o.Attempts, &o.CreatedAt, &o.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}
