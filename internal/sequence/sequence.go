// Package sequence implements the SequenceAllocator described in spec §4.1: a monotonic, gap-free, per-channel
// 64-bit counter. The contract only requires that concurrent callers observe a strict total order with no
// duplicates after commit; this implementation satisfies it with a single UPDATE ... RETURNING against the
// channel's denormalized max_seq_id column, executed inside the caller's transaction so allocation and the message
// insert it backs either both commit or both roll back together.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrChannelNotFound is returned when the target channel row does not exist.
var ErrChannelNotFound = errors.New("sequence: channel not found")

// Allocator hands out the next seqId for a channel.
type Allocator interface {
	// Next returns a value strictly greater than every value previously returned for channelID. Callers that need
	// the allocation to be atomic with a message insert should pass a transaction via PGAllocator.Next's tx
	// parameter rather than allocating outside the insert's transaction.
	Next(ctx context.Context, tx pgx.Tx, channelID uuid.UUID) (int64, error)
}

// PGAllocator implements Allocator against the channels.max_seq_id column.
type PGAllocator struct{}

// NewPGAllocator creates a PostgreSQL-backed sequence allocator.
func NewPGAllocator() *PGAllocator {
	return &PGAllocator{}
}

// Next atomically increments and returns channels.max_seq_id for the given channel, within tx.
func (a *PGAllocator) Next(ctx context.Context, tx pgx.Tx, channelID uuid.UUID) (int64, error) {
	var seqID int64
	err := tx.QueryRow(ctx,
		`UPDATE channels SET max_seq_id = max_seq_id + 1 WHERE id = $1 RETURNING max_seq_id`,
		channelID,
	).Scan(&seqID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrChannelNotFound
		}
		return 0, fmt.Errorf("allocate next seq id: %w", err)
	}
	return seqID, nil
}
