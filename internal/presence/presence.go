// Package presence provides the gateway's typing indicator, a TTL-backed key in Valkey so a newly-subscribing
// client can recompute "still typing" state without replaying history. Online/offline presence itself is derived
// from internal/session.Registry's device-session counts rather than tracked here, since a device session already
// carries the liveness signal the old per-status key would have duplicated.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// typingTTL is the lifetime of a typing indicator key, per spec's 5-second contract. Clients may re-trigger typing,
// but SET NX suppresses duplicate dispatches until the key expires.
const typingTTL = 5 * time.Second

// Store reads and writes ephemeral typing indicator state in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// SetTyping records that the user started typing in the given channel. The key uses SET NX so repeated calls within
// the TTL window are no-ops. Returns true when the key was newly created (meaning a typing.update dispatch should be
// sent), and false when the key already existed (duplicate suppressed).
func (s *Store) SetTyping(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, typingKey(channelID, userID), 1, typingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set typing for %s in %s: %w", userID, channelID, err)
	}
	return ok, nil
}

// ClearTyping removes the typing indicator for the given user in the given channel. It returns true when the key
// existed and was deleted (meaning a typing.update stop dispatch should be sent), and false when the key did not
// exist.
func (s *Store) ClearTyping(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	n, err := s.rdb.Del(ctx, typingKey(channelID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("clear typing for %s in %s: %w", userID, channelID, err)
	}
	return n > 0, nil
}

func typingKey(channelID, userID uuid.UUID) string {
	return "typing:" + channelID.String() + ":" + userID.String()
}
