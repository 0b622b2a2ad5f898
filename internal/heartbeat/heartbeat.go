// Package heartbeat implements the client ping / server sweep pair described in spec §4.3: a client pings every H
// seconds, the Gateway renews the session's TTL and lastActiveTime on each ping, and a background sweep every S
// seconds evicts sessions that have gone quiet for longer than 2H.
package heartbeat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/session"
)

// DefaultInterval is the default client ping interval H, per spec §4.3.
const DefaultInterval = 25 * time.Second

// DefaultSweepInterval is the default background sweep period S, per spec §4.3.
const DefaultSweepInterval = 30 * time.Second

// ZombieTTL computes the eviction threshold 2H for a given ping interval.
func ZombieTTL(interval time.Duration) time.Duration {
	return 2 * interval
}

// Zombie describes an evicted session, delivered to the Gateway so it can recheck presence and, if this was a
// user's last active device, emit a presence.offline event.
type Zombie struct {
	UserID   uuid.UUID
	SocketID string
}

// Registry is the subset of session.Registry the sweeper needs.
type Registry interface {
	RemoveDeviceSession(ctx context.Context, userID uuid.UUID, socketID string) error
}

// ZombieCleaner periodically evicts sessions that have not renewed within 2H.
type ZombieCleaner struct {
	rdb       *redis.Client
	registry  Registry
	interval  time.Duration
	zombieTTL time.Duration
	log       zerolog.Logger
	onZombie  func(Zombie)
}

// NewZombieCleaner creates a ZombieCleaner. onZombie is invoked once per evicted session, synchronously, from the
// sweep goroutine; callers that need to notify the Gateway should keep it fast (e.g. push onto a channel).
func NewZombieCleaner(rdb *redis.Client, registry Registry, interval time.Duration, logger zerolog.Logger, onZombie func(Zombie)) *ZombieCleaner {
	return &ZombieCleaner{
		rdb:       rdb,
		registry:  registry,
		interval:  interval,
		zombieTTL: ZombieTTL(interval),
		log:       logger,
		onZombie:  onZombie,
	}
}

// Run blocks, sweeping every sweepInterval until ctx is cancelled.
func (z *ZombieCleaner) Run(ctx context.Context, sweepInterval time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := z.Sweep(ctx); err != nil {
				z.log.Error().Err(err).Msg("zombie sweep failed")
			}
		}
	}
}

// Sweep evicts every session indexed with a score (lastActiveTime) older than now-2H.
func (z *ZombieCleaner) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-z.zombieTTL)
	members, err := z.rdb.ZRangeByScore(ctx, session.ZombieIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan zombie index: %w", err)
	}

	for _, member := range members {
		userID, socketID, ok := splitIndexMember(member)
		if !ok {
			z.log.Warn().Str("member", member).Msg("malformed zombie index entry, skipping")
			continue
		}
		if err := z.registry.RemoveDeviceSession(ctx, userID, socketID); err != nil {
			z.log.Error().Err(err).Str("socketId", socketID).Msg("failed to evict zombie session")
			continue
		}
		if z.onZombie != nil {
			z.onZombie(Zombie{UserID: userID, SocketID: socketID})
		}
	}
	return nil
}

func splitIndexMember(member string) (uuid.UUID, string, bool) {
	idx := strings.IndexByte(member, ':')
	if idx < 0 {
		return uuid.UUID{}, "", false
	}
	userID, err := uuid.Parse(member[:idx])
	if err != nil {
		return uuid.UUID{}, "", false
	}
	return userID, member[idx+1:], true
}
