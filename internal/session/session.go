// Package session implements the SessionRegistry described in spec §4.2: the single source of presence truth,
// tracking every live DeviceSession per user across however many Gateway nodes are running. State lives in Valkey
// so any node can answer hasActiveDeviceSessions for any user, not just the node that accepted the socket.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DeviceSession is one live connection of one user, per spec §3.
type DeviceSession struct {
	UserID         uuid.UUID `json:"userId"`
	SocketID       string    `json:"socketId"`
	GatewayNodeID  string    `json:"gatewayNodeId"`
	Platform       string    `json:"platform"`
	DeviceID       string    `json:"deviceId"`
	LoginTime      time.Time `json:"loginTime"`
	LastActiveTime time.Time `json:"lastActiveTime"`
}

// Registry maintains DeviceSessions in Valkey. A user's sessions live in a hash keyed by socketId; a parallel
// sorted set indexed by lastActiveTime lets the zombie sweeper (internal/heartbeat) find stale entries across all
// users without scanning every per-user hash.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRegistry creates a Registry whose sessions expire after ttl of inactivity. Per spec §4.2, ttl must be at least
// 2x the heartbeat interval; callers are expected to have validated that at config-load time.
func NewRegistry(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl}
}

const zombieIndexKey = "gw:session_index"

func sessionsKey(userID uuid.UUID) string {
	return "gw:sessions:" + userID.String()
}

func indexMember(userID uuid.UUID, socketID string) string {
	return userID.String() + ":" + socketID
}

// AddDeviceSession upserts a session keyed by SocketID, per spec §4.2.
func (r *Registry) AddDeviceSession(ctx context.Context, s DeviceSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal device session: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, sessionsKey(s.UserID), s.SocketID, data)
	pipe.Expire(ctx, sessionsKey(s.UserID), r.ttl)
	pipe.ZAdd(ctx, zombieIndexKey, redis.Z{
		Score:  float64(s.LastActiveTime.Unix()),
		Member: indexMember(s.UserID, s.SocketID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add device session: %w", err)
	}
	return nil
}

// RemoveDeviceSession deletes a single session by socketId.
func (r *Registry) RemoveDeviceSession(ctx context.Context, userID uuid.UUID, socketID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, sessionsKey(userID), socketID)
	pipe.ZRem(ctx, zombieIndexKey, indexMember(userID, socketID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove device session: %w", err)
	}
	return nil
}

// HasActiveDeviceSessions reports whether the user has at least one live session.
func (r *Registry) HasActiveDeviceSessions(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := r.rdb.HLen(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check active device sessions: %w", err)
	}
	return n > 0, nil
}

// SessionsOf returns every live session for a user.
func (r *Registry) SessionsOf(ctx context.Context, userID uuid.UUID) ([]DeviceSession, error) {
	raw, err := r.rdb.HGetAll(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list device sessions: %w", err)
	}
	sessions := make([]DeviceSession, 0, len(raw))
	for _, v := range raw {
		var s DeviceSession
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Renew bumps LastActiveTime and extends the session's TTL, per spec §4.3 "on each ping the server renews the
// session TTL and updates lastActiveTime."
func (r *Registry) Renew(ctx context.Context, userID uuid.UUID, socketID string, now time.Time) error {
	raw, err := r.rdb.HGet(ctx, sessionsKey(userID), socketID).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("renew device session: %w: no such session", err)
		}
		return fmt.Errorf("renew device session: %w", err)
	}

	var s DeviceSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return fmt.Errorf("unmarshal device session: %w", err)
	}
	s.LastActiveTime = now

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal device session: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, sessionsKey(userID), socketID, data)
	pipe.Expire(ctx, sessionsKey(userID), r.ttl)
	pipe.ZAdd(ctx, zombieIndexKey, redis.Z{Score: float64(now.Unix()), Member: indexMember(userID, socketID)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renew device session: %w", err)
	}
	return nil
}

// ZombieIndexKey exposes the sorted-set key used to find stale sessions, for internal/heartbeat's sweep.
func ZombieIndexKey() string {
	return zombieIndexKey
}
