// Package broadcast fans events out to Gateway nodes over Valkey pub/sub, and implements PostBroadcastWorker (spec
// §4.6): the pipeline stage that drains message_outbox, bumps unread counters, dispatches bot webhooks, and queues
// notification tasks after a message has already been durably written and sequenced.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// envelope is the JSON structure published to a room's pub/sub channel.
type envelope struct {
	Type string `json:"t"`
	Data any    `json:"d"`
}

// Publisher serializes dispatch events and publishes them to per-room Valkey pub/sub channels. Unlike a single
// global events channel, room scoping (room:channel:<id>, room:workspace:<id>) lets a Gateway node subscribe only to the
// rooms its connected sessions actually care about.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a new room-scoped event publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger}
}

// ChannelRoom returns the pub/sub channel name for a chat channel's room.
func ChannelRoom(channelID uuid.UUID) string {
	return "room:channel:" + channelID.String()
}

// WorkspaceRoom returns the pub/sub channel name for a workspace's room, used by WorkspaceBroadcaster for
// membership and presence fan-out per spec §4.7.
func WorkspaceRoom(workspaceID uuid.UUID) string {
	return "room:workspace:" + workspaceID.String()
}

// Publish serializes the event as JSON and publishes it to the given room.
func (p *Publisher) Publish(ctx context.Context, room string, eventType string, data any) error {
	payload, err := json.Marshal(envelope{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal broadcast event: %w", err)
	}
	if err := p.rdb.Publish(ctx, room, payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast event: %w", err)
	}
	return nil
}
