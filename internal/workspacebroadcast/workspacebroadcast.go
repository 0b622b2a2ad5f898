// Package workspacebroadcast implements WorkspaceBroadcaster (spec §2/§4.7): membership and presence events are
// pushed live to online devices in a workspace's room; offline devices discover the same facts on their next sync,
// so this component never persists a per-user delivery queue of its own.
package workspacebroadcast

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/broadcast"
	"github.com/corewire/imcore/internal/protocol"
)

// MemberJoined is the payload for EventWorkspaceMember.
type MemberJoined struct {
	WorkspaceID uuid.UUID `json:"workspaceId"`
	UserID      uuid.UUID `json:"userId"`
	Role        string    `json:"role"`
}

// PresenceChange is the payload for EventPresenceOnline / EventPresenceOffline.
type PresenceChange struct {
	WorkspaceID uuid.UUID `json:"workspaceId"`
	UserID      uuid.UUID `json:"userId"`
}

// Broadcaster publishes workspace-scoped membership and presence events.
type Broadcaster struct {
	publisher *broadcast.Publisher
	log       zerolog.Logger
}

// New creates a WorkspaceBroadcaster.
func New(publisher *broadcast.Publisher, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{publisher: publisher, log: logger}
}

// MemberJoined publishes a channel.created-equivalent membership event to the workspace room, per spec §4.7:
// "when a user is added to a channel, they immediately receive a channel.created event if online."
func (b *Broadcaster) MemberJoined(ctx context.Context, workspaceID, userID uuid.UUID, role string) error {
	event := MemberJoined{WorkspaceID: workspaceID, UserID: userID, Role: role}
	if err := b.publisher.Publish(ctx, broadcast.WorkspaceRoom(workspaceID), protocol.EventWorkspaceMember, event); err != nil {
		return fmt.Errorf("publish workspace member joined: %w", err)
	}
	return nil
}

// PresenceOnline fans a user's online transition to every workspace room they belong to. Per spec §3 invariant 4,
// callers must only invoke this once per zero-to-nonzero crossing of a user's active device session count.
func (b *Broadcaster) PresenceOnline(ctx context.Context, workspaceIDs []uuid.UUID, userID uuid.UUID) {
	b.fanPresence(ctx, workspaceIDs, userID, protocol.EventPresenceOnline)
}

// PresenceOffline fans a user's offline transition, mirroring PresenceOnline.
func (b *Broadcaster) PresenceOffline(ctx context.Context, workspaceIDs []uuid.UUID, userID uuid.UUID) {
	b.fanPresence(ctx, workspaceIDs, userID, protocol.EventPresenceOffline)
}

func (b *Broadcaster) fanPresence(ctx context.Context, workspaceIDs []uuid.UUID, userID uuid.UUID, eventType string) {
	event := PresenceChange{UserID: userID}
	for _, wid := range workspaceIDs {
		event.WorkspaceID = wid
		if err := b.publisher.Publish(ctx, broadcast.WorkspaceRoom(wid), eventType, event); err != nil {
			b.log.Error().Err(err).Str("workspaceId", wid.String()).Str("event", eventType).Msg("failed to publish presence change")
		}
	}
}
