// Package router implements MessageRouter (spec §4.5): the single entry point both the HTTP API and the Gateway
// command path use to create a message, so sequencing, dedup, mention parsing, and outbox insertion always happen
// exactly once regardless of which transport the client used (spec §9 Open Question).
package router

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/broadcast"
	"github.com/corewire/imcore/internal/channel"
	"github.com/corewire/imcore/internal/message"
	"github.com/corewire/imcore/internal/protocol"
)

// Router wires message creation to channel membership checks and room-scoped broadcast, in the teacher's
// "repository behind a thin domain service" idiom.
type Router struct {
	messages  message.Repository
	channels  channel.Repository
	publisher *broadcast.Publisher
	log       zerolog.Logger
}

// New creates a MessageRouter.
func New(messages message.Repository, channels channel.Repository, publisher *broadcast.Publisher, logger zerolog.Logger) *Router {
	return &Router{messages: messages, channels: channels, publisher: publisher, log: logger}
}

// CreateMessage validates channel membership, then delegates to message.Repository.Create for the sequencing/dedup
// transaction, and finally publishes the result to the channel's room. Returns the persisted message and whether
// it was a dedup hit (in which case no new broadcast is published, per spec §4.5 step 1/§8 property 2).
func (r *Router) CreateMessage(ctx context.Context, params message.CreateParams) (*message.CreateResult, error) {
	isMember, err := r.channels.IsMember(ctx, params.ChannelID, params.SenderID)
	if err != nil {
		return nil, fmt.Errorf("check channel membership: %w", err)
	}
	if !isMember {
		return nil, channel.ErrNotMember
	}

	result, err := r.messages.Create(ctx, params)
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		r.log.Debug().Str("clientMsgId", derefClientMsgID(params.ClientMsgID)).Msg("dedup hit, skipping broadcast")
		return result, nil
	}

	room := broadcast.ChannelRoom(params.ChannelID)
	if err := r.publisher.Publish(ctx, room, protocol.EventMessageNew, result.Message); err != nil {
		r.log.Error().Err(err).Str("messageId", result.Message.ID.String()).Msg("failed to publish message.new")
	}

	return result, nil
}

func derefClientMsgID(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}
