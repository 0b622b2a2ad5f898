// Package sync implements SyncEngine (spec §4.7): pull-based catch-up for clients that reconnect after missing
// real-time delivery, driven by per-channel seqId cursors rather than a replay log.
package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/corewire/imcore/internal/channel"
	"github.com/corewire/imcore/internal/message"
	"github.com/corewire/imcore/internal/read"
)

// ChannelSync is the result of syncing a single channel: the messages a client missed, and the channel's current
// high-water mark so the client knows where its next cursor should start.
type ChannelSync struct {
	Messages []message.Message
	MaxSeqID int64
}

// Engine implements SyncEngine.
type Engine struct {
	messages message.Repository
	channels channel.Repository
	reads    read.Repository
}

// New creates a SyncEngine.
func New(messages message.Repository, channels channel.Repository, reads read.Repository) *Engine {
	return &Engine{messages: messages, channels: channels, reads: reads}
}

// SyncChannel returns every non-deleted message with seqId > sinceSeqID, up to limit, along with the channel's
// current max_seq_id. A sinceSeqID of 0 returns the oldest page of channel history.
func (e *Engine) SyncChannel(ctx context.Context, userID, channelID uuid.UUID, sinceSeqID int64, limit int) (*ChannelSync, error) {
	isMember, err := e.channels.IsMember(ctx, channelID, userID)
	if err != nil {
		return nil, fmt.Errorf("check channel membership: %w", err)
	}
	if !isMember {
		return nil, channel.ErrNotMember
	}

	ch, err := e.channels.GetByID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}

	messages, err := e.messages.ListSince(ctx, channelID, sinceSeqID, message.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages since seq id: %w", err)
	}

	return &ChannelSync{Messages: messages, MaxSeqID: ch.MaxSeqID}, nil
}

// Ack advances the user's read cursor for the channel to the given message/seqId pair, per spec §4.7's
// read-acknowledgement contract.
func (e *Engine) Ack(ctx context.Context, userID, channelID, messageID uuid.UUID, seqID int64) error {
	isMember, err := e.channels.IsMember(ctx, channelID, userID)
	if err != nil {
		return fmt.Errorf("check channel membership: %w", err)
	}
	if !isMember {
		return channel.ErrNotMember
	}
	return e.reads.MarkRead(ctx, userID, channelID, messageID, seqID)
}
