package sync

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/corewire/imcore/internal/channel"
	"github.com/corewire/imcore/internal/message"
	"github.com/corewire/imcore/internal/read"
)

type fakeChannels struct {
	members  map[uuid.UUID]bool
	channels map[uuid.UUID]*channel.Channel
}

func (f *fakeChannels) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]channel.Channel, error) {
	return nil, nil
}
func (f *fakeChannels) GetByID(ctx context.Context, id uuid.UUID) (*channel.Channel, error) {
	return f.channels[id], nil
}
func (f *fakeChannels) Create(ctx context.Context, params channel.CreateParams) (*channel.Channel, error) {
	return nil, nil
}
func (f *fakeChannels) Update(ctx context.Context, id uuid.UUID, params channel.UpdateParams) (*channel.Channel, error) {
	return nil, nil
}
func (f *fakeChannels) Delete(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeChannels) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	return f.members[userID], nil
}
func (f *fakeChannels) NextSeqID(ctx context.Context, channelID uuid.UUID) (int64, error) {
	return 1, nil
}

func (f *fakeChannels) ListJoinedByUser(ctx context.Context, userID uuid.UUID) ([]channel.Channel, error) {
	return nil, nil
}

type fakeMessages struct {
	messages []message.Message
}

func (f *fakeMessages) Create(ctx context.Context, params message.CreateParams) (*message.CreateResult, error) {
	return nil, nil
}
func (f *fakeMessages) GetByID(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	return nil, nil
}
func (f *fakeMessages) GetByClientMsgID(ctx context.Context, channelID uuid.UUID, clientMsgID string) (*message.Message, error) {
	return nil, nil
}
func (f *fakeMessages) ListSince(ctx context.Context, channelID uuid.UUID, sinceSeqID int64, limit int) ([]message.Message, error) {
	var out []message.Message
	for _, m := range f.messages {
		if m.SeqID > sinceSeqID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
func (f *fakeMessages) Update(ctx context.Context, id uuid.UUID, content string) (*message.Message, error) {
	return nil, nil
}
func (f *fakeMessages) SoftDelete(ctx context.Context, id uuid.UUID) error { return nil }

type fakeReads struct {
	marked bool
}

func (f *fakeReads) Get(ctx context.Context, userID, channelID uuid.UUID) (*read.Status, error) {
	return &read.Status{UserID: userID, ChannelID: channelID}, nil
}
func (f *fakeReads) ObserveMessage(ctx context.Context, channelID uuid.UUID, excludeUserID uuid.UUID, seqID int64) error {
	return nil
}
func (f *fakeReads) MarkRead(ctx context.Context, userID, channelID uuid.UUID, messageID uuid.UUID, seqID int64) error {
	f.marked = true
	return nil
}

func TestSyncChannelRejectsNonMember(t *testing.T) {
	t.Parallel()

	channelID := uuid.New()
	userID := uuid.New()
	e := New(&fakeMessages{}, &fakeChannels{members: map[uuid.UUID]bool{}}, &fakeReads{})

	_, err := e.SyncChannel(context.Background(), userID, channelID, 0, 50)
	if err != channel.ErrNotMember {
		t.Errorf("SyncChannel() error = %v, want ErrNotMember", err)
	}
}

func TestSyncChannelReturnsMessagesSinceCursor(t *testing.T) {
	t.Parallel()

	channelID := uuid.New()
	userID := uuid.New()
	now := time.Now()
	channels := &fakeChannels{
		members:  map[uuid.UUID]bool{userID: true},
		channels: map[uuid.UUID]*channel.Channel{channelID: {ID: channelID, MaxSeqID: 5}},
	}
	messages := &fakeMessages{messages: []message.Message{
		{ID: uuid.New(), ChannelID: channelID, SeqID: 3, CreatedAt: now},
		{ID: uuid.New(), ChannelID: channelID, SeqID: 4, CreatedAt: now},
		{ID: uuid.New(), ChannelID: channelID, SeqID: 5, CreatedAt: now},
	}}
	e := New(messages, channels, &fakeReads{})

	result, err := e.SyncChannel(context.Background(), userID, channelID, 3, 50)
	if err != nil {
		t.Fatalf("SyncChannel() error = %v", err)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(result.Messages))
	}
	if result.MaxSeqID != 5 {
		t.Errorf("MaxSeqID = %d, want 5", result.MaxSeqID)
	}
}

func TestAckRejectsNonMember(t *testing.T) {
	t.Parallel()

	channelID := uuid.New()
	userID := uuid.New()
	e := New(&fakeMessages{}, &fakeChannels{members: map[uuid.UUID]bool{}}, &fakeReads{})

	err := e.Ack(context.Background(), userID, channelID, uuid.New(), 3)
	if err != channel.ErrNotMember {
		t.Errorf("Ack() error = %v, want ErrNotMember", err)
	}
}

func TestAckMarksRead(t *testing.T) {
	t.Parallel()

	channelID := uuid.New()
	userID := uuid.New()
	reads := &fakeReads{}
	channels := &fakeChannels{members: map[uuid.UUID]bool{userID: true}}
	e := New(&fakeMessages{}, channels, reads)

	if err := e.Ack(context.Background(), userID, channelID, uuid.New(), 3); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if !reads.marked {
		t.Error("expected Ack() to call MarkRead")
	}
}
