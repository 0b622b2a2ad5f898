package workspacebroadcast

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/broadcast"
)

func TestMemberJoinedPublishesToWorkspaceRoom(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := New(broadcast.NewPublisher(rdb, zerolog.Nop()), zerolog.Nop())

	workspaceID := uuid.New()
	sub := rdb.Subscribe(context.Background(), broadcast.WorkspaceRoom(workspaceID))
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe confirmation error = %v", err)
	}

	if err := b.MemberJoined(context.Background(), workspaceID, uuid.New(), "member"); err != nil {
		t.Fatalf("MemberJoined() error = %v", err)
	}

	msg, err := sub.ReceiveMessage(context.Background())
	if err != nil {
		t.Fatalf("ReceiveMessage() error = %v", err)
	}
	if msg.Channel != broadcast.WorkspaceRoom(workspaceID) {
		t.Errorf("published to channel %q, want %q", msg.Channel, broadcast.WorkspaceRoom(workspaceID))
	}
}
