package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/broadcast"
	"github.com/corewire/imcore/internal/channel"
	"github.com/corewire/imcore/internal/message"
	"github.com/corewire/imcore/internal/read"
	"github.com/corewire/imcore/internal/user"
	"github.com/corewire/imcore/internal/workspace"
)

// testPublisher wires a broadcast.Publisher against an in-memory miniredis instance, so message handler tests can
// exercise the real publish path without a live Valkey deployment.
func testPublisher(t *testing.T) *broadcast.Publisher {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return broadcast.NewPublisher(rdb, zerolog.Nop())
}

// testTimeout extends the default app.Test() deadline so requests under the race detector do not trigger spurious
// timeouts.
var testTimeout = fiber.TestConfig{Timeout: 5 * time.Second}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// fakeUserRepo implements user.Repository in-memory for handler tests.
type fakeUserRepo struct {
	users map[uuid.UUID]*user.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[uuid.UUID]*user.User)}
}

func (f *fakeUserRepo) Create(ctx context.Context, params user.CreateParams) (*user.User, error) {
	u := &user.User{ID: uuid.New(), Username: params.Username, DisplayName: params.DisplayName, Kind: params.Kind}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*user.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]user.User, error) {
	out := make([]user.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeUserRepo) Update(ctx context.Context, id uuid.UUID, params user.UpdateParams) (*user.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	if params.DisplayName != nil {
		u.DisplayName = *params.DisplayName
	}
	if params.WebhookURL != nil {
		u.WebhookURL = params.WebhookURL
	}
	if params.Active != nil {
		u.Active = *params.Active
	}
	return u, nil
}

// fakeChannelRepo implements channel.Repository in-memory for handler tests.
type fakeChannelRepo struct {
	channels map[uuid.UUID]*channel.Channel
	members  map[uuid.UUID]map[uuid.UUID]bool // channelID -> userID -> member
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{
		channels: make(map[uuid.UUID]*channel.Channel),
		members:  make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (f *fakeChannelRepo) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]channel.Channel, error) {
	var out []channel.Channel
	for _, c := range f.channels {
		if c.WorkspaceID == workspaceID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeChannelRepo) ListJoinedByUser(ctx context.Context, userID uuid.UUID) ([]channel.Channel, error) {
	var out []channel.Channel
	for id, c := range f.channels {
		if f.members[id][userID] {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeChannelRepo) GetByID(ctx context.Context, id uuid.UUID) (*channel.Channel, error) {
	c, ok := f.channels[id]
	if !ok {
		return nil, channel.ErrNotFound
	}
	return c, nil
}

func (f *fakeChannelRepo) Create(ctx context.Context, params channel.CreateParams) (*channel.Channel, error) {
	c := &channel.Channel{ID: uuid.New(), WorkspaceID: params.WorkspaceID, Name: params.Name, Type: params.Type}
	f.channels[c.ID] = c
	f.members[c.ID] = map[uuid.UUID]bool{}
	return c, nil
}

func (f *fakeChannelRepo) Update(ctx context.Context, id uuid.UUID, params channel.UpdateParams) (*channel.Channel, error) {
	c, ok := f.channels[id]
	if !ok {
		return nil, channel.ErrNotFound
	}
	if params.Name != nil {
		c.Name = *params.Name
	}
	return c, nil
}

func (f *fakeChannelRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.channels[id]; !ok {
		return channel.ErrNotFound
	}
	delete(f.channels, id)
	delete(f.members, id)
	return nil
}

func (f *fakeChannelRepo) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	return f.members[channelID][userID], nil
}

func (f *fakeChannelRepo) NextSeqID(ctx context.Context, channelID uuid.UUID) (int64, error) {
	c, ok := f.channels[channelID]
	if !ok {
		return 0, channel.ErrNotFound
	}
	c.MaxSeqID++
	return c.MaxSeqID, nil
}

func (f *fakeChannelRepo) addMember(channelID, userID uuid.UUID) {
	if f.members[channelID] == nil {
		f.members[channelID] = map[uuid.UUID]bool{}
	}
	f.members[channelID][userID] = true
}

// fakeMessageRepo implements message.Repository in-memory for handler tests.
type fakeMessageRepo struct {
	messages  map[uuid.UUID]*message.Message
	byClient  map[string]*message.Message
	nextSeqID int64
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{
		messages: make(map[uuid.UUID]*message.Message),
		byClient: make(map[string]*message.Message),
	}
}

func (f *fakeMessageRepo) Create(ctx context.Context, params message.CreateParams) (*message.CreateResult, error) {
	if params.ClientMsgID != nil {
		key := params.ChannelID.String() + ":" + *params.ClientMsgID
		if existing, ok := f.byClient[key]; ok {
			return &message.CreateResult{Message: existing, Duplicate: true}, nil
		}
	}

	f.nextSeqID++
	m := &message.Message{
		ID:          uuid.New(),
		ChannelID:   params.ChannelID,
		SenderID:    params.SenderID,
		SeqID:       f.nextSeqID,
		ClientMsgID: params.ClientMsgID,
		ParentID:    params.ParentID,
		Type:        params.Type,
		Content:     params.Content,
		Metadata:    params.Metadata,
	}
	f.messages[m.ID] = m
	if params.ClientMsgID != nil {
		f.byClient[params.ChannelID.String()+":"+*params.ClientMsgID] = m
	}
	return &message.CreateResult{Message: m, Duplicate: false}, nil
}

func (f *fakeMessageRepo) GetByID(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	return m, nil
}

func (f *fakeMessageRepo) GetByClientMsgID(ctx context.Context, channelID uuid.UUID, clientMsgID string) (*message.Message, error) {
	m, ok := f.byClient[channelID.String()+":"+clientMsgID]
	if !ok {
		return nil, message.ErrNotFound
	}
	return m, nil
}

func (f *fakeMessageRepo) ListSince(ctx context.Context, channelID uuid.UUID, sinceSeqID int64, limit int) ([]message.Message, error) {
	var out []message.Message
	for _, m := range f.messages {
		if m.ChannelID == channelID && m.SeqID > sinceSeqID {
			out = append(out, *m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessageRepo) Update(ctx context.Context, id uuid.UUID, content string) (*message.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	m.Content = content
	return m, nil
}

func (f *fakeMessageRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	m, ok := f.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	m.IsDeleted = true
	return nil
}

// fakeReadRepo implements read.Repository in-memory for handler tests.
type fakeReadRepo struct {
	statuses map[string]*read.Status
}

func newFakeReadRepo() *fakeReadRepo {
	return &fakeReadRepo{statuses: make(map[string]*read.Status)}
}

func (f *fakeReadRepo) key(userID, channelID uuid.UUID) string {
	return userID.String() + ":" + channelID.String()
}

func (f *fakeReadRepo) Get(ctx context.Context, userID, channelID uuid.UUID) (*read.Status, error) {
	if s, ok := f.statuses[f.key(userID, channelID)]; ok {
		return s, nil
	}
	return &read.Status{UserID: userID, ChannelID: channelID}, nil
}

func (f *fakeReadRepo) ObserveMessage(ctx context.Context, channelID uuid.UUID, excludeUserID uuid.UUID, seqID int64) error {
	return nil
}

func (f *fakeReadRepo) MarkRead(ctx context.Context, userID, channelID, messageID uuid.UUID, seqID int64) error {
	f.statuses[f.key(userID, channelID)] = &read.Status{
		UserID: userID, ChannelID: channelID, LastReadMessageID: &messageID, LastReadSeqID: seqID,
	}
	return nil
}

// fakeWorkspaceRepo implements workspace.Repository in-memory for handler tests.
type fakeWorkspaceRepo struct {
	workspaces map[uuid.UUID]*workspace.Workspace
	members    map[uuid.UUID]map[uuid.UUID]*workspace.Member
}

func newFakeWorkspaceRepo() *fakeWorkspaceRepo {
	return &fakeWorkspaceRepo{
		workspaces: make(map[uuid.UUID]*workspace.Workspace),
		members:    make(map[uuid.UUID]map[uuid.UUID]*workspace.Member),
	}
}

func (f *fakeWorkspaceRepo) Create(ctx context.Context, params workspace.CreateParams) (*workspace.Workspace, error) {
	w := &workspace.Workspace{ID: uuid.New(), Name: params.Name, Slug: params.Slug}
	f.workspaces[w.ID] = w
	f.members[w.ID] = map[uuid.UUID]*workspace.Member{
		params.OwnerID: {UserID: params.OwnerID, Role: workspace.RoleOwner},
	}
	return w, nil
}

func (f *fakeWorkspaceRepo) GetByID(ctx context.Context, id uuid.UUID) (*workspace.Workspace, error) {
	w, ok := f.workspaces[id]
	if !ok {
		return nil, workspace.ErrNotFound
	}
	return w, nil
}

func (f *fakeWorkspaceRepo) GetBySlug(ctx context.Context, slug string) (*workspace.Workspace, error) {
	for _, w := range f.workspaces {
		if w.Slug == slug {
			return w, nil
		}
	}
	return nil, workspace.ErrNotFound
}

func (f *fakeWorkspaceRepo) AddMember(ctx context.Context, workspaceID, userID uuid.UUID, role string) error {
	if f.members[workspaceID] == nil {
		f.members[workspaceID] = map[uuid.UUID]*workspace.Member{}
	}
	if _, exists := f.members[workspaceID][userID]; exists {
		return workspace.ErrAlreadyMember
	}
	f.members[workspaceID][userID] = &workspace.Member{UserID: userID, Role: role}
	return nil
}

func (f *fakeWorkspaceRepo) RemoveMember(ctx context.Context, workspaceID, userID uuid.UUID) error {
	delete(f.members[workspaceID], userID)
	return nil
}

func (f *fakeWorkspaceRepo) GetMember(ctx context.Context, workspaceID, userID uuid.UUID) (*workspace.Member, error) {
	m, ok := f.members[workspaceID][userID]
	if !ok {
		return nil, workspace.ErrNotMember
	}
	return m, nil
}

func (f *fakeWorkspaceRepo) ListMembers(ctx context.Context, workspaceID uuid.UUID) ([]workspace.Member, error) {
	var out []workspace.Member
	for _, m := range f.members[workspaceID] {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeWorkspaceRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]workspace.Workspace, error) {
	var out []workspace.Workspace
	for wid, members := range f.members {
		if _, ok := members[userID]; ok {
			out = append(out, *f.workspaces[wid])
		}
	}
	return out, nil
}
