package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/google/uuid"

	"github.com/corewire/imcore/internal/notify"
	"github.com/corewire/imcore/internal/outbox"
	"github.com/corewire/imcore/internal/read"
	"github.com/corewire/imcore/internal/user"
)

// webhookTimeout bounds every bot webhook POST per spec §4.6 step 6.
const webhookTimeout = 5 * time.Second

// membershipCacheTTL bounds how long an active-membership list is trusted before PostBroadcastWorker re-queries
// Postgres, fronting the hot path described in SPEC_FULL's golang-lru wiring.
const membershipCacheTTL = 10 * time.Second

type membershipEntry struct {
	members   []Member
	expiresAt time.Time
}

// Member is one active channel member as seen by PostBroadcastWorker's membership lookup.
type Member struct {
	UserID      uuid.UUID
	ChannelType string
}

// MembershipLookup resolves the active members of a channel plus its type, used by the worker to decide unread
// bumps, DM/thread/mention notification targets, and bot webhook recipients.
type MembershipLookup interface {
	ActiveMembers(ctx context.Context, channelID uuid.UUID) ([]Member, error)
}

// Mention is one recorded mention target for a message. UserID is nil for the broadcast kinds ("everyone"/"here").
type Mention struct {
	UserID *uuid.UUID
	Kind   string
}

// MentionLookup resolves the mention rows recorded for a message, used to queue step-5 mention-notification tasks.
type MentionLookup interface {
	MentionsFor(ctx context.Context, messageID uuid.UUID) ([]Mention, error)
}

// BotLookup resolves the active bot users (with webhook URLs) among a set of member IDs.
type BotLookup interface {
	ActiveBotsWithWebhooks(ctx context.Context, userIDs []uuid.UUID) ([]user.User, error)
}

// Worker implements PostBroadcastWorker (spec §4.6): it drains message_outbox, updates unread counters, queues
// notification tasks, dispatches bot webhooks, and marks each row completed.
type Worker struct {
	outbox   outbox.Repository
	reads    read.Repository
	members  MembershipLookup
	mentions MentionLookup
	bots     BotLookup
	notifier *notify.Publisher
	http     *http.Client
	breakers *lru.Cache[string, *gobreaker.CircuitBreaker]
	cache    *lru.Cache[uuid.UUID, membershipEntry]
	log      zerolog.Logger
}

// NewWorker creates a PostBroadcastWorker. cacheSize bounds the number of channels whose membership is cached
// in-process at once.
func NewWorker(outboxRepo outbox.Repository, reads read.Repository, members MembershipLookup, mentions MentionLookup, bots BotLookup, notifier *notify.Publisher, logger zerolog.Logger, cacheSize int) (*Worker, error) {
	cache, err := lru.New[uuid.UUID, membershipEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create membership cache: %w", err)
	}
	breakers, err := lru.New[string, *gobreaker.CircuitBreaker](1024)
	if err != nil {
		return nil, fmt.Errorf("create breaker cache: %w", err)
	}
	return &Worker{
		outbox:   outboxRepo,
		reads:    reads,
		members:  members,
		mentions: mentions,
		bots:     bots,
		notifier: notifier,
		http:     &http.Client{Timeout: webhookTimeout},
		breakers: breakers,
		cache:    cache,
		log:      logger,
	}, nil
}

// Drain claims up to batchSize pending rows and processes each one.
func (w *Worker) Drain(ctx context.Context, batchSize int) (int, error) {
	rows, err := w.outbox.ListPending(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending outbox rows: %w", err)
	}
	for _, row := range rows {
		if err := w.process(ctx, row); err != nil {
			w.log.Error().Err(err).Str("outboxId", row.ID.String()).Msg("failed to process outbox row")
			if markErr := w.outbox.MarkFailed(ctx, row.ID); markErr != nil {
				w.log.Error().Err(markErr).Str("outboxId", row.ID.String()).Msg("failed to mark outbox row failed")
			}
			continue
		}
		if err := w.outbox.MarkCompleted(ctx, row.ID); err != nil {
			w.log.Error().Err(err).Str("outboxId", row.ID.String()).Msg("failed to mark outbox row completed")
		}
	}
	return len(rows), nil
}

func (w *Worker) process(ctx context.Context, row outbox.Row) error {
	env, err := row.Decode()
	if err != nil {
		return fmt.Errorf("decode outbox envelope: %w", err)
	}

	members, err := w.activeMembers(ctx, env.ChannelID)
	if err != nil {
		return fmt.Errorf("load channel membership: %w", err)
	}

	var channelType string
	var memberIDs []uuid.UUID
	for _, m := range members {
		channelType = m.ChannelType
		if m.UserID == env.SenderID {
			continue
		}
		memberIDs = append(memberIDs, m.UserID)
		if err := w.reads.ObserveMessage(ctx, env.ChannelID, env.SenderID, env.SeqID); err != nil {
			w.log.Error().Err(err).Msg("failed to bump unread counter")
		}
	}

	w.queueNotifications(ctx, env, channelType, memberIDs)
	w.queueMentionNotifications(ctx, env, memberIDs)
	w.dispatchBotWebhooks(ctx, env, memberIDs)

	return nil
}

func (w *Worker) queueNotifications(ctx context.Context, env *outbox.Envelope, channelType string, memberIDs []uuid.UUID) {
	if channelType == "direct" {
		for _, uid := range memberIDs {
			w.publishTask(ctx, notify.Task{Kind: notify.TaskDirectMessage, UserID: uid, ChannelID: env.ChannelID, MessageID: env.MsgID, SenderID: env.SenderID})
		}
	}
	if env.ParentID != nil {
		for _, uid := range memberIDs {
			w.publishTask(ctx, notify.Task{Kind: notify.TaskThreadReply, UserID: uid, ChannelID: env.ChannelID, MessageID: env.MsgID, SenderID: env.SenderID})
		}
	}
}

// queueMentionNotifications implements spec §4.6 step 5: for every mention recorded against the message, emit a
// mention-notification task for the mentioned user, or fan one out to every other active member for the
// "everyone"/"here" broadcast kinds.
func (w *Worker) queueMentionNotifications(ctx context.Context, env *outbox.Envelope, memberIDs []uuid.UUID) {
	mentions, err := w.mentions.MentionsFor(ctx, env.MsgID)
	if err != nil {
		w.log.Error().Err(err).Str("messageId", env.MsgID.String()).Msg("failed to load message mentions")
		return
	}
	if len(mentions) == 0 {
		return
	}
	memberSet := make(map[uuid.UUID]bool, len(memberIDs))
	for _, id := range memberIDs {
		memberSet[id] = true
	}
	for _, m := range mentions {
		if m.UserID != nil {
			if !memberSet[*m.UserID] {
				continue
			}
			w.publishTask(ctx, notify.Task{Kind: notify.TaskMention, UserID: *m.UserID, ChannelID: env.ChannelID, MessageID: env.MsgID, SenderID: env.SenderID})
			continue
		}
		for _, uid := range memberIDs {
			w.publishTask(ctx, notify.Task{Kind: notify.TaskMention, UserID: uid, ChannelID: env.ChannelID, MessageID: env.MsgID, SenderID: env.SenderID})
		}
	}
}

func (w *Worker) publishTask(ctx context.Context, task notify.Task) {
	if err := w.notifier.Publish(ctx, task); err != nil {
		w.log.Error().Err(err).Str("kind", task.Kind).Msg("failed to queue notification task")
	}
}

// dispatchBotWebhooks POSTs the message envelope to every active bot's webhook URL among the channel's members,
// excluding the sender, each call gated by a per-URL circuit breaker so a consistently-failing bot stops being
// hammered without ever retrying inline or blocking outbox completion.
func (w *Worker) dispatchBotWebhooks(ctx context.Context, env *outbox.Envelope, memberIDs []uuid.UUID) {
	bots, err := w.bots.ActiveBotsWithWebhooks(ctx, memberIDs)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to load active bots")
		return
	}
	for _, bot := range bots {
		if bot.WebhookURL == nil || *bot.WebhookURL == "" {
			continue
		}
		breaker := w.breakerFor(*bot.WebhookURL)
		_, err := breaker.Execute(func() (any, error) {
			return nil, w.postWebhook(ctx, *bot.WebhookURL, env)
		})
		if err != nil {
			w.log.Warn().Err(err).Str("botId", bot.ID.String()).Msg("bot webhook dispatch failed")
		}
	}
}

func (w *Worker) postWebhook(ctx context.Context, url string, env *outbox.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", "message.new")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *Worker) breakerFor(url string) *gobreaker.CircuitBreaker {
	if cb, ok := w.breakers.Get(url); ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    url,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	w.breakers.Add(url, cb)
	return cb
}

func (w *Worker) activeMembers(ctx context.Context, channelID uuid.UUID) ([]Member, error) {
	if entry, ok := w.cache.Get(channelID); ok && time.Now().Before(entry.expiresAt) {
		return entry.members, nil
	}
	members, err := w.members.ActiveMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	w.cache.Add(channelID, membershipEntry{members: members, expiresAt: time.Now().Add(membershipCacheTTL)})
	return members, nil
}
