package broadcast

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corewire/imcore/internal/user"
)

// PGMembership implements MembershipLookup directly against Postgres, independent of internal/channel's
// Repository so the worker's hot read-through path stays a single query rather than round-tripping through a
// general-purpose domain repository.
type PGMembership struct {
	db *pgxpool.Pool
}

// NewPGMembership creates a PostgreSQL-backed MembershipLookup.
func NewPGMembership(db *pgxpool.Pool) *PGMembership {
	return &PGMembership{db: db}
}

// ActiveMembers returns every active member of channelID along with the channel's type.
func (m *PGMembership) ActiveMembers(ctx context.Context, channelID uuid.UUID) ([]Member, error) {
	rows, err := m.db.Query(ctx,
		`SELECT cm.user_id, c.type
		 FROM channel_members cm
		 JOIN channels c ON c.id = cm.channel_id
		 WHERE cm.channel_id = $1 AND cm.left_at IS NULL`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query active channel members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var mem Member
		if err := rows.Scan(&mem.UserID, &mem.ChannelType); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		members = append(members, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel members: %w", err)
	}
	return members, nil
}

// PGMentions implements MentionLookup directly against Postgres.
type PGMentions struct {
	db *pgxpool.Pool
}

// NewPGMentions creates a PostgreSQL-backed MentionLookup.
func NewPGMentions(db *pgxpool.Pool) *PGMentions {
	return &PGMentions{db: db}
}

// MentionsFor returns every mention row recorded for messageID, including the broadcast-kind ("everyone"/"here")
// rows whose UserID is nil.
func (m *PGMentions) MentionsFor(ctx context.Context, messageID uuid.UUID) ([]Mention, error) {
	rows, err := m.db.Query(ctx,
		`SELECT user_id, kind FROM message_mentions WHERE message_id = $1`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("query message mentions: %w", err)
	}
	defer rows.Close()

	var mentions []Mention
	for rows.Next() {
		var men Mention
		if err := rows.Scan(&men.UserID, &men.Kind); err != nil {
			return nil, fmt.Errorf("scan message mention: %w", err)
		}
		mentions = append(mentions, men)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message mentions: %w", err)
	}
	return mentions, nil
}

// PGBotLookup implements BotLookup directly against Postgres.
type PGBotLookup struct {
	db *pgxpool.Pool
}

// NewPGBotLookup creates a PostgreSQL-backed BotLookup.
func NewPGBotLookup(db *pgxpool.Pool) *PGBotLookup {
	return &PGBotLookup{db: db}
}

// ActiveBotsWithWebhooks returns the active bot users among userIDs that carry a non-empty webhook URL.
func (b *PGBotLookup) ActiveBotsWithWebhooks(ctx context.Context, userIDs []uuid.UUID) ([]user.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := b.db.Query(ctx,
		`SELECT id, username, display_name, kind, webhook_url, active, created_at
		 FROM users
		 WHERE id = ANY($1) AND kind = 'bot' AND active = true AND webhook_url IS NOT NULL AND webhook_url != ''`,
		userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query active bots: %w", err)
	}
	defer rows.Close()

	var bots []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Kind, &u.WebhookURL, &u.Active, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bot user: %w", err)
		}
		bots = append(bots, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bot users: %w", err)
	}
	return bots, nil
}
