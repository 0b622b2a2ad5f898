package api

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/auth"
	"github.com/corewire/imcore/internal/channel"
	"github.com/corewire/imcore/internal/httputil"
	"github.com/corewire/imcore/internal/message"
	"github.com/corewire/imcore/internal/protocol"
	"github.com/corewire/imcore/internal/router"
	"github.com/corewire/imcore/internal/sync"
)

// MessageHandler serves message creation and history endpoints, delegating the write path to the MessageRouter so
// sequencing and broadcast happen identically whether the caller came in over HTTP or the Gateway.
type MessageHandler struct {
	router *router.Router
	sync   *sync.Engine
	log    zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(r *router.Router, syncEngine *sync.Engine, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{router: r, sync: syncEngine, log: logger}
}

type createMessageRequest struct {
	Content     string          `json:"content"`
	Type        string          `json:"type"`
	ParentID    *string         `json:"parent_id"`
	ClientMsgID *string         `json:"client_msg_id"`
	Metadata    json.RawMessage `json:"metadata"`
}

type messageResponse struct {
	ID          string          `json:"id"`
	ChannelID   string          `json:"channel_id"`
	SenderID    string          `json:"sender_id"`
	SeqID       int64           `json:"seq_id"`
	ParentID    *string         `json:"parent_id,omitempty"`
	RootID      *string         `json:"root_id,omitempty"`
	Type        string          `json:"type"`
	Content     string          `json:"content"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	IsDeleted   bool            `json:"is_deleted"`
	Duplicate   bool            `json:"duplicate,omitempty"`
}

func toMessageResponse(m *message.Message, duplicate bool) messageResponse {
	resp := messageResponse{
		ID:        m.ID.String(),
		ChannelID: m.ChannelID.String(),
		SenderID:  m.SenderID.String(),
		SeqID:     m.SeqID,
		Type:      m.Type,
		Content:   m.Content,
		Metadata:  m.Metadata,
		IsDeleted: m.IsDeleted,
		Duplicate: duplicate,
	}
	if m.ParentID != nil {
		s := m.ParentID.String()
		resp.ParentID = &s
	}
	if m.RootID != nil {
		s := m.RootID.String()
		resp.RootID = &s
	}
	return resp
}

// CreateMessage handles POST /api/v1/channels/:channelID/messages.
func (h *MessageHandler) CreateMessage(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "missing user identity")
	}

	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid channel id")
	}

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid request body")
	}

	content, err := message.ValidateContent(body.Content)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	msgType := body.Type
	if msgType == "" {
		msgType = message.TypeText
	}
	if err := message.ValidateType(msgType); err != nil {
		return h.mapMessageError(c, err)
	}

	var parentID *uuid.UUID
	if body.ParentID != nil {
		parsed, err := uuid.Parse(*body.ParentID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid parent id")
		}
		parentID = &parsed
	}

	result, err := h.router.CreateMessage(c, message.CreateParams{
		ChannelID:   channelID,
		SenderID:    userID,
		Content:     content,
		Type:        msgType,
		ParentID:    parentID,
		ClientMsgID: body.ClientMsgID,
		Metadata:    body.Metadata,
	})
	if err != nil {
		return h.mapMessageError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toMessageResponse(result.Message, result.Duplicate))
}

// ListMessages handles GET /api/v1/channels/:channelID/messages, the SyncEngine's pull-based catch-up path exposed
// over HTTP.
func (h *MessageHandler) ListMessages(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "missing user identity")
	}

	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid channel id")
	}

	sinceSeqID, err := parseInt64Query(c, "since_seq_id", 0)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid since_seq_id")
	}
	limit, err := parseInt64Query(c, "limit", message.DefaultLimit)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid limit")
	}

	result, err := h.sync.SyncChannel(c, userID, channelID, sinceSeqID, int(limit))
	if err != nil {
		return h.mapMessageError(c, err)
	}

	resp := make([]messageResponse, len(result.Messages))
	for i := range result.Messages {
		resp[i] = toMessageResponse(&result.Messages[i], false)
	}
	return httputil.Success(c, fiber.Map{"messages": resp, "max_seq_id": result.MaxSeqID})
}

// AckMessage handles POST /api/v1/channels/:channelID/ack, advancing the caller's read cursor.
func (h *MessageHandler) AckMessage(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "missing user identity")
	}

	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid channel id")
	}

	var body struct {
		MessageID string `json:"message_id"`
		SeqID     int64  `json:"seq_id"`
	}
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid request body")
	}

	messageID, err := uuid.Parse(body.MessageID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid message id")
	}

	if err := h.sync.Ack(c, userID, channelID, messageID, body.SeqID); err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, fiber.Map{"acked": true})
}

func parseInt64Query(c fiber.Ctx, key string, def int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// mapMessageError converts message/channel-layer errors to appropriate HTTP responses.
func (h *MessageHandler) mapMessageError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.NotFound, "message not found")
	case errors.Is(err, message.ErrEmptyContent):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, err.Error())
	case errors.Is(err, message.ErrContentTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, err.Error())
	case errors.Is(err, message.ErrInvalidType):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, err.Error())
	case errors.Is(err, message.ErrParentNotFound):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, err.Error())
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.NotFound, "channel not found")
	case errors.Is(err, channel.ErrNotMember):
		return httputil.Fail(c, fiber.StatusForbidden, protocol.Forbidden, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg("unhandled message repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "an internal error occurred")
	}
}
