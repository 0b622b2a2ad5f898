package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/auth"
	"github.com/corewire/imcore/internal/channel"
	"github.com/corewire/imcore/internal/httputil"
	"github.com/corewire/imcore/internal/protocol"
	"github.com/corewire/imcore/internal/workspace"
)

// ChannelHandler serves channel endpoints within a workspace.
type ChannelHandler struct {
	channels   channel.Repository
	workspaces workspace.Repository
	log        zerolog.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(channels channel.Repository, workspaces workspace.Repository, logger zerolog.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, workspaces: workspaces, log: logger}
}

type createChannelRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type channelResponse struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	MaxSeqID    int64  `json:"max_seq_id"`
}

func toChannelResponse(ch *channel.Channel) channelResponse {
	return channelResponse{
		ID:          ch.ID.String(),
		WorkspaceID: ch.WorkspaceID.String(),
		Name:        ch.Name,
		Type:        ch.Type,
		MaxSeqID:    ch.MaxSeqID,
	}
}

// ListChannels handles GET /api/v1/workspaces/:workspaceID/channels. Only channels within workspaces the caller
// belongs to are listed; membership is not re-checked per channel here since channel rows carry no independent ACL
// beyond workspace membership plus the per-channel member list enforced on join/send.
func (h *ChannelHandler) ListChannels(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "missing user identity")
	}

	workspaceID, err := uuid.Parse(c.Params("workspaceID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid workspace id")
	}

	if _, err := h.workspaces.GetMember(c, workspaceID, userID); err != nil {
		return h.mapChannelError(c, err)
	}

	channels, err := h.channels.ListByWorkspace(c, workspaceID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("list channels failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "an internal error occurred")
	}

	result := make([]channelResponse, len(channels))
	for i := range channels {
		result[i] = toChannelResponse(&channels[i])
	}
	return httputil.Success(c, result)
}

// CreateChannel handles POST /api/v1/workspaces/:workspaceID/channels.
func (h *ChannelHandler) CreateChannel(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "missing user identity")
	}

	workspaceID, err := uuid.Parse(c.Params("workspaceID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid workspace id")
	}

	member, err := h.workspaces.GetMember(c, workspaceID, userID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if !workspace.AtLeast(member.Role, workspace.RoleMember) {
		return httputil.Fail(c, fiber.StatusForbidden, protocol.Forbidden, "insufficient workspace role")
	}

	var body createChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid request body")
	}

	name, err := channel.ValidateNameRequired(body.Name)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	chType := body.Type
	if chType == "" {
		chType = channel.TypePublic
	}
	if err := channel.ValidateType(chType); err != nil {
		return h.mapChannelError(c, err)
	}

	ch, err := h.channels.Create(c, channel.CreateParams{WorkspaceID: workspaceID, Name: name, Type: chType})
	if err != nil {
		return h.mapChannelError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toChannelResponse(ch))
}

// GetChannel handles GET /api/v1/channels/:channelID.
func (h *ChannelHandler) GetChannel(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "missing user identity")
	}

	channelID, err := uuid.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid channel id")
	}

	isMember, err := h.channels.IsMember(c, channelID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "channel").Msg("check channel membership failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "an internal error occurred")
	}
	if !isMember {
		return httputil.Fail(c, fiber.StatusForbidden, protocol.Forbidden, "not a member of this channel")
	}

	ch, err := h.channels.GetByID(c, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, toChannelResponse(ch))
}

// mapChannelError converts channel/workspace-layer errors to appropriate HTTP responses.
func (h *ChannelHandler) mapChannelError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.NotFound, "channel not found")
	case errors.Is(err, channel.ErrNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, err.Error())
	case errors.Is(err, channel.ErrInvalidType):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, err.Error())
	case errors.Is(err, channel.ErrNotMember):
		return httputil.Fail(c, fiber.StatusForbidden, protocol.Forbidden, err.Error())
	case errors.Is(err, workspace.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.NotFound, "workspace not found")
	case errors.Is(err, workspace.ErrNotMember):
		return httputil.Fail(c, fiber.StatusForbidden, protocol.Forbidden, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "channel").Msg("unhandled channel repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "an internal error occurred")
	}
}
