package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/corewire/imcore/internal/auth"
	"github.com/corewire/imcore/internal/httputil"
	"github.com/corewire/imcore/internal/protocol"
	"github.com/corewire/imcore/internal/user"
)

// UserHandler serves user profile endpoints. Account creation, credentials, and session login are outside this
// build's scope (tokens are minted upstream of the Gateway/API and carried as bearer JWTs); this handler only
// covers reading and updating the profile of an already-authenticated user.
type UserHandler struct {
	users user.Repository
	log   zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, log: logger}
}

type updateUserRequest struct {
	DisplayName *string `json:"display_name"`
}

type userResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Kind        string `json:"kind"`
}

func toUserResponse(u *user.User) userResponse {
	return userResponse{ID: u.ID.String(), Username: u.Username, DisplayName: u.DisplayName, Kind: string(u.Kind)}
}

// GetMe handles GET /api/v1/users/@me.
func (h *UserHandler) GetMe(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "missing user identity")
	}

	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, toUserResponse(u))
}

// UpdateMe handles PATCH /api/v1/users/@me.
func (h *UserHandler) UpdateMe(c fiber.Ctx) error {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.Unauthorized, "missing user identity")
	}

	var body updateUserRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "invalid request body")
	}

	user.NormalizeDisplayName(body.DisplayName)
	if err := user.ValidateDisplayName(body.DisplayName); err != nil {
		return h.mapUserError(c, err)
	}

	u, err := h.users.Update(c, userID, user.UpdateParams{DisplayName: body.DisplayName})
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, toUserResponse(u))
}

// mapUserError converts user-layer errors to appropriate HTTP responses.
func (h *UserHandler) mapUserError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.NotFound, "user not found")
	case errors.Is(err, user.ErrDisplayNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, err.Error())
	case errors.Is(err, user.ErrUsernameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("unhandled user repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "an internal error occurred")
	}
}
