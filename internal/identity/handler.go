package identity

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// Handler exposes identity endpoints.
type Handler struct {
	service  *Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, validate: validator.New(validator.WithRequiredStructEnabled()), logger: logger}
}

type registerRequest struct {
	Phone    string `json:"phone" validate:"required,e164"`
	PIN      string `json:"pin" validate:"required,numeric,min=4,max=12"`
	DeviceID string `json:"device_id" validate:"max=128"`
}

type userResponse struct {
	UserID       string `json:"user_id"`
	Phone        string `json:"phone"`
	Tier         string `json:"tier"`
	DeviceID     string `json:"device_id"`
	TokenVersion int    `json:"token_version"`
}

// Register handles user onboarding. The returned user_id is the identity a banker
// onboards as a bank customer.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, err := h.service.Register(c.UserContext(), Credentials{Phone: req.Phone, PIN: req.PIN, DeviceID: req.DeviceID})
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			return fiber.NewError(http.StatusConflict, err.Error())
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if h.logger != nil {
		h.logger.Info("identity.register completed", slog.String("user_id", user.ID))
	}
	return c.Status(http.StatusCreated).JSON(toUserResponse(user))
}

// Me returns the profile of the authenticated caller.
func (h *Handler) Me(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	user, err := h.service.Get(c.UserContext(), uid)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, "user not found")
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"user":          toUserResponse(user),
		"created_at":    user.CreatedAt,
		"last_login_at": user.LastLoginAt,
	})
}

func toUserResponse(u User) userResponse {
	return userResponse{UserID: u.ID, Phone: u.Phone, Tier: u.Tier, DeviceID: u.DeviceID, TokenVersion: u.TokenVersion}
}
