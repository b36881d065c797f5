package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/client"
	"github.com/noah-isme/chatsync/internal/settings"
	"github.com/noah-isme/chatsync/internal/store"
	"github.com/noah-isme/chatsync/internal/utils"
	"github.com/noah-isme/chatsync/pkg/ai"
)

// LanguageHandler serves the optional translation and smart-reply
// endpoints. Both are gated on the settings resolution layer: a disabled
// feature answers 403 without contacting the language endpoint.
type LanguageHandler struct {
	ai     *ai.Client
	client *client.Client
	logger zerolog.Logger
}

type translateRequest struct {
	MessageID      string `json:"message_id"`
	TargetLanguage string `json:"target_language"`
}

// NewLanguageHandler creates a language handler instance. The ai client may
// be nil when no API key is configured; routes then answer 503.
func NewLanguageHandler(aiClient *ai.Client, syncClient *client.Client, logger zerolog.Logger) *LanguageHandler {
	return &LanguageHandler{
		ai:     aiClient,
		client: syncClient,
		logger: logger.With().Str("component", "language_handler").Logger(),
	}
}

// Register binds the language routes under the provided router group.
func (h *LanguageHandler) Register(router fiber.Router) {
	router.Post("/conversations/:id/translate", h.translate)
	router.Get("/conversations/:id/messages/:messageID/replies", h.smartReplies)
}

func (h *LanguageHandler) translate(c *fiber.Ctx) error {
	if h.ai == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "language features are not configured")
	}

	conversationID := c.Params("id")
	if !h.client.EffectiveSetting(conversationID, settings.FeatureAutoTranslate) {
		return utils.SendError(c, fiber.StatusForbidden, "auto-translate is disabled for this conversation")
	}

	var req translateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.MessageID == "" || req.TargetLanguage == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "message_id and target_language are required")
	}

	msg, err := h.client.Store().GetMessage(req.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "message not found")
		}
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load message")
	}

	translated, err := h.ai.Translate(c.UserContext(), msg.Text, req.TargetLanguage)
	if err != nil {
		h.logger.Debug().Err(err).Str("message_id", req.MessageID).Msg("translation failed")
		return utils.SendError(c, fiber.StatusBadGateway, "translation unavailable")
	}

	return utils.SendSuccess(c, "message translated", fiber.Map{
		"message_id": req.MessageID,
		"text":       translated,
	})
}

func (h *LanguageHandler) smartReplies(c *fiber.Ctx) error {
	if h.ai == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "language features are not configured")
	}

	conversationID := c.Params("id")
	if !h.client.EffectiveSetting(conversationID, settings.FeatureSmartReplies) {
		return utils.SendError(c, fiber.StatusForbidden, "smart replies are disabled for this conversation")
	}

	msg, err := h.client.Store().GetMessage(c.Params("messageID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "message not found")
		}
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load message")
	}

	replies, err := h.ai.SmartReplies(c.UserContext(), msg.Text)
	if err != nil {
		h.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("smart replies failed")
		return utils.SendError(c, fiber.StatusBadGateway, "smart replies unavailable")
	}

	return utils.SendSuccess(c, "replies suggested", fiber.Map{
		"message_id": msg.ID,
		"replies":    replies,
	})
}
