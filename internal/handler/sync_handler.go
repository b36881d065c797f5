package handler

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/client"
	"github.com/noah-isme/chatsync/internal/dto"
	"github.com/noah-isme/chatsync/internal/pipeline"
	"github.com/noah-isme/chatsync/internal/store"
	"github.com/noah-isme/chatsync/internal/utils"
)

// SyncHandler exposes the sync core to the local UI process.
type SyncHandler struct {
	client    *client.Client
	selfID    string
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewSyncHandler creates a sync handler instance.
func NewSyncHandler(client *client.Client, selfID string, validator *validator.Validate, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{
		client:    client,
		selfID:    selfID,
		validator: validator,
		logger:    logger.With().Str("component", "sync_handler").Logger(),
	}
}

// Register binds the conversation and message routes.
func (h *SyncHandler) Register(router fiber.Router) {
	conversations := router.Group("/conversations")
	conversations.Post("/", h.createConversation)
	conversations.Get("/", h.listConversations)
	conversations.Post("/:id/open", h.openConversation)
	conversations.Post("/:id/close", h.closeConversation)
	conversations.Post("/:id/active", h.setActive)
	conversations.Get("/:id/messages", h.listMessages)
	conversations.Post("/:id/messages", h.sendMessage)
	conversations.Post("/:id/media", h.sendMedia)
	conversations.Post("/:id/read", h.markRead)
	conversations.Post("/:id/typing", h.typing)
	conversations.Post("/:id/reactions", h.toggleReaction)
	conversations.Put("/:id/nickname", h.setNickname)
	conversations.Put("/:id/settings/:feature", h.setConversationSetting)
	conversations.Get("/:id/settings/:feature", h.effectiveSetting)
	conversations.Post("/:id/hide", h.hideConversation)

	router.Post("/messages/:id/retry", h.retrySend)
	router.Put("/settings/:feature", h.setUserDefault)
	router.Get("/users/:id/presence", h.peerPresence)
}

func (h *SyncHandler) createConversation(c *fiber.Ctx) error {
	var req dto.CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	conv, err := h.client.CreateConversation(c.UserContext(), req.Kind, req.ParticipantIDs, req.Name)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	return utils.SendSuccess(c, "conversation created", conv)
}

func (h *SyncHandler) listConversations(c *fiber.Ctx) error {
	convs, err := h.client.Store().ListConversations()
	if err != nil {
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list conversations")
	}

	out := make([]dto.ConversationResponse, 0, len(convs))
	for _, conv := range convs {
		unread, err := h.client.Store().UnreadCount(conv.ID, h.selfID)
		if err != nil {
			h.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to count unread messages")
		}
		out = append(out, dto.ConversationResponse{Conversation: conv, UnreadCount: unread})
	}

	return utils.SendSuccess(c, "conversations retrieved", out)
}

func (h *SyncHandler) openConversation(c *fiber.Ctx) error {
	h.client.OpenConversation(c.Params("id"))
	return utils.SendSuccess(c, "conversation opened", nil)
}

func (h *SyncHandler) closeConversation(c *fiber.Ctx) error {
	h.client.CloseConversation(c.Params("id"))
	return utils.SendSuccess(c, "conversation closed", nil)
}

func (h *SyncHandler) setActive(c *fiber.Ctx) error {
	h.client.SetActiveConversation(c.Params("id"))
	return utils.SendSuccess(c, "active conversation set", nil)
}

func (h *SyncHandler) listMessages(c *fiber.Ctx) error {
	msgs, err := h.client.Store().ListMessages(c.Params("id"), h.selfID)
	if err != nil {
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list messages")
	}

	return utils.SendSuccess(c, "messages retrieved", msgs)
}

func (h *SyncHandler) sendMessage(c *fiber.Ctx) error {
	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	msg, err := h.client.SendText(c.UserContext(), c.Params("id"), req.Text)
	if err != nil {
		if errors.Is(err, pipeline.ErrEmptyMessage) {
			return utils.SendError(c, fiber.StatusBadRequest, "message text must not be empty")
		}
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to send message")
	}

	return utils.SendSuccess(c, "message queued", msg)
}

func (h *SyncHandler) sendMedia(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	kind, err := mediaKind(c.FormValue("kind"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	blob, err := fileHeader.Open()
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "failed to open uploaded file")
	}
	defer blob.Close()

	msg, err := h.client.SendMedia(c.UserContext(), c.Params("id"), kind, fileHeader.Filename, blob)
	if err != nil {
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to send media message")
	}

	return utils.SendSuccess(c, "media message queued", msg)
}

func (h *SyncHandler) retrySend(c *fiber.Ctx) error {
	if err := h.client.RetrySend(c.Params("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "message not found")
		}
		if errors.Is(err, pipeline.ErrNotFailed) {
			return utils.SendError(c, fiber.StatusConflict, "message is not in a failed state")
		}
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to retry message")
	}

	return utils.SendSuccess(c, "message re-queued", nil)
}

func (h *SyncHandler) markRead(c *fiber.Ctx) error {
	if err := h.client.MarkConversationRead(c.Params("id")); err != nil {
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to mark conversation read")
	}

	return utils.SendSuccess(c, "conversation marked read", nil)
}

func (h *SyncHandler) typing(c *fiber.Ctx) error {
	h.client.Typing(c.Params("id"))
	return utils.SendSuccess(c, "typing recorded", nil)
}

func (h *SyncHandler) toggleReaction(c *fiber.Ctx) error {
	var req dto.ReactionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.client.ToggleReaction(c.Params("id"), req.MessageID, req.Emoji); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "message not found")
		}
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to toggle reaction")
	}

	return utils.SendSuccess(c, "reaction toggled", nil)
}

func (h *SyncHandler) setNickname(c *fiber.Ctx) error {
	var req dto.NicknameRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.client.SetNickname(c.Params("id"), req.Nickname); err != nil {
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to set nickname")
	}

	return utils.SendSuccess(c, "nickname updated", nil)
}

func (h *SyncHandler) setConversationSetting(c *fiber.Ctx) error {
	var req dto.SettingRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.client.SetConversationSetting(c.Params("id"), c.Params("feature"), req.Value); err != nil {
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to update conversation setting")
	}

	return utils.SendSuccess(c, "conversation setting updated", nil)
}

func (h *SyncHandler) effectiveSetting(c *fiber.Ctx) error {
	feature := c.Params("feature")
	resp := dto.EffectiveSettingResponse{
		Feature: feature,
		Enabled: h.client.EffectiveSetting(c.Params("id"), feature),
	}

	return utils.SendSuccess(c, "setting resolved", resp)
}

func (h *SyncHandler) hideConversation(c *fiber.Ctx) error {
	if err := h.client.HideConversation(c.Params("id")); err != nil {
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to hide conversation")
	}

	return utils.SendSuccess(c, "conversation hidden", nil)
}

func (h *SyncHandler) setUserDefault(c *fiber.Ctx) error {
	var req dto.UserDefaultRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.client.SetUserDefault(c.Params("feature"), *req.Value); err != nil {
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to update user default")
	}

	return utils.SendSuccess(c, "user default updated", nil)
}

func (h *SyncHandler) peerPresence(c *fiber.Ctx) error {
	userID := c.Params("id")
	now := time.Now().UTC()
	h.client.WatchUser(userID)

	resp := dto.PresenceResponse{
		UserID: userID,
		Online: h.client.PeerOnline(userID, now),
		AsOf:   now,
	}

	return utils.SendSuccess(c, "presence resolved", resp)
}
