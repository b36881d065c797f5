package handler

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/client"
	"github.com/noah-isme/chatsync/internal/models"
)

// StreamHandler pushes local-store snapshots to the UI over a websocket.
// The UI renders exclusively from these frames; an initial snapshot is
// delivered immediately on connect and updated frames follow as the store
// changes. Stale intermediate snapshots are conflated away by the store's
// observe channels.
type StreamHandler struct {
	client *client.Client
	selfID string
	logger zerolog.Logger
}

// streamFrame is a single websocket payload.
type streamFrame struct {
	Type           string                   `json:"type"`
	ConversationID string                   `json:"conversation_id,omitempty"`
	Messages       []models.Message         `json:"messages,omitempty"`
	Conversations  []models.Conversation    `json:"conversations,omitempty"`
	Typing         []models.TypingIndicator `json:"typing,omitempty"`
}

// NewStreamHandler creates a stream handler instance.
func NewStreamHandler(client *client.Client, selfID string, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		client: client,
		selfID: selfID,
		logger: logger.With().Str("component", "stream_handler").Logger(),
	}
}

// Register binds the websocket routes under the provided router group.
func (h *StreamHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *StreamHandler) handleConnection(conn *websocket.Conn) {
	conversationID := strings.TrimSpace(conn.Query("conversation_id"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The UI never sends data frames; the read pump only detects close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if conversationID != "" {
		h.client.OpenConversation(conversationID)
		h.streamConversation(ctx, conn, conversationID)
	} else {
		h.streamConversationList(ctx, conn)
	}

	_ = conn.Close()
}

func (h *StreamHandler) streamConversation(ctx context.Context, conn *websocket.Conn, conversationID string) {
	messages, stopMessages := h.client.Store().ObserveMessages(conversationID, h.selfID)
	defer stopMessages()
	typing := h.client.ObserveTyping(ctx, conversationID)

	h.logger.Info().Str("conversation_id", conversationID).Msg("stream connected")
	defer h.logger.Info().Str("conversation_id", conversationID).Msg("stream disconnected")

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-messages:
			if !ok {
				return
			}
			frame := streamFrame{Type: "messages", ConversationID: conversationID, Messages: snapshot}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case indicators, ok := <-typing:
			if !ok {
				return
			}
			frame := streamFrame{Type: "typing", ConversationID: conversationID, Typing: indicators}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) streamConversationList(ctx context.Context, conn *websocket.Conn) {
	conversations, stop := h.client.Store().ObserveConversations()
	defer stop()

	h.logger.Info().Msg("conversation list stream connected")
	defer h.logger.Info().Msg("conversation list stream disconnected")

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-conversations:
			if !ok {
				return
			}
			frame := streamFrame{Type: "conversations", Conversations: snapshot}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
