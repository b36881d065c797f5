// Package dto defines request and response payloads for the daemon API.
package dto

import (
	"time"

	"github.com/noah-isme/chatsync/internal/models"
)

// CreateConversationRequest creates a new conversation.
type CreateConversationRequest struct {
	Kind           models.ConversationKind `json:"kind" validate:"required,oneof=DIRECT GROUP"`
	ParticipantIDs []string                `json:"participant_ids" validate:"required,min=2,dive,required"`
	Name           string                  `json:"name" validate:"max=120"`
}

// SendMessageRequest sends a text message into a conversation.
type SendMessageRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

// ReactionRequest toggles an emoji reaction on a message.
type ReactionRequest struct {
	MessageID string `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=16"`
}

// NicknameRequest sets the caller's nickname inside a conversation.
type NicknameRequest struct {
	Nickname string `json:"nickname" validate:"max=64"`
}

// SettingRequest writes or clears a conversation-level feature override.
// A null value clears the override.
type SettingRequest struct {
	Value *bool `json:"value"`
}

// UserDefaultRequest writes a user-level feature default.
type UserDefaultRequest struct {
	Value *bool `json:"value" validate:"required"`
}

// ConversationResponse is a conversation plus viewer-derived fields.
type ConversationResponse struct {
	Conversation models.Conversation `json:"conversation"`
	UnreadCount  int                 `json:"unread_count"`
}

// EffectiveSettingResponse resolves a feature toggle for a conversation.
type EffectiveSettingResponse struct {
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
}

// PresenceResponse reports a peer's derived online state.
type PresenceResponse struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	AsOf   time.Time `json:"as_of"`
}
