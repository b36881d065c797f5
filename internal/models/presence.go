package models

import "time"

// TypingIndicator is the ephemeral per-user typing signal inside a
// conversation. It lives in the short-TTL presence namespace, never in
// durable history, and observers must treat entries older than the TTL
// window as not-typing even when no explicit false write arrived.
type TypingIndicator struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Active reports whether the indicator still counts as "typing" at the
// given instant under the supplied TTL window.
func (t TypingIndicator) Active(now time.Time, ttl time.Duration) bool {
	return t.IsTyping && now.Sub(t.UpdatedAt) < ttl
}
