package models

import (
	"time"

	"gorm.io/datatypes"
)

// MessageType enumerates the payload kinds a message can carry.
type MessageType string

const (
	MessageTypeText   MessageType = "TEXT"
	MessageTypeImage  MessageType = "IMAGE"
	MessageTypeAudio  MessageType = "AUDIO"
	MessageTypeSystem MessageType = "SYSTEM"
)

// MessageStatus tracks delivery progress of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusFailed:    2,
	StatusRead:      3,
}

// CanAdvanceTo reports whether a transition from s to next is legal.
// Status only moves forward: SENDING -> SENT -> {DELIVERED|FAILED} -> READ.
// FAILED is terminal until an explicit retry resets the record to SENDING.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == next {
		return false
	}
	if s == StatusFailed {
		return next == StatusSending
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	return statusRank[next] > statusRank[s]
}

// Message is a single chat payload. The id is generated on the sending
// client before any I/O and doubles as the idempotency key for remote
// writes and reconciliation. Messages are never deleted; per-user hiding
// happens through the conversation's hiddenBefore timestamps.
type Message struct {
	ID             string                                   `gorm:"primaryKey;size:64" json:"id"`
	ConversationID string                                   `gorm:"size:64;index:idx_messages_conv" json:"conversation_id"`
	SenderID       string                                   `gorm:"size:64;index" json:"sender_id"`
	Type           MessageType                              `gorm:"size:16;default:TEXT" json:"type"`
	Text           string                                   `gorm:"type:text" json:"text,omitempty"`
	MediaRef       string                                   `gorm:"type:text" json:"media_ref,omitempty"`
	Timestamp      time.Time                                `gorm:"index:idx_messages_conv" json:"timestamp"`
	Status         MessageStatus                            `gorm:"size:16;default:SENDING" json:"status"`
	ReadBy         datatypes.JSONType[map[string]time.Time] `json:"read_by"`
	DeliveredTo    datatypes.JSONType[map[string]time.Time] `json:"delivered_to"`
	Reactions      datatypes.JSONType[map[string][]string]  `json:"reactions"`
	Revision       int64                                    `gorm:"not null;default:0" json:"revision"`
	UpdatedAt      time.Time                                `json:"updated_at"`
}

// ReadTimestamps returns the per-user read receipts, never nil.
func (m Message) ReadTimestamps() map[string]time.Time {
	readBy := m.ReadBy.Data()
	if readBy == nil {
		return map[string]time.Time{}
	}
	return readBy
}

// DeliveredTimestamps returns the per-user delivery acks, never nil.
func (m Message) DeliveredTimestamps() map[string]time.Time {
	delivered := m.DeliveredTo.Data()
	if delivered == nil {
		return map[string]time.Time{}
	}
	return delivered
}

// ReactionSets returns emoji -> reacting user ids, never nil.
func (m Message) ReactionSets() map[string][]string {
	reactions := m.Reactions.Data()
	if reactions == nil {
		return map[string][]string{}
	}
	return reactions
}

// MediaRefRequired reports whether the message still lacks the media
// reference its type requires. Such a message must not be propagated.
func (m Message) MediaRefRequired() bool {
	return (m.Type == MessageTypeImage || m.Type == MessageTypeAudio) && m.MediaRef == ""
}

// VisibleTo reports whether the message should be rendered for the given
// participant, honouring their "delete for me" cutoff on the conversation.
func (m Message) VisibleTo(userID string, conv Conversation) bool {
	cutoff, ok := conv.HiddenCutoffs()[userID]
	if !ok {
		return true
	}
	return m.Timestamp.After(cutoff)
}

// MessageSummary is the denormalized copy of a conversation's most recent
// message, kept on the conversation document for list rendering.
type MessageSummary struct {
	MessageID string      `json:"message_id"`
	SenderID  string      `json:"sender_id"`
	Text      string      `json:"text,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Summarize builds the denormalized list-row summary for this message.
func (m Message) Summarize() MessageSummary {
	return MessageSummary{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Type:      m.Type,
		Timestamp: m.Timestamp,
	}
}
