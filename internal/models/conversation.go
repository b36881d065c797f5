package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConversationKind separates one-to-one threads from named groups.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "DIRECT"
	ConversationGroup  ConversationKind = "GROUP"
)

// Conversation groups messages between a fixed (DIRECT) or mutable (GROUP)
// set of participants. The settings override map is tri-state: a key that is
// absent means "unset, fall back to the user default".
type Conversation struct {
	ID               string                                   `gorm:"primaryKey;size:64" json:"id"`
	Kind             ConversationKind                         `gorm:"size:16;not null" json:"kind"`
	ParticipantIDs   datatypes.JSONSlice[string]              `json:"participant_ids"`
	Name             string                                   `gorm:"size:255" json:"name,omitempty"`
	IconURL          string                                   `gorm:"type:text" json:"icon_url,omitempty"`
	Nicknames        datatypes.JSONType[map[string]string]    `json:"nicknames"`
	HiddenBefore     datatypes.JSONType[map[string]time.Time] `json:"hidden_before"`
	LastMessage      datatypes.JSONType[MessageSummary]       `json:"last_message"`
	SettingsOverride datatypes.JSONType[map[string]bool]      `json:"settings_override"`
	Revision         int64                                    `gorm:"not null;default:0" json:"revision"`
	UpdatedAt        time.Time                                `json:"updated_at"`
}

// Participants returns the ordered participant ids as a plain slice.
func (c Conversation) Participants() []string {
	return []string(c.ParticipantIDs)
}

// HasParticipant reports membership.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HiddenCutoffs returns the per-user "hidden before" timestamps, never nil.
func (c Conversation) HiddenCutoffs() map[string]time.Time {
	hidden := c.HiddenBefore.Data()
	if hidden == nil {
		return map[string]time.Time{}
	}
	return hidden
}

// NicknameFor returns the nickname a participant chose for themself inside
// this conversation, or their empty string when none is set.
func (c Conversation) NicknameFor(userID string) string {
	return c.Nicknames.Data()[userID]
}

// Override looks up the conversation-level toggle for a feature. The second
// return value is false when the feature is unset at this scope.
func (c Conversation) Override(feature string) (bool, bool) {
	value, ok := c.SettingsOverride.Data()[feature]
	return value, ok
}

// Valid checks the structural invariants: non-empty membership, exactly two
// participants for DIRECT, at least two for GROUP.
func (c Conversation) Valid() bool {
	switch c.Kind {
	case ConversationDirect:
		return len(c.ParticipantIDs) == 2
	case ConversationGroup:
		return len(c.ParticipantIDs) >= 2
	default:
		return false
	}
}
