package models

import (
	"time"

	"gorm.io/datatypes"
)

// User is the durable profile record for a registered account. Users are
// never deleted, only deactivated.
type User struct {
	ID                string                              `gorm:"primaryKey;size:64" json:"id"`
	DisplayName       string                              `gorm:"size:255;not null" json:"display_name"`
	ProfilePictureURL string                              `gorm:"type:text" json:"profile_picture_url"`
	PreferredLanguage string                              `gorm:"size:16;default:en" json:"preferred_language"`
	IsOnline          bool                                `gorm:"not null;default:false" json:"is_online"`
	LastSeen          time.Time                           `json:"last_seen"`
	Deactivated       bool                                `gorm:"not null;default:false" json:"deactivated"`
	Defaults          datatypes.JSONType[map[string]bool] `json:"defaults"`
	UpdatedAt         time.Time                           `json:"updated_at"`
}

// FeatureDefaults returns the user-level feature toggles, never nil.
func (u User) FeatureDefaults() map[string]bool {
	defaults := u.Defaults.Data()
	if defaults == nil {
		return map[string]bool{}
	}
	return defaults
}

// EffectivelyOnline reports whether the user should be rendered as online.
// A raw isOnline flag can be left stuck at true by an abrupt process exit,
// so it only counts while the last heartbeat is recent enough.
func (u User) EffectivelyOnline(now time.Time, heartbeat time.Duration) bool {
	return u.IsOnline && now.Sub(u.LastSeen) < 2*heartbeat
}
