// Package settings resolves layered feature toggles at read time.
//
// A conversation-level override and a user-level default live in separate
// documents with separate write paths; only this read-time resolution ever
// combines them. Keeping the combination out of the write path is what
// prevents a global toggle and a per-conversation override from clobbering
// each other.
package settings

// Feature names shared by user defaults and conversation overrides.
const (
	FeatureAutoTranslate   = "autoTranslate"
	FeatureSmartReplies    = "smartReplies"
	FeatureCulturalContext = "culturalContext"
)

// systemDefaults apply when neither scope has an explicit value.
var systemDefaults = map[string]bool{
	FeatureAutoTranslate:   false,
	FeatureSmartReplies:    true,
	FeatureCulturalContext: false,
}

// Override is the tri-state conversation-scope value for one feature.
type Override int

const (
	Unset Override = iota
	On
	Off
)

// OverrideFrom converts a map lookup (value, present) into a tri-state.
func OverrideFrom(value, present bool) Override {
	if !present {
		return Unset
	}
	if value {
		return On
	}
	return Off
}

// Effective resolves a feature toggle: explicit conversation override first,
// then the user-level default, then the hardcoded system default.
func Effective(feature string, override Override, userDefaults map[string]bool) bool {
	switch override {
	case On:
		return true
	case Off:
		return false
	}
	if value, ok := userDefaults[feature]; ok {
		return value
	}
	return systemDefaults[feature]
}
