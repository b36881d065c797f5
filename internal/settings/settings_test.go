package settings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEffectivePrecedence(t *testing.T) {
	defaults := map[string]bool{FeatureAutoTranslate: true}

	// Conversation override wins over everything.
	require.False(t, Effective(FeatureAutoTranslate, Off, defaults))
	require.True(t, Effective(FeatureAutoTranslate, On, map[string]bool{FeatureAutoTranslate: false}))

	// Unset falls through to the user default.
	require.True(t, Effective(FeatureAutoTranslate, Unset, defaults))
	require.False(t, Effective(FeatureAutoTranslate, Unset, map[string]bool{FeatureAutoTranslate: false}))

	// No override, no default: system default.
	require.False(t, Effective(FeatureAutoTranslate, Unset, nil))
	require.True(t, Effective(FeatureSmartReplies, Unset, nil))
	require.False(t, Effective(FeatureCulturalContext, Unset, nil))
}

func TestOverrideFromRoundTrip(t *testing.T) {
	require.Equal(t, Unset, OverrideFrom(false, false))
	require.Equal(t, Unset, OverrideFrom(true, false))
	require.Equal(t, On, OverrideFrom(true, true))
	require.Equal(t, Off, OverrideFrom(false, true))
}

func TestClearedOverrideRestoresDefault(t *testing.T) {
	defaults := map[string]bool{FeatureSmartReplies: false}

	// With the override present the default is ignored.
	require.True(t, Effective(FeatureSmartReplies, On, defaults))

	// Clearing the override must restore the user default, not the
	// system default.
	require.False(t, Effective(FeatureSmartReplies, Unset, defaults))
}
