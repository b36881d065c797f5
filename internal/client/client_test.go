package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/remote"
	"github.com/noah-isme/chatsync/internal/store"
)

func testClient(t *testing.T) *Client {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	localStore, err := store.Open(db, zerolog.Nop())
	require.NoError(t, err)

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	c, err := New(Options{
		SelfID:            "alice",
		Store:             localStore,
		Remote:            remote.New(redisClient, nil, nil, time.Millisecond, 10*time.Millisecond, zerolog.Nop()),
		SendRetryBackoffs: []time.Duration{time.Millisecond},
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{SelfID: "alice"})
	require.Error(t, err)
}

func TestNotificationSuppressionFollowsActiveConversation(t *testing.T) {
	c := testClient(t)

	require.True(t, c.ShouldNotify("c1"), "no active conversation, everything notifies")

	c.SetActiveConversation("c1")
	require.False(t, c.ShouldNotify("c1"))
	require.True(t, c.ShouldNotify("c2"))

	c.CloseConversation("c1")
	require.True(t, c.ShouldNotify("c1"), "closing the screen lifts the suppression")
}

func TestOpenConversationIsIdempotent(t *testing.T) {
	c := testClient(t)

	c.OpenConversation("c1")
	c.OpenConversation("c1")

	c.mu.Lock()
	require.Len(t, c.open, 1)
	c.mu.Unlock()

	c.CloseConversation("c1")
	c.mu.Lock()
	require.Empty(t, c.open)
	c.mu.Unlock()
}

func TestCreateConversationValidatesShape(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	_, err := c.CreateConversation(ctx, models.ConversationDirect, []string{"alice"}, "")
	require.Error(t, err)

	conv, err := c.CreateConversation(ctx, models.ConversationGroup, []string{"alice", "bob", "carol"}, "Weekend plans")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	stored, err := c.Store().GetConversation(conv.ID)
	require.NoError(t, err)
	require.Equal(t, "Weekend plans", stored.Name)
}

func TestEffectiveSettingComposesScopes(t *testing.T) {
	c := testClient(t)

	// System default.
	require.True(t, c.EffectiveSetting("c1", "smartReplies"))
	require.False(t, c.EffectiveSetting("c1", "autoTranslate"))

	// User default overrides the system default.
	require.NoError(t, c.Store().SaveUser(models.User{
		ID:       "alice",
		Defaults: datatypes.NewJSONType(map[string]bool{"autoTranslate": true}),
	}))
	require.True(t, c.EffectiveSetting("c1", "autoTranslate"))

	// Conversation override beats the user default.
	require.NoError(t, c.Store().SaveConversation(models.Conversation{
		ID:               "c1",
		Kind:             models.ConversationDirect,
		SettingsOverride: datatypes.NewJSONType(map[string]bool{"autoTranslate": false}),
	}))
	require.False(t, c.EffectiveSetting("c1", "autoTranslate"))
}

func TestPeerOnlineDerivesFromCachedUser(t *testing.T) {
	c := testClient(t)
	now := time.Now().UTC()

	require.False(t, c.PeerOnline("bob", now), "unknown peer is offline")

	require.NoError(t, c.Store().SaveUser(models.User{ID: "bob", IsOnline: true, LastSeen: now}))
	require.True(t, c.PeerOnline("bob", now))

	require.NoError(t, c.Store().SaveUser(models.User{ID: "bob", IsOnline: true, LastSeen: now.Add(-time.Hour)}))
	require.False(t, c.PeerOnline("bob", now), "stale heartbeat means offline")
}
