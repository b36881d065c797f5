package reconciler

import (
	"context"
	"encoding/json"
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

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	s, err := store.Open(db, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func testRemote(t *testing.T) *remote.Client {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	return remote.New(redisClient, nil, nil, 10*time.Millisecond, 50*time.Millisecond, zerolog.Nop())
}

func messageEvent(t *testing.T, msg models.Message, revision int64) remote.Event {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return remote.Event{Doc: remote.Document{
		Path:      remote.MessagePath(msg.ConversationID, msg.ID),
		Revision:  revision,
		WrittenAt: time.Now().UTC(),
		Data:      data,
	}}
}

func conversationEvent(t *testing.T, conv models.Conversation, revision int64) remote.Event {
	t.Helper()
	data, err := json.Marshal(conv)
	require.NoError(t, err)
	return remote.Event{Doc: remote.Document{
		Path:      remote.ConversationPath(conv.ID),
		Revision:  revision,
		WrittenAt: time.Now().UTC(),
		Data:      data,
	}}
}

func TestApplyMessageEventIsIdempotent(t *testing.T) {
	s := testStore(t)
	r := New(testRemote(t), s, "alice", zerolog.Nop())
	ctx := context.Background()

	msg := models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice", // own message, no delivery ack
		Type:           models.MessageTypeText,
		Text:           "hi",
		Timestamp:      time.Now().UTC(),
		Status:         models.StatusSent,
	}

	event := messageEvent(t, msg, 1)
	r.Apply(ctx, event)
	r.Apply(ctx, event) // duplicate delivery over redis and nats

	msgs, err := s.ListMessages("c1", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(1), msgs[0].Revision)
}

func TestApplyCollapsesOptimisticEcho(t *testing.T) {
	s := testStore(t)
	r := New(testRemote(t), s, "alice", zerolog.Nop())

	local := models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		Type:           models.MessageTypeText,
		Text:           "optimistic",
		Timestamp:      time.Now().UTC(),
		Status:         models.StatusSending,
	}
	require.NoError(t, s.SaveMessage(local))

	echo := local
	echo.Status = models.StatusSent
	r.Apply(context.Background(), messageEvent(t, echo, 1))

	msgs, err := s.ListMessages("c1", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "echo must collapse into the optimistic row, not duplicate it")
	require.Equal(t, models.StatusSent, msgs[0].Status)
}

func TestApplyStaleConversationRenameDropped(t *testing.T) {
	s := testStore(t)
	r := New(testRemote(t), s, "alice", zerolog.Nop())
	ctx := context.Background()

	conv := models.Conversation{
		ID:             "c1",
		Kind:           models.ConversationGroup,
		ParticipantIDs: datatypes.NewJSONSlice([]string{"alice", "bob"}),
		Name:           "Weekend plans",
	}

	r.Apply(ctx, conversationEvent(t, conv, 4))

	stale := conv
	stale.Name = "Old title"
	r.Apply(ctx, conversationEvent(t, stale, 3))

	got, err := s.GetConversation("c1")
	require.NoError(t, err)
	require.Equal(t, "Weekend plans", got.Name)
	require.Equal(t, int64(4), got.Revision)
}

func TestApplyMessageRefreshesConversationSummary(t *testing.T) {
	s := testStore(t)
	r := New(testRemote(t), s, "alice", zerolog.Nop())
	ctx := context.Background()

	conv := models.Conversation{
		ID:             "c1",
		Kind:           models.ConversationDirect,
		ParticipantIDs: datatypes.NewJSONSlice([]string{"alice", "bob"}),
	}
	require.NoError(t, s.SaveConversation(conv))

	msg := models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		Type:           models.MessageTypeText,
		Text:           "latest",
		Timestamp:      time.Now().UTC(),
		Status:         models.StatusSent,
	}
	r.Apply(ctx, messageEvent(t, msg, 1))

	got, err := s.GetConversation("c1")
	require.NoError(t, err)
	require.Equal(t, "m1", got.LastMessage.Data().MessageID)
}

func TestIncomingMessageTriggersDeliveryAck(t *testing.T) {
	s := testStore(t)
	remoteClient := testRemote(t)
	r := New(remoteClient, s, "alice", zerolog.Nop())
	ctx := context.Background()

	msg := models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "bob",
		Type:           models.MessageTypeText,
		Text:           "hello alice",
		Timestamp:      time.Now().UTC(),
		Status:         models.StatusSent,
	}

	// The sender's write exists remotely before the event reaches us.
	doc, err := remoteClient.Write(ctx, remote.MessagePath("c1", "m1"), msg, nil)
	require.NoError(t, err)

	r.Apply(ctx, remote.Event{Doc: doc})

	require.Eventually(t, func() bool {
		stored, err := remoteClient.Read(ctx, remote.MessagePath("c1", "m1"))
		if err != nil {
			return false
		}
		var remoteMsg models.Message
		if err := stored.Decode(&remoteMsg); err != nil {
			return false
		}
		_, acked := remoteMsg.DeliveredTimestamps()["alice"]
		return acked && remoteMsg.Status == models.StatusDelivered
	}, 2*time.Second, 20*time.Millisecond, "recipient must ack delivery on the remote document")
}

func TestApplyIgnoresTypingPaths(t *testing.T) {
	s := testStore(t)
	r := New(testRemote(t), s, "alice", zerolog.Nop())

	indicator := models.TypingIndicator{ConversationID: "c1", UserID: "bob", IsTyping: true, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(indicator)
	require.NoError(t, err)

	r.Apply(context.Background(), remote.Event{Doc: remote.Document{
		Path: remote.TypingPath("c1", "bob"),
		Data: data,
	}})

	// Nothing durable is written for ephemeral presence.
	msgs, err := s.ListMessages("c1", "alice")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestRunConversationAppliesStreamEvents(t *testing.T) {
	s := testStore(t)
	remoteClient := testRemote(t)
	r := New(remoteClient, s, "alice", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		Type:           models.MessageTypeText,
		Text:           "already stored",
		Timestamp:      time.Now().UTC(),
		Status:         models.StatusSent,
	}
	_, err := remoteClient.Write(ctx, remote.MessagePath("c1", "m1"), msg, nil)
	require.NoError(t, err)

	go r.RunConversation(ctx, "c1")

	require.Eventually(t, func() bool {
		msgs, err := s.ListMessages("c1", "alice")
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 20*time.Millisecond, "replayed state must reach the local store")
}
