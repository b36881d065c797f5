package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/chatsync/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(testDB(t), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func textMessage(id, convID, sender string, ts time.Time, status models.MessageStatus) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Type:           models.MessageTypeText,
		Text:           "hello",
		Timestamp:      ts,
		Status:         status,
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	db := testDB(t)

	s, err := Open(db, zerolog.Nop())
	require.NoError(t, err)
	s.Close()

	require.NoError(t, db.Model(&schemaMeta{}).Where("1 = 1").Update("version", SchemaVersion+1).Error)

	_, err = Open(db, zerolog.Nop())
	require.ErrorIs(t, err, ErrStoreCorrupt)

	// Reset recovers: the store opens empty afterwards.
	require.NoError(t, Reset(db))
	s, err = Open(db, zerolog.Nop())
	require.NoError(t, err)
	convs, err := s.ListConversations()
	require.NoError(t, err)
	require.Empty(t, convs)
}

func TestMergeRemoteMessageIdempotent(t *testing.T) {
	s := testStore(t)
	ts := time.Now().UTC()

	incoming := textMessage("m1", "c1", "bob", ts, models.StatusSent)
	incoming.Revision = 1

	require.NoError(t, s.MergeRemoteMessage(incoming))
	require.NoError(t, s.MergeRemoteMessage(incoming)) // duplicate delivery

	msgs, err := s.ListMessages("c1", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, models.StatusSent, msgs[0].Status)
}

func TestMergeRemoteMessageSkipsStaleRevision(t *testing.T) {
	s := testStore(t)
	ts := time.Now().UTC()

	newer := textMessage("m1", "c1", "bob", ts, models.StatusDelivered)
	newer.Revision = 3
	require.NoError(t, s.MergeRemoteMessage(newer))

	stale := textMessage("m1", "c1", "bob", ts, models.StatusSent)
	stale.Text = "older text"
	stale.Revision = 2
	require.NoError(t, s.MergeRemoteMessage(stale))

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Revision)
	require.Equal(t, "hello", got.Text)
	require.Equal(t, models.StatusDelivered, got.Status)
}

func TestMergeRemoteMessageKeepsAdvancedStatus(t *testing.T) {
	s := testStore(t)
	ts := time.Now().UTC()

	local := textMessage("m1", "c1", "alice", ts, models.StatusDelivered)
	require.NoError(t, s.SaveMessage(local))

	// A later echo still carrying SENT must not regress the status.
	echo := textMessage("m1", "c1", "alice", ts, models.StatusSent)
	echo.Revision = 5
	require.NoError(t, s.MergeRemoteMessage(echo))

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, got.Status)
	require.Equal(t, int64(5), got.Revision)
}

func TestMergeRemoteMessageUnionsReceipts(t *testing.T) {
	s := testStore(t)
	ts := time.Now().UTC()

	local := textMessage("m1", "c1", "alice", ts, models.StatusSent)
	local.ReadBy = datatypes.NewJSONType(map[string]time.Time{"carol": ts})
	require.NoError(t, s.SaveMessage(local))

	incoming := textMessage("m1", "c1", "alice", ts, models.StatusSent)
	incoming.Revision = 2
	incoming.ReadBy = datatypes.NewJSONType(map[string]time.Time{"bob": ts})

	require.NoError(t, s.MergeRemoteMessage(incoming))

	got, err := s.GetMessage("m1")
	require.NoError(t, err)
	reads := got.ReadTimestamps()
	require.Contains(t, reads, "bob")
	require.Contains(t, reads, "carol", "local receipt not yet echoed must survive the merge")
}

func TestListMessagesOrdersByTimestamp(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC()

	// Insert out of order; reconciliation events arrive in any order.
	require.NoError(t, s.SaveMessage(textMessage("m3", "c1", "bob", base.Add(3*time.Second), models.StatusSent)))
	require.NoError(t, s.SaveMessage(textMessage("m1", "c1", "bob", base.Add(1*time.Second), models.StatusSent)))
	require.NoError(t, s.SaveMessage(textMessage("m2", "c1", "bob", base.Add(2*time.Second), models.StatusSent)))

	msgs, err := s.ListMessages("c1", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "m2", msgs[1].ID)
	require.Equal(t, "m3", msgs[2].ID)
}

func TestListMessagesHonoursHiddenCutoff(t *testing.T) {
	s := testStore(t)
	cutoff := time.Now().UTC()

	conv := models.Conversation{
		ID:             "c1",
		Kind:           models.ConversationDirect,
		ParticipantIDs: datatypes.NewJSONSlice([]string{"alice", "bob"}),
		HiddenBefore:   datatypes.NewJSONType(map[string]time.Time{"alice": cutoff}),
	}
	require.NoError(t, s.SaveConversation(conv))

	require.NoError(t, s.SaveMessage(textMessage("old", "c1", "bob", cutoff.Add(-time.Minute), models.StatusSent)))
	require.NoError(t, s.SaveMessage(textMessage("new", "c1", "bob", cutoff.Add(time.Minute), models.StatusSent)))

	visible, err := s.ListMessages("c1", "alice")
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, "new", visible[0].ID)

	// The other participant still sees everything.
	all, err := s.ListMessages("c1", "bob")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestUpdateMessageStatusRefusesRegression(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.SaveMessage(textMessage("m1", "c1", "alice", time.Now().UTC(), models.StatusRead)))

	got, err := s.UpdateMessageStatus("m1", models.StatusSent)
	require.NoError(t, err)
	require.Equal(t, models.StatusRead, got.Status)
}

func TestUnreadCount(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC()

	read := textMessage("m1", "c1", "bob", base, models.StatusRead)
	read.ReadBy = datatypes.NewJSONType(map[string]time.Time{"alice": base})
	require.NoError(t, s.SaveMessage(read))

	require.NoError(t, s.SaveMessage(textMessage("m2", "c1", "bob", base.Add(time.Second), models.StatusDelivered)))
	require.NoError(t, s.SaveMessage(textMessage("m3", "c1", "alice", base.Add(2*time.Second), models.StatusSent)))

	count, err := s.UnreadCount("c1", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, count, "own messages and already-read messages do not count")
}

func TestTouchLastMessageKeepsNewerSummary(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC()

	conv := models.Conversation{
		ID:             "c1",
		Kind:           models.ConversationDirect,
		ParticipantIDs: datatypes.NewJSONSlice([]string{"alice", "bob"}),
	}
	require.NoError(t, s.SaveConversation(conv))

	newer := textMessage("m2", "c1", "alice", base.Add(time.Minute), models.StatusSent)
	require.NoError(t, s.TouchLastMessage(newer))

	// An older echo arriving later must not roll the summary back.
	older := textMessage("m1", "c1", "bob", base, models.StatusSent)
	require.NoError(t, s.TouchLastMessage(older))

	got, err := s.GetConversation("c1")
	require.NoError(t, err)
	require.Equal(t, "m2", got.LastMessage.Data().MessageID)
}

func TestMergeRemoteConversationLastWriteWins(t *testing.T) {
	s := testStore(t)

	first := models.Conversation{
		ID:             "c1",
		Kind:           models.ConversationGroup,
		ParticipantIDs: datatypes.NewJSONSlice([]string{"alice", "bob"}),
		Name:           "Old name",
		Revision:       2,
	}
	require.NoError(t, s.MergeRemoteConversation(first))

	stale := first
	stale.Name = "Stale rename"
	stale.Revision = 1
	require.NoError(t, s.MergeRemoteConversation(stale))

	got, err := s.GetConversation("c1")
	require.NoError(t, err)
	require.Equal(t, "Old name", got.Name)

	winner := first
	winner.Name = "New name"
	winner.Revision = 3
	require.NoError(t, s.MergeRemoteConversation(winner))

	got, err = s.GetConversation("c1")
	require.NoError(t, err)
	require.Equal(t, "New name", got.Name)
}

func TestPendingMessages(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC()

	require.NoError(t, s.SaveMessage(textMessage("sent", "c1", "alice", base, models.StatusSent)))
	require.NoError(t, s.SaveMessage(textMessage("sending", "c1", "alice", base.Add(time.Second), models.StatusSending)))
	require.NoError(t, s.SaveMessage(textMessage("failed", "c1", "alice", base.Add(2*time.Second), models.StatusFailed)))

	pending, err := s.PendingMessages()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "sending", pending[0].ID)
	require.Equal(t, "failed", pending[1].ID)
}

func TestObserveMessagesEmitsInitialSnapshotAndUpdates(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC()

	require.NoError(t, s.SaveMessage(textMessage("m1", "c1", "bob", base, models.StatusSent)))

	stream, stop := s.ObserveMessages("c1", "alice")
	defer stop()

	select {
	case snapshot := <-stream:
		require.Len(t, snapshot, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, s.SaveMessage(textMessage("m2", "c1", "bob", base.Add(time.Second), models.StatusSent)))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-stream:
			if len(snapshot) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("no updated snapshot")
		}
	}
}

func TestObserveConversationsUnaffectedByOtherTopics(t *testing.T) {
	s := testStore(t)

	stream, stop := s.ObserveConversations()
	defer stop()

	// Initial empty snapshot.
	select {
	case snapshot := <-stream:
		require.Empty(t, snapshot)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	conv := models.Conversation{
		ID:             "c1",
		Kind:           models.ConversationDirect,
		ParticipantIDs: datatypes.NewJSONSlice([]string{"alice", "bob"}),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.SaveConversation(conv))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-stream:
			if len(snapshot) == 1 {
				require.Equal(t, "c1", snapshot[0].ID)
				return
			}
		case <-deadline:
			t.Fatal("no updated snapshot")
		}
	}
}

func TestRebuildDropsData(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.SaveMessage(textMessage("m1", "c1", "alice", time.Now().UTC(), models.StatusSent)))
	require.NoError(t, s.Rebuild())

	_, err := s.GetMessage("m1")
	require.ErrorIs(t, err, ErrNotFound)
}
