// Package store implements the durable local cache the UI observes. It is
// the single source of truth for rendering; the reconciler transcribes
// remote state into it and the write pipeline records optimistic state in
// it before any network I/O happens.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/chatsync/internal/models"
)

// SchemaVersion is bumped whenever the local table layout changes in a way
// that existing databases cannot be migrated in place.
const SchemaVersion = 1

var (
	// ErrStoreCorrupt signals a schema-version mismatch on open. The caller
	// is expected to Rebuild and re-sync from the remote store.
	ErrStoreCorrupt = errors.New("local store schema mismatch")

	// ErrNotFound is returned by point reads for missing ids.
	ErrNotFound = errors.New("record not found")
)

type schemaMeta struct {
	ID      uint `gorm:"primaryKey"`
	Version int  `gorm:"not null"`
}

func (schemaMeta) TableName() string { return "schema_meta" }

// Store is a keyed record store over an embedded database. Writes are
// serialized per entity key so concurrent upserts from the pipeline and the
// reconciler cannot interleave into a torn record.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger

	locks sync.Map // entity key -> *sync.Mutex

	mu      sync.Mutex
	nextSub int
	subs    map[int]*subscription
	closed  bool
}

type subscription struct {
	topic  string
	notify chan struct{}
	done   chan struct{}
}

// Open validates the schema version, migrates the tables and returns a
// ready store. A version mismatch fails with ErrStoreCorrupt without
// touching the existing data.
func Open(db *gorm.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:   db,
		log:  log.With().Str("component", "local_store").Logger(),
		subs: make(map[int]*subscription),
	}

	if db.Migrator().HasTable(&schemaMeta{}) {
		var meta schemaMeta
		if err := db.First(&meta).Error; err == nil && meta.Version != SchemaVersion {
			s.log.Error().
				Int("found", meta.Version).
				Int("want", SchemaVersion).
				Msg("local store schema mismatch, rebuild required")
			return nil, fmt.Errorf("%w: found version %d, want %d", ErrStoreCorrupt, meta.Version, SchemaVersion)
		}
	}

	if err := s.migrate(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&schemaMeta{}, &models.User{}, &models.Conversation{}, &models.Message{}); err != nil {
		return fmt.Errorf("failed to migrate local store: %w", err)
	}

	var count int64
	if err := s.db.Model(&schemaMeta{}).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return s.db.Create(&schemaMeta{Version: SchemaVersion}).Error
	}
	return nil
}

// Reset drops the store's tables so a subsequent Open starts from an empty
// database. This is the startup recovery for ErrStoreCorrupt.
func Reset(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&schemaMeta{}, &models.User{}, &models.Conversation{}, &models.Message{}); err != nil {
		return fmt.Errorf("failed to drop local tables: %w", err)
	}
	return nil
}

// Rebuild drops every table and re-migrates. This is the accepted
// degraded-mode recovery after ErrStoreCorrupt: local data is destroyed and
// the reconciler repopulates it from the remote store.
func (s *Store) Rebuild() error {
	s.log.Warn().Msg("rebuilding local store, all cached data will be dropped")

	if err := s.db.Migrator().DropTable(&schemaMeta{}, &models.User{}, &models.Conversation{}, &models.Message{}); err != nil {
		return fmt.Errorf("failed to drop local tables: %w", err)
	}
	if err := s.migrate(); err != nil {
		return err
	}

	s.notifyAll()
	return nil
}

// Close terminates every observe stream. Subsequent writes still succeed
// but are no longer fanned out.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, sub := range s.subs {
		close(sub.done)
	}
	s.subs = map[int]*subscription{}
}

func (s *Store) lockKey(key string) func() {
	value, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// --- users ---

// SaveUser upserts a user record by id.
func (s *Store) SaveUser(user models.User) error {
	unlock := s.lockKey("user:" + user.ID)
	defer unlock()

	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&user).Error; err != nil {
		return err
	}
	s.notify("user:" + user.ID)
	return nil
}

// GetUser reads a user by id.
func (s *Store) GetUser(id string) (models.User, error) {
	var user models.User
	if err := s.db.First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, err
	}
	return user, nil
}

// --- conversations ---

// SaveConversation upserts a conversation record by id.
func (s *Store) SaveConversation(conv models.Conversation) error {
	unlock := s.lockKey("conversation:" + conv.ID)
	defer unlock()

	return s.saveConversationLocked(conv)
}

func (s *Store) saveConversationLocked(conv models.Conversation) error {
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&conv).Error; err != nil {
		return err
	}
	s.notify("conversations")
	s.notify("conversation:" + conv.ID)
	return nil
}

// GetConversation reads a conversation by id.
func (s *Store) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Conversation{}, ErrNotFound
		}
		return models.Conversation{}, err
	}
	return conv, nil
}

// ListConversations returns every cached conversation, most recently
// updated first, for list rendering.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := s.db.Order("updated_at DESC").Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// MergeRemoteConversation applies a reconciled conversation document using
// last-write-wins by server revision. Stale revisions are dropped; the
// last-message summary keeps whichever side is newer so a locally appended
// message is not rolled back by an older remote echo.
func (s *Store) MergeRemoteConversation(incoming models.Conversation) error {
	unlock := s.lockKey("conversation:" + incoming.ID)
	defer unlock()

	existing, err := s.GetConversation(incoming.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.saveConversationLocked(incoming)
		}
		return err
	}

	if incoming.Revision < existing.Revision {
		return nil
	}

	if existing.LastMessage.Data().Timestamp.After(incoming.LastMessage.Data().Timestamp) {
		incoming.LastMessage = existing.LastMessage
	}

	return s.saveConversationLocked(incoming)
}

// TouchLastMessage refreshes the conversation's denormalized summary when
// the given message is newer than the current one. Called on every message
// write so the list row invariant holds.
func (s *Store) TouchLastMessage(msg models.Message) error {
	unlock := s.lockKey("conversation:" + msg.ConversationID)
	defer unlock()

	conv, err := s.GetConversation(msg.ConversationID)
	if err != nil {
		return err
	}

	if conv.LastMessage.Data().Timestamp.After(msg.Timestamp) {
		return nil
	}

	conv.LastMessage = datatypes.NewJSONType(msg.Summarize())
	conv.UpdatedAt = msg.Timestamp
	return s.saveConversationLocked(conv)
}

// --- messages ---

// SaveMessage upserts a message by id. Used by the optimistic pipeline,
// which owns the record until the remote echo arrives.
func (s *Store) SaveMessage(msg models.Message) error {
	unlock := s.lockKey("message:" + msg.ID)
	defer unlock()

	return s.saveMessageLocked(msg)
}

func (s *Store) saveMessageLocked(msg models.Message) error {
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&msg).Error; err != nil {
		return err
	}
	s.notify("messages:" + msg.ConversationID)
	return nil
}

// GetMessage reads a message by id.
func (s *Store) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	if err := s.db.First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, err
	}
	return msg, nil
}

// UpdateMessageStatus advances a message's delivery status, refusing
// regressions. Returns the stored message.
func (s *Store) UpdateMessageStatus(id string, next models.MessageStatus) (models.Message, error) {
	unlock := s.lockKey("message:" + id)
	defer unlock()

	msg, err := s.GetMessage(id)
	if err != nil {
		return models.Message{}, err
	}
	if !msg.Status.CanAdvanceTo(next) {
		return msg, nil
	}
	msg.Status = next
	if err := s.saveMessageLocked(msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// UpdateMessage applies mutate atomically under the message's write lock
// and returns the stored result.
func (s *Store) UpdateMessage(id string, mutate func(*models.Message)) (models.Message, error) {
	unlock := s.lockKey("message:" + id)
	defer unlock()

	msg, err := s.GetMessage(id)
	if err != nil {
		return models.Message{}, err
	}
	mutate(&msg)
	if err := s.saveMessageLocked(msg); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// UpdateConversation applies mutate atomically under the conversation's
// write lock and returns the stored result.
func (s *Store) UpdateConversation(id string, mutate func(*models.Conversation)) (models.Conversation, error) {
	unlock := s.lockKey("conversation:" + id)
	defer unlock()

	conv, err := s.GetConversation(id)
	if err != nil {
		return models.Conversation{}, err
	}
	mutate(&conv)
	if err := s.saveConversationLocked(conv); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// MergeRemoteMessage applies a reconciled message document. Application is
// idempotent: replaying the same event leaves the row unchanged. Remote
// wins for the fields the remote write path owns (status confirmations,
// readBy and deliveredTo entries); the status guard keeps an already more
// advanced local status; receipt maps are unioned so a local entry not yet
// echoed survives.
func (s *Store) MergeRemoteMessage(incoming models.Message) error {
	unlock := s.lockKey("message:" + incoming.ID)
	defer unlock()

	existing, err := s.GetMessage(incoming.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.saveMessageLocked(incoming)
		}
		return err
	}

	if incoming.Revision < existing.Revision {
		return nil
	}

	if incoming.Status != existing.Status && !existing.Status.CanAdvanceTo(incoming.Status) {
		incoming.Status = existing.Status
	}

	incoming.ReadBy = datatypes.NewJSONType(unionTimes(existing.ReadTimestamps(), incoming.ReadTimestamps()))
	incoming.DeliveredTo = datatypes.NewJSONType(unionTimes(existing.DeliveredTimestamps(), incoming.DeliveredTimestamps()))

	return s.saveMessageLocked(incoming)
}

// ListMessages returns the messages of a conversation visible to the given
// viewer, ordered by client timestamp ascending regardless of the order
// reconciliation events arrived in.
func (s *Store) ListMessages(conversationID, viewerID string) ([]models.Message, error) {
	conv, err := s.GetConversation(conversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var msgs []models.Message
	if err := s.db.
		Where("conversation_id = ?", conversationID).
		Order("timestamp ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}

	cutoff, hidden := conv.HiddenCutoffs()[viewerID]
	if !hidden {
		return msgs, nil
	}

	visible := msgs[:0]
	for _, msg := range msgs {
		if msg.Timestamp.After(cutoff) {
			visible = append(visible, msg)
		}
	}
	return visible, nil
}

// UnreadCount derives the number of visible messages from other senders the
// viewer has not read. Derived at read time, never stored.
func (s *Store) UnreadCount(conversationID, viewerID string) (int, error) {
	msgs, err := s.ListMessages(conversationID, viewerID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, msg := range msgs {
		if msg.SenderID == viewerID {
			continue
		}
		if _, read := msg.ReadTimestamps()[viewerID]; !read {
			count++
		}
	}
	return count, nil
}

// PendingMessages returns messages still in SENDING or FAILED, oldest
// first, so the pipeline can resume them after a restart.
func (s *Store) PendingMessages() ([]models.Message, error) {
	var msgs []models.Message
	if err := s.db.
		Where("status IN ?", []models.MessageStatus{models.StatusSending, models.StatusFailed}).
		Order("timestamp ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func unionTimes(base, override map[string]time.Time) map[string]time.Time {
	merged := make(map[string]time.Time, len(base)+len(override))
	for id, ts := range base {
		merged[id] = ts
	}
	for id, ts := range override {
		merged[id] = ts
	}
	return merged
}
