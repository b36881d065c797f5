package pipeline

import (
	"errors"
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/remote"
	"github.com/noah-isme/chatsync/internal/store"
)

// The mutations below follow the same local-first shape as message sends:
// the local store is updated synchronously so the UI reacts within the
// frame, then a background read-modify-write propagates the change. Remote
// RMWs are guarded by the document revision; on conflict they re-read and
// reapply, which is how concurrent writers to the same document converge.

// MarkConversationRead stamps every visible unread message from other
// senders with a read receipt for this user.
func (p *Pipeline) MarkConversationRead(conversationID string) error {
	msgs, err := p.store.ListMessages(conversationID, p.selfID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, msg := range msgs {
		if msg.SenderID == p.selfID {
			continue
		}
		if _, read := msg.ReadTimestamps()[p.selfID]; read {
			continue
		}

		if _, err := p.store.UpdateMessage(msg.ID, func(m *models.Message) {
			readBy := m.ReadTimestamps()
			readBy[p.selfID] = now
			m.ReadBy = jsonTimes(readBy)
			if m.Status.CanAdvanceTo(models.StatusRead) {
				m.Status = models.StatusRead
			}
		}); err != nil {
			return err
		}

		p.spawnMessageRMW(conversationID, msg.ID, func(m *models.Message) bool {
			readBy := m.ReadTimestamps()
			if _, ok := readBy[p.selfID]; ok {
				return false
			}
			readBy[p.selfID] = now
			m.ReadBy = jsonTimes(readBy)
			if m.Status.CanAdvanceTo(models.StatusRead) {
				m.Status = models.StatusRead
			}
			return true
		})
	}
	return nil
}

// ToggleReaction adds or removes this user's reaction under an emoji.
func (p *Pipeline) ToggleReaction(conversationID, messageID, emoji string) error {
	if _, err := p.store.UpdateMessage(messageID, func(m *models.Message) {
		m.Reactions = datatypes.NewJSONType(toggleReaction(m.ReactionSets(), emoji, p.selfID))
	}); err != nil {
		return err
	}

	p.spawnMessageRMW(conversationID, messageID, func(m *models.Message) bool {
		m.Reactions = datatypes.NewJSONType(toggleReaction(m.ReactionSets(), emoji, p.selfID))
		return true
	})
	return nil
}

// SetNickname records the nickname this user chose for themself inside a
// conversation.
func (p *Pipeline) SetNickname(conversationID, nickname string) error {
	mutate := func(c *models.Conversation) bool {
		nicknames := c.Nicknames.Data()
		if nicknames == nil {
			nicknames = map[string]string{}
		}
		if nicknames[p.selfID] == nickname {
			return false
		}
		nicknames[p.selfID] = nickname
		c.Nicknames = datatypes.NewJSONType(nicknames)
		return true
	}

	if _, err := p.store.UpdateConversation(conversationID, func(c *models.Conversation) { mutate(c) }); err != nil {
		return err
	}
	p.spawnConversationRMW(conversationID, mutate)
	return nil
}

// SetConversationSetting writes a conversation-level feature override.
// value nil clears the override back to unset. Only the conversation
// document is touched: the user-level default lives in its own document
// and has its own write path.
func (p *Pipeline) SetConversationSetting(conversationID, feature string, value *bool) error {
	mutate := func(c *models.Conversation) bool {
		overrides := c.SettingsOverride.Data()
		if overrides == nil {
			overrides = map[string]bool{}
		}
		if value == nil {
			if _, ok := overrides[feature]; !ok {
				return false
			}
			delete(overrides, feature)
		} else {
			overrides[feature] = *value
		}
		c.SettingsOverride = datatypes.NewJSONType(overrides)
		return true
	}

	if _, err := p.store.UpdateConversation(conversationID, func(c *models.Conversation) { mutate(c) }); err != nil {
		return err
	}
	p.spawnConversationRMW(conversationID, mutate)
	return nil
}

// SetUserDefault writes a user-level feature default on this user's own
// profile document, independent of any conversation override.
func (p *Pipeline) SetUserDefault(feature string, value bool) error {
	user, err := p.store.GetUser(p.selfID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if user.ID == "" {
		user.ID = p.selfID
	}

	defaults := user.FeatureDefaults()
	defaults[feature] = value
	user.Defaults = datatypes.NewJSONType(defaults)
	user.UpdatedAt = time.Now().UTC()

	if err := p.store.SaveUser(user); err != nil {
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.remote.Write(p.baseCtx, remote.UserPath(p.selfID), user, nil); err != nil {
			p.log.Warn().Err(err).Str("feature", feature).Msg("failed to propagate user default")
		}
	}()
	return nil
}

// HideConversation marks the conversation deleted-for-me from this moment:
// older messages stop rendering for this user, nothing is deleted.
func (p *Pipeline) HideConversation(conversationID string) error {
	now := time.Now().UTC()
	mutate := func(c *models.Conversation) bool {
		hidden := c.HiddenCutoffs()
		hidden[p.selfID] = now
		c.HiddenBefore = jsonTimes(hidden)
		return true
	}

	if _, err := p.store.UpdateConversation(conversationID, func(c *models.Conversation) { mutate(c) }); err != nil {
		return err
	}
	p.spawnConversationRMW(conversationID, mutate)
	return nil
}

// spawnMessageRMW runs a revision-guarded read-modify-write of a remote
// message document in the background.
func (p *Pipeline) spawnMessageRMW(conversationID, messageID string, mutate func(*models.Message) bool) {
	path := remote.MessagePath(conversationID, messageID)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for attempt := 0; attempt < rmwAttempts; attempt++ {
			doc, err := p.remote.Read(p.baseCtx, path)
			if err != nil {
				p.log.Warn().Err(err).Str("path", path).Msg("remote read-modify-write read failed")
				return
			}

			var msg models.Message
			if err := doc.Decode(&msg); err != nil {
				p.log.Warn().Err(err).Str("path", path).Msg("remote read-modify-write decode failed")
				return
			}
			if !mutate(&msg) {
				return
			}

			rev := doc.Revision
			if _, err := p.remote.Write(p.baseCtx, path, msg, &rev); err != nil {
				if errors.Is(err, remote.ErrConflict) {
					continue
				}
				p.log.Warn().Err(err).Str("path", path).Msg("remote read-modify-write write failed")
				return
			}
			return
		}
	}()
}

// spawnConversationRMW runs a revision-guarded read-modify-write of a
// remote conversation document in the background. A missing remote
// document is created from the local copy.
func (p *Pipeline) spawnConversationRMW(conversationID string, mutate func(*models.Conversation) bool) {
	path := remote.ConversationPath(conversationID)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for attempt := 0; attempt < rmwAttempts; attempt++ {
			var conv models.Conversation
			var rev int64

			doc, err := p.remote.Read(p.baseCtx, path)
			switch {
			case err == nil:
				if err := doc.Decode(&conv); err != nil {
					p.log.Warn().Err(err).Str("path", path).Msg("remote read-modify-write decode failed")
					return
				}
				rev = doc.Revision
			case errors.Is(err, remote.ErrNotFound):
				local, lerr := p.store.GetConversation(conversationID)
				if lerr != nil {
					p.log.Warn().Err(lerr).Str("path", path).Msg("conversation unknown locally and remotely")
					return
				}
				conv = local
				rev = 0
			default:
				p.log.Warn().Err(err).Str("path", path).Msg("remote read-modify-write read failed")
				return
			}

			if !mutate(&conv) {
				return
			}

			if _, err := p.remote.Write(p.baseCtx, path, conv, &rev); err != nil {
				if errors.Is(err, remote.ErrConflict) {
					continue
				}
				p.log.Warn().Err(err).Str("path", path).Msg("remote read-modify-write write failed")
				return
			}
			return
		}
	}()
}

func toggleReaction(reactions map[string][]string, emoji, userID string) map[string][]string {
	users := reactions[emoji]
	for i, id := range users {
		if id == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(reactions, emoji)
			} else {
				reactions[emoji] = users
			}
			return reactions
		}
	}
	reactions[emoji] = append(users, userID)
	return reactions
}
