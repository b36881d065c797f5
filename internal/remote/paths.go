package remote

import (
	"fmt"
	"strings"
)

// Document paths mirror the remote store layout:
//
//	users/{id}
//	conversations/{id}
//	conversations/{id}/messages/{id}
//	conversations/{id}/typing/{userId}

// UserPath addresses a user profile document.
func UserPath(userID string) string {
	return fmt.Sprintf("users/%s", userID)
}

// ConversationPath addresses a conversation document.
func ConversationPath(conversationID string) string {
	return fmt.Sprintf("conversations/%s", conversationID)
}

// MessagePath addresses one message inside a conversation.
func MessagePath(conversationID, messageID string) string {
	return fmt.Sprintf("conversations/%s/messages/%s", conversationID, messageID)
}

// MessagesPrefix addresses the message sub-collection of a conversation.
func MessagesPrefix(conversationID string) string {
	return fmt.Sprintf("conversations/%s/messages", conversationID)
}

// TypingPath addresses the ephemeral typing document of one participant.
func TypingPath(conversationID, userID string) string {
	return fmt.Sprintf("conversations/%s/typing/%s", conversationID, userID)
}

// TypingPrefix addresses every typing document under a conversation.
func TypingPrefix(conversationID string) string {
	return fmt.Sprintf("conversations/%s/typing", conversationID)
}

// parent strips the last path segment, turning a document path into its
// collection prefix. Change events fan out on both.
func parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

func docKey(path string) string   { return "doc:" + path }
func channel(path string) string  { return "docs:" + path }
func natsSubject(p string) string { return "chatsync.docs." + strings.ReplaceAll(p, "/", ".") }
