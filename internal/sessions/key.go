// Package sessions holds conversation identity and the durable thread store.
//
// A conversation is keyed by the bare WhatsApp id, with the provider
// domain stripped:
//
//	chat id          573001234567@s.whatsapp.net
//	conversation key 573001234567
//
// Lookups and the snapshot always use the key; delivery always uses the
// chat id. Group chats keep their @g.us suffix on the chat id.
package sessions

import "strings"

const (
	// UserSuffix is the WhatsApp domain for direct chats.
	UserSuffix = "@s.whatsapp.net"

	// GroupSuffix is the WhatsApp domain for group chats.
	GroupSuffix = "@g.us"

	// DefaultUserName is used when a contact has no display name.
	DefaultUserName = "Usuario"
)

// ConversationKey strips the domain suffix from a chat or contact id.
//
//	ConversationKey("573001234567@s.whatsapp.net") == "573001234567"
//	ConversationKey("573001234567")                == "573001234567"
func ConversationKey(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}

// ChatID returns the delivery id for a key or chat id. Ids that already
// carry a domain are returned unchanged.
func ChatID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "@") {
		return id
	}
	return id + UserSuffix
}

// IsGroup reports whether a chat id belongs to a group chat.
func IsGroup(chatID string) bool {
	return strings.HasSuffix(chatID, GroupSuffix)
}
