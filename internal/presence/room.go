package presence

import (
	"strconv"
	"strings"
)

// RoomKind tags a room key so user ids and conversation ids live in
// separate keyspaces even when their encodings could overlap.
type RoomKind uint8

const (
	RoomUser RoomKind = iota + 1
	RoomConversation
	RoomAnonymous
)

func (k RoomKind) String() string {
	switch k {
	case RoomUser:
		return "user"
	case RoomConversation:
		return "conv"
	case RoomAnonymous:
		return "anon"
	}
	return "unknown"
}

// RoomKey names a group of sessions for targeted broadcast.
type RoomKey struct {
	Kind RoomKind
	ID   string
}

// UserRoom addresses every live session bound to the user's identity.
func UserRoom(userID int) RoomKey {
	return RoomKey{Kind: RoomUser, ID: strconv.Itoa(userID)}
}

// ConversationRoom addresses every session subscribed to a conversation.
func ConversationRoom(conversationID string) RoomKey {
	return RoomKey{Kind: RoomConversation, ID: conversationID}
}

// AnonymousRoom addresses the two sessions of an ephemeral anonymous pairing.
func AnonymousRoom(token string) RoomKey {
	return RoomKey{Kind: RoomAnonymous, ID: token}
}

// String encodes the key for logs and the redis bridge wire format.
func (k RoomKey) String() string {
	return k.Kind.String() + ":" + k.ID
}

func parseRoomKey(s string) (RoomKey, bool) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return RoomKey{}, false
	}
	switch kind {
	case "user":
		return RoomKey{Kind: RoomUser, ID: id}, true
	case "conv":
		return RoomKey{Kind: RoomConversation, ID: id}, true
	case "anon":
		return RoomKey{Kind: RoomAnonymous, ID: id}, true
	}
	return RoomKey{}, false
}
