package chat

import "time"

// Participant is a conversation member with display data denormalized for
// the UI and that member's pending unread count.
type Participant struct {
	UserID      int    `json:"user_id"`
	Username    string `json:"username"`
	Avatar      string `json:"avatar"`
	UnreadCount int    `json:"unread_count"`
}

type Conversation struct {
	ID           string        `json:"id"`
	IsGroup      bool          `json:"is_group"`
	GroupName    string        `json:"group_name,omitempty"`
	GroupAdmin   int           `json:"group_admin,omitempty"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`

	// MessageCount is populated by FindDirect so the resolver can pick the
	// main record during a repair merge.
	MessageCount int `json:"message_count,omitempty"`

	// LastMessage is the preview attached to conversation listings.
	LastMessage *Message `json:"last_message,omitempty"`
}

// HasParticipant reports whether userID is in the participant set.
func (c *Conversation) HasParticipant(userID int) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Message is immutable once persisted. ReceiverID is zero for group messages.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	SenderAvatar   string    `json:"sender_avatar,omitempty"`
	ReceiverID     int       `json:"receiver_id,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
