package chat

import "context"

// Store defines conversation and message persistence operations.
type Store interface {
	// FindDirect returns every non-group conversation whose participant set
	// is exactly {userA, userB}, with MessageCount populated, ordered
	// main-record-first (message count descending, creation time ascending).
	// Under normal operation the result has zero or one element; more than
	// one is the duplicate condition the resolver repairs.
	FindDirect(ctx context.Context, userA, userB int) ([]*Conversation, error)

	// CreateDirect inserts a direct conversation for the pair. Returns
	// ErrDuplicatePair if another request won the race on the pair index.
	CreateDirect(ctx context.Context, userA, userB int) (*Conversation, error)

	// CreateGroup inserts a group conversation. participants must already
	// include the admin.
	CreateGroup(ctx context.Context, name string, admin int, participants []int) (*Conversation, error)

	// GetByID loads a conversation with its participant set. Returns
	// ErrNotFound for unknown ids.
	GetByID(ctx context.Context, id string) (*Conversation, error)

	// ListByParticipant returns the user's conversations ordered by
	// UpdatedAt descending, each with a LastMessage preview.
	ListByParticipant(ctx context.Context, userID int) ([]*Conversation, error)

	// MergeInto moves every message of the duplicate conversations into the
	// main record, folds their unread counts into the main record's, and
	// deletes the duplicates. Applied as one transaction.
	MergeInto(ctx context.Context, mainID string, dupIDs []string) error

	// InsertMessage persists msg and, in the same transaction, increments
	// the unread count of every participant except the sender and bumps the
	// conversation's UpdatedAt. The server-assigned CreatedAt is written
	// back into msg. A replayed message id is treated as already applied.
	// Returns ErrConversationGone if the conversation row vanished.
	InsertMessage(ctx context.Context, msg *Message) error

	// ListMessages returns the conversation's messages ordered by CreatedAt
	// ascending with sender display data attached.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// ResetUnread zeroes the participant's unread counter.
	ResetUnread(ctx context.Context, conversationID string, userID int) error
}
