package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage rejects empty (after trimming) message content.
	ErrInvalidMessage = errors.New("message content must not be empty")

	// ErrInvalidPeer rejects direct conversations a user opens with themselves.
	ErrInvalidPeer = errors.New("cannot open a conversation with yourself")

	// ErrInvalidGroup rejects group creation with fewer than two other members.
	ErrInvalidGroup = errors.New("a group needs at least two members besides the creator")

	// ErrNotFound means the conversation id does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrNotMember means the acting user is not in the conversation's participant set.
	ErrNotMember = errors.New("user is not a participant of this conversation")

	// ErrDuplicatePair is returned by the store when the unique index on the
	// participant pair rejects a concurrent direct-conversation insert. The
	// resolver recovers by re-reading; callers never see it.
	ErrDuplicatePair = errors.New("direct conversation already exists for this pair")

	// ErrConversationGone is returned by the store when the target
	// conversation row vanished mid-send (a concurrent merge deleted it).
	// The send path recovers by re-resolving.
	ErrConversationGone = errors.New("conversation no longer exists")
)

// PartialWriteError reports a send whose persistence outcome is ambiguous
// (e.g. the commit failed after the statements were accepted). It carries the
// message id so the caller can retry: the store treats a replayed message id
// as already applied, which makes the retry idempotent.
type PartialWriteError struct {
	MessageID string
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("message %s may not be fully persisted: %v", e.MessageID, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }
