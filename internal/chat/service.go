package chat

import (
	"context"
	"errors"
	"strings"

	"chatify/pkg/logger"

	"github.com/google/uuid"
)

// Notifier is the live-delivery boundary the send path fans out through.
// Delivery is best-effort; failures never fail the send.
type Notifier interface {
	NotifyUser(userID int, event string, payload interface{})
	NotifyConversation(conversationID string, event string, payload interface{})
}

// EventMessageReceived is the outbound event name for persisted messages.
const EventMessageReceived = "messageReceived"

type Service struct {
	store    Store
	notifier Notifier
}

func NewService(store Store, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier}
}

// ResolveDirect returns the canonical direct conversation for the unordered
// pair {userA, userB}, creating it when absent. Duplicate records left behind
// by racing creations are merged into one on the spot: the record with the
// most messages wins (earliest creation breaks ties), the rest donate their
// messages and unread counts and are deleted. That repair is logged but never
// surfaced; callers always get a single conversation.
func (s *Service) ResolveDirect(ctx context.Context, userA, userB int) (*Conversation, error) {
	if userA == userB {
		return nil, ErrInvalidPeer
	}

	convs, err := s.store.FindDirect(ctx, userA, userB)
	if err != nil {
		return nil, err
	}

	switch len(convs) {
	case 0:
		conv, err := s.store.CreateDirect(ctx, userA, userB)
		if errors.Is(err, ErrDuplicatePair) {
			// Lost the creation race; the winner's record is canonical.
			return s.ResolveDirect(ctx, userA, userB)
		}
		return conv, err

	case 1:
		return convs[0], nil

	default:
		main := convs[0]
		dupIDs := make([]string, 0, len(convs)-1)
		for _, dup := range convs[1:] {
			dupIDs = append(dupIDs, dup.ID)
		}
		logger.Error("consistency violation: %d direct conversations for pair (%d,%d), merging into %s",
			len(convs), userA, userB, main.ID)

		if err := s.store.MergeInto(ctx, main.ID, dupIDs); err != nil {
			return nil, err
		}
		return s.store.GetByID(ctx, main.ID)
	}
}

// CreateGroup creates a group conversation. The creator is added to the
// participant set and becomes the admin.
func (s *Service) CreateGroup(ctx context.Context, creator int, name string, memberIDs []int) (*Conversation, error) {
	seen := map[int]bool{creator: true}
	participants := []int{creator}
	for _, id := range memberIDs {
		if !seen[id] {
			seen[id] = true
			participants = append(participants, id)
		}
	}
	if len(participants) < 3 {
		return nil, ErrInvalidGroup
	}
	return s.store.CreateGroup(ctx, strings.TrimSpace(name), creator, participants)
}

// SendTarget addresses a send: exactly one of PeerID (direct) or
// ConversationID (group) is set.
type SendTarget struct {
	PeerID         int
	ConversationID string
}

// SendMessage validates, persists, and fans out one message. Fan-out is
// fire-and-forget: once the message is stored the send has succeeded, and
// offline recipients pick it up on their next history load.
func (s *Service) SendMessage(ctx context.Context, sender int, target SendTarget, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrInvalidMessage
	}

	var conv *Conversation
	var receiverID int
	var err error

	if target.ConversationID != "" {
		conv, err = s.store.GetByID(ctx, target.ConversationID)
		if err != nil {
			return nil, err
		}
		if !conv.HasParticipant(sender) {
			return nil, ErrNotMember
		}
		if !conv.IsGroup {
			// Direct conversations addressed by id still deliver to the peer.
			for _, p := range conv.Participants {
				if p.UserID != sender {
					receiverID = p.UserID
				}
			}
		}
	} else {
		conv, err = s.ResolveDirect(ctx, sender, target.PeerID)
		if err != nil {
			return nil, err
		}
		receiverID = target.PeerID
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       sender,
		ReceiverID:     receiverID,
		Content:        content,
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, ErrConversationGone) && !conv.IsGroup {
			// A concurrent merge deleted the record we resolved. Resolve
			// again, which lands on the surviving canonical record.
			conv, err = s.ResolveDirect(ctx, sender, receiverIDOrPeer(receiverID, target))
			if err != nil {
				return nil, err
			}
			msg.ConversationID = conv.ID
			err = s.store.InsertMessage(ctx, msg)
		}
		if err != nil {
			return nil, err
		}
	}

	s.attachSenderDisplay(msg, conv, sender)

	if conv.IsGroup {
		s.notifier.NotifyConversation(conv.ID, EventMessageReceived, msg)
	} else {
		// The sender already holds the message from the call result, so
		// only the recipient's sessions need the live copy.
		s.notifier.NotifyUser(receiverID, EventMessageReceived, msg)
	}

	return msg, nil
}

func receiverIDOrPeer(receiverID int, target SendTarget) int {
	if target.PeerID != 0 {
		return target.PeerID
	}
	return receiverID
}

func (s *Service) attachSenderDisplay(msg *Message, conv *Conversation, sender int) {
	for _, p := range conv.Participants {
		if p.UserID == sender {
			msg.SenderName = p.Username
			msg.SenderAvatar = p.Avatar
			return
		}
	}
}

// GetMessages returns the conversation history for a participant.
func (s *Service) GetMessages(ctx context.Context, conversationID string, userID int) ([]*Message, error) {
	conv, err := s.store.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotMember
	}
	return s.store.ListMessages(ctx, conversationID)
}

// ListConversations returns the user's conversations, most recently
// updated first, with last-message previews.
func (s *Service) ListConversations(ctx context.Context, userID int) ([]*Conversation, error) {
	return s.store.ListByParticipant(ctx, userID)
}

// MarkRead zeroes the participant's unread counter for the conversation.
func (s *Service) MarkRead(ctx context.Context, conversationID string, userID int) error {
	conv, err := s.store.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return ErrNotMember
	}
	return s.store.ResetUnread(ctx, conversationID, userID)
}
