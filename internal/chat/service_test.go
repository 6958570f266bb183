package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory Store used to exercise resolver and send-path
// logic without a database.
type fakeStore struct {
	mu       sync.Mutex
	convs    map[string]*Conversation
	messages map[string][]*Message // conversation id -> insert order
	nextID   int
	clock    time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs:    make(map[string]*Conversation),
		messages: make(map[string][]*Message),
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeStore) FindDirect(ctx context.Context, userA, userB int) ([]*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*Conversation
	for _, c := range f.convs {
		if !c.IsGroup && len(c.Participants) == 2 && c.HasParticipant(userA) && c.HasParticipant(userB) {
			c.MessageCount = len(f.messages[c.ID])
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageCount != out[j].MessageCount {
			return out[i].MessageCount > out[j].MessageCount
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeStore) CreateDirect(ctx context.Context, userA, userB int) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createDirectLocked(userA, userB), nil
}

func (f *fakeStore) createDirectLocked(userA, userB int) *Conversation {
	now := f.tick()
	c := &Conversation{
		ID: f.newID("conv"),
		Participants: []Participant{
			{UserID: userA, Username: fmt.Sprintf("user%d", userA)},
			{UserID: userB, Username: fmt.Sprintf("user%d", userB)},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.convs[c.ID] = c
	return c
}

func (f *fakeStore) CreateGroup(ctx context.Context, name string, admin int, participants []int) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.tick()
	c := &Conversation{
		ID:         f.newID("conv"),
		IsGroup:    true,
		GroupName:  name,
		GroupAdmin: admin,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, id := range participants {
		c.Participants = append(c.Participants, Participant{UserID: id, Username: fmt.Sprintf("user%d", id)})
	}
	f.convs[c.ID] = c
	return c, nil
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListByParticipant(ctx context.Context, userID int) ([]*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*Conversation
	for _, c := range f.convs {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeStore) MergeInto(ctx context.Context, mainID string, dupIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	main, ok := f.convs[mainID]
	if !ok {
		return ErrNotFound
	}
	for _, dupID := range dupIDs {
		dup, ok := f.convs[dupID]
		if !ok {
			continue
		}
		f.messages[mainID] = append(f.messages[mainID], f.messages[dupID]...)
		for i := range main.Participants {
			for _, dp := range dup.Participants {
				if dp.UserID == main.Participants[i].UserID {
					main.Participants[i].UnreadCount += dp.UnreadCount
				}
			}
		}
		delete(f.messages, dupID)
		delete(f.convs, dupID)
	}
	return nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.convs[msg.ConversationID]
	if !ok {
		return ErrConversationGone
	}
	msg.CreatedAt = f.tick()
	stored := *msg
	f.messages[c.ID] = append(f.messages[c.ID], &stored)
	for i := range c.Participants {
		if c.Participants[i].UserID != msg.SenderID {
			c.Participants[i].UnreadCount++
		}
	}
	c.UpdatedAt = msg.CreatedAt
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeStore) ResetUnread(ctx context.Context, conversationID string, userID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			c.Participants[i].UnreadCount = 0
		}
	}
	return nil
}

// seedMessages appends n placeholder messages to a conversation.
func (f *fakeStore) seedMessages(convID string, sender, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.messages[convID] = append(f.messages[convID], &Message{
			ID:             f.newID("msg"),
			ConversationID: convID,
			SenderID:       sender,
			Content:        "seed",
			CreatedAt:      f.tick(),
		})
	}
}

type notifyCall struct {
	userID         int
	conversationID string
	event          string
	payload        interface{}
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *fakeNotifier) NotifyUser(userID int, event string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{userID: userID, event: event, payload: payload})
}

func (n *fakeNotifier) NotifyConversation(conversationID string, event string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{conversationID: conversationID, event: event, payload: payload})
}

func newTestService() (*Service, *fakeStore, *fakeNotifier) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	return NewService(store, notifier), store, notifier
}

func TestResolveDirectCreatesAndReuses(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	first, err := svc.ResolveDirect(ctx, 1, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := svc.ResolveDirect(ctx, 1, 2)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same conversation, got %s and %s", first.ID, second.ID)
	}
	if len(store.convs) != 1 {
		t.Errorf("expected 1 conversation, got %d", len(store.convs))
	}
}

func TestResolveDirectSymmetry(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	ab, err := svc.ResolveDirect(ctx, 1, 2)
	if err != nil {
		t.Fatalf("resolve (1,2): %v", err)
	}
	ba, err := svc.ResolveDirect(ctx, 2, 1)
	if err != nil {
		t.Fatalf("resolve (2,1): %v", err)
	}
	if ab.ID != ba.ID {
		t.Errorf("resolve is not symmetric: %s vs %s", ab.ID, ba.ID)
	}
}

func TestResolveDirectRejectsSelf(t *testing.T) {
	svc, _, _ := newTestService()

	if _, err := svc.ResolveDirect(context.Background(), 7, 7); !errors.Is(err, ErrInvalidPeer) {
		t.Fatalf("expected ErrInvalidPeer, got %v", err)
	}
}

func TestResolveDirectMergesDuplicates(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	// Three duplicate records for the same pair with message counts 2, 5, 1.
	store.mu.Lock()
	c1 := store.createDirectLocked(1, 2)
	c2 := store.createDirectLocked(1, 2)
	c3 := store.createDirectLocked(1, 2)
	store.mu.Unlock()
	store.seedMessages(c1.ID, 1, 2)
	store.seedMessages(c2.ID, 1, 5)
	store.seedMessages(c3.ID, 2, 1)

	conv, err := svc.ResolveDirect(ctx, 1, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// The record with the most messages survives.
	if conv.ID != c2.ID {
		t.Errorf("expected main record %s, got %s", c2.ID, conv.ID)
	}
	if len(store.convs) != 1 {
		t.Errorf("expected duplicates deleted, %d conversations remain", len(store.convs))
	}

	msgs, _ := store.ListMessages(ctx, conv.ID)
	if len(msgs) != 8 {
		t.Fatalf("expected union of 8 messages, got %d", len(msgs))
	}
	seen := map[string]bool{}
	for _, m := range msgs {
		if seen[m.ID] {
			t.Errorf("message %s retained more than once", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc, store, _ := newTestService()

	_, err := svc.SendMessage(context.Background(), 1, SendTarget{PeerID: 2}, "   ")
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if len(store.convs) != 0 {
		t.Error("validation failure must not create a conversation")
	}
}

func TestSendMessageDirectUnreadAndFanout(t *testing.T) {
	svc, store, notifier := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.SendMessage(ctx, 1, SendTarget{PeerID: 2}, fmt.Sprintf("hello %d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	conv, err := svc.ResolveDirect(ctx, 1, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, p := range conv.Participants {
		switch p.UserID {
		case 1:
			if p.UnreadCount != 0 {
				t.Errorf("sender unread = %d, want 0", p.UnreadCount)
			}
		case 2:
			if p.UnreadCount != 3 {
				t.Errorf("recipient unread = %d, want 3", p.UnreadCount)
			}
		}
	}

	// Fan-out goes to the recipient's user room only; the sender already
	// has the message from the call result.
	if len(notifier.calls) != 3 {
		t.Fatalf("expected 3 fan-out calls, got %d", len(notifier.calls))
	}
	for _, call := range notifier.calls {
		if call.userID != 2 || call.event != EventMessageReceived {
			t.Errorf("unexpected fan-out call %+v", call)
		}
	}

	if err := svc.MarkRead(ctx, conv.ID, 2); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	conv, _ = store.GetByID(ctx, conv.ID)
	for _, p := range conv.Participants {
		if p.UserID == 2 && p.UnreadCount != 0 {
			t.Errorf("unread after mark read = %d, want 0", p.UnreadCount)
		}
	}
}

func TestSendMessageOrdering(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.SendMessage(ctx, 1, SendTarget{PeerID: 2}, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	conv, _ := svc.ResolveDirect(ctx, 1, 2)
	msgs, _ := store.ListMessages(ctx, conv.ID)
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("message %d out of order", i)
		}
		if msgs[i].Content != fmt.Sprintf("msg %d", i) {
			t.Errorf("read-back order differs from send order at %d: %q", i, msgs[i].Content)
		}
	}
}

func TestSendMessageGroup(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()

	conv, err := svc.CreateGroup(ctx, 1, "team", []int{2, 3})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if conv.GroupAdmin != 1 || !conv.HasParticipant(1) {
		t.Error("creator must be admin and participant")
	}

	msg, err := svc.SendMessage(ctx, 2, SendTarget{ConversationID: conv.ID}, "hi all")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ReceiverID != 0 {
		t.Errorf("group message has receiver %d, want none", msg.ReceiverID)
	}

	last := notifier.calls[len(notifier.calls)-1]
	if last.conversationID != conv.ID {
		t.Errorf("group fan-out went to %+v, want conversation room %s", last, conv.ID)
	}
}

func TestSendMessageGroupIsolation(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	conv, err := svc.CreateGroup(ctx, 1, "team", []int{2, 3})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	_, err = svc.SendMessage(ctx, 99, SendTarget{ConversationID: conv.ID}, "intruder")
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	msgs, _ := store.ListMessages(ctx, conv.ID)
	if len(msgs) != 0 {
		t.Errorf("no message must be persisted for a non-member, got %d", len(msgs))
	}
}

func TestSendMessageUnknownConversation(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.SendMessage(context.Background(), 1, SendTarget{ConversationID: "nope"}, "hi")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateGroupArity(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateGroup(ctx, 1, "small", []int{2}); !errors.Is(err, ErrInvalidGroup) {
		t.Fatalf("expected ErrInvalidGroup, got %v", err)
	}
	// Duplicates of the creator don't count towards the minimum.
	if _, err := svc.CreateGroup(ctx, 1, "sneaky", []int{1, 2}); !errors.Is(err, ErrInvalidGroup) {
		t.Fatalf("expected ErrInvalidGroup for creator-duplicate, got %v", err)
	}
}

func TestResolveDirectConcurrent(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ResolveDirect(ctx, 1, 2); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	// Concurrent find-then-create may race into duplicates; the next read
	// is the repair trigger and must converge on one canonical record.
	if _, err := svc.ResolveDirect(ctx, 1, 2); err != nil {
		t.Fatalf("repair resolve: %v", err)
	}
	if len(store.convs) != 1 {
		t.Fatalf("expected a single surviving conversation, got %d", len(store.convs))
	}
}
