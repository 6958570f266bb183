package anonymous

import (
	"sync"
	"time"

	"chatify/internal/presence"
	"chatify/pkg/logger"

	"github.com/google/uuid"
)

// SenderLabel replaces the real identity on every relayed payload. Nothing
// else about either party ever crosses the room.
const SenderLabel = "Stranger"

type state uint8

const (
	stateSearching state = iota + 1
	stateMatched
)

type member struct {
	state   state
	roomID  string
	partner string
}

// Matchmaker pairs sessions seeking a random partner into ephemeral rooms.
// It owns the queue outright: a single mutex guards the enqueue / pairing
// check so a pairing can never be lost or duplicated by interleaving.
// Sessions are tracked by presence-session id only, never by user identity.
type Matchmaker struct {
	mu      sync.Mutex
	queue   []string
	members map[string]*member

	registry *presence.Registry
}

func NewMatchmaker(registry *presence.Registry) *Matchmaker {
	return &Matchmaker{
		members:  make(map[string]*member),
		registry: registry,
	}
}

// Start enqueues the session and pairs it immediately when a partner is
// already waiting. Idempotent: a session that is searching or matched is
// left alone.
func (m *Matchmaker) Start(sessionID string) {
	m.mu.Lock()
	if _, ok := m.members[sessionID]; ok {
		m.mu.Unlock()
		return
	}
	m.members[sessionID] = &member{state: stateSearching}
	m.queue = append(m.queue, sessionID)

	if len(m.queue) < 2 {
		m.mu.Unlock()
		return
	}

	// Strict FIFO: the two earliest-queued sessions pair up, the first
	// dequeued taking the initiator role.
	initiator, responder := m.queue[0], m.queue[1]
	m.queue = m.queue[2:]
	roomID := uuid.NewString()
	m.members[initiator] = &member{state: stateMatched, roomID: roomID, partner: responder}
	m.members[responder] = &member{state: stateMatched, roomID: roomID, partner: initiator}
	m.mu.Unlock()

	// Registry calls happen outside the queue lock; the registry has its
	// own lock and its unregister hook re-enters this one.
	room := presence.AnonymousRoom(roomID)
	m.registry.Join(initiator, room)
	m.registry.Join(responder, room)
	m.registry.SendTo(initiator, presence.EventAnonymousMatched,
		presence.MatchedPayload{RoomID: roomID, IsInitiator: true})
	m.registry.SendTo(responder, presence.EventAnonymousMatched,
		presence.MatchedPayload{RoomID: roomID, IsInitiator: false})
	logger.Debug("anonymous match %s: %s <-> %s", roomID, initiator, responder)
}

// Stop cancels the session's participation from any state: dequeue while
// searching, leave the room while matched, no-op otherwise. A matched
// partner keeps their own state but is told the room emptied.
func (m *Matchmaker) Stop(sessionID string) {
	m.release(sessionID, true)
}

// Disconnect is Stop for a destroyed session; the registry has already
// released its room memberships. Wired to the registry's unregister hook.
func (m *Matchmaker) Disconnect(sessionID string) {
	m.release(sessionID, false)
}

func (m *Matchmaker) release(sessionID string, leaveRoom bool) {
	m.mu.Lock()
	mb, ok := m.members[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.members, sessionID)

	var roomID, partner string
	switch mb.state {
	case stateSearching:
		for i, id := range m.queue {
			if id == sessionID {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
	case stateMatched:
		roomID, partner = mb.roomID, mb.partner
	}
	m.mu.Unlock()

	if roomID == "" {
		return
	}
	if leaveRoom {
		m.registry.Leave(sessionID, presence.AnonymousRoom(roomID))
	}
	// The partner stays matched (their own stop handles their cleanup)
	// but is told the other side left rather than being left talking to
	// an empty room.
	m.registry.SendTo(partner, presence.EventPartnerLeft,
		presence.PartnerLeftPayload{RoomID: roomID})
}

// Relay broadcasts content to the sender's room, excluding the sender and
// substituting the anonymized label. A room the partner already left simply
// delivers to nobody.
func (m *Matchmaker) Relay(sessionID, roomID, content string) {
	m.mu.Lock()
	mb, ok := m.members[sessionID]
	authorized := ok && mb.state == stateMatched && mb.roomID == roomID
	m.mu.Unlock()
	if !authorized || content == "" {
		return
	}

	m.registry.EmitExcept(presence.AnonymousRoom(roomID), sessionID,
		presence.EventAnonymousMessage, presence.AnonymousMessagePayload{
			Content:     content,
			SenderLabel: SenderLabel,
			CreatedAt:   time.Now(),
		})
}

// RoomSize reports live membership of an anonymous room, for diagnostics.
func (m *Matchmaker) RoomSize(roomID string) int {
	return m.registry.RoomSize(presence.AnonymousRoom(roomID))
}

// Searching reports the number of sessions currently waiting for a partner.
func (m *Matchmaker) Searching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
