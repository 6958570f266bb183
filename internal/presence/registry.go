package presence

import (
	"sync"

	"chatify/pkg/logger"
)

// sendBufferSize bounds each session's outbound queue. A session that falls
// this far behind is disconnected rather than allowed to stall emitters.
const sendBufferSize = 256

// Session is one live transport connection. It may exist unbound (UserID
// zero) between connect and the join announcement.
type Session struct {
	ID     string
	UserID int
	send   chan []byte
}

// Outbound exposes the session's in-order delivery channel. The write pump
// (or a test) drains it; the channel is closed on unregister.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Registry tracks which live sessions belong to which rooms and fans events
// out to them. All delivery is fire-and-forget; ordering is guaranteed only
// per session, by virtue of the single outbound channel each session owns.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	rooms        map[RoomKey]map[string]*Session
	memberships  map[string]map[RoomKey]struct{}
	onUnregister []func(sessionID string)

	bridge *Bridge
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		rooms:       make(map[RoomKey]map[string]*Session),
		memberships: make(map[string]map[RoomKey]struct{}),
	}
}

// SetBridge attaches the optional cross-instance mirror. Must be called
// before the registry starts serving sessions.
func (r *Registry) SetBridge(b *Bridge) {
	r.bridge = b
}

// OnUnregister installs a hook invoked after a session is fully removed.
// The matchmaker uses this to treat disconnect as an implicit stop.
func (r *Registry) OnUnregister(fn func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnregister = append(r.onUnregister, fn)
}

// Register creates a session for a new transport connection.
func (r *Registry) Register(sessionID string) *Session {
	s := &Session{ID: sessionID, send: make(chan []byte, sendBufferSize)}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = s
	r.memberships[sessionID] = make(map[RoomKey]struct{})
	return s
}

// Bind attaches a user identity to the session and joins it to the user's
// own room, making it reachable by direct addressing.
func (r *Registry) Bind(sessionID string, userID int) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.UserID = userID
	}
	r.mu.Unlock()
	r.Join(sessionID, UserRoom(userID))
}

// Join adds the session to a room. Idempotent per (session, room) pair.
func (r *Registry) Join(sessionID string, key RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	room := r.rooms[key]
	if room == nil {
		room = make(map[string]*Session)
		r.rooms[key] = room
	}
	room[sessionID] = s
	r.memberships[sessionID][key] = struct{}{}
}

// Leave removes the session from one room.
func (r *Registry) Leave(sessionID string, key RoomKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, key)
}

func (r *Registry) leaveLocked(sessionID string, key RoomKey) {
	if room, ok := r.rooms[key]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, key)
		}
	}
	if keys, ok := r.memberships[sessionID]; ok {
		delete(keys, key)
	}
}

// Unregister destroys the session: every room membership is released
// atomically and the outbound channel is closed. Safe to call twice.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for key := range r.memberships[sessionID] {
		r.leaveLocked(sessionID, key)
	}
	delete(r.memberships, sessionID)
	delete(r.sessions, sessionID)
	close(s.send)
	hooks := r.onUnregister
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(sessionID)
	}
}

// Emit delivers an event to every session in the room, and mirrors it to
// other instances when a bridge is attached. No acknowledgement, no retry.
func (r *Registry) Emit(key RoomKey, event string, payload interface{}) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		logger.Error("encoding %s event: %v", event, err)
		return
	}
	r.emitLocal(key, data)
	if r.bridge != nil {
		r.bridge.Publish(key, data)
	}
}

// EmitExcept is Emit minus one session, used by the anonymous relay to skip
// the sender.
func (r *Registry) EmitExcept(key RoomKey, exceptSessionID, event string, payload interface{}) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		logger.Error("encoding %s event: %v", event, err)
		return
	}

	r.mu.RLock()
	var slow []string
	for id, s := range r.rooms[key] {
		if id == exceptSessionID {
			continue
		}
		select {
		case s.send <- data:
		default:
			slow = append(slow, id)
		}
	}
	r.mu.RUnlock()
	r.dropSlow(slow)
}

func (r *Registry) emitLocal(key RoomKey, data []byte) {
	r.mu.RLock()
	var slow []string
	for id, s := range r.rooms[key] {
		select {
		case s.send <- data:
		default:
			slow = append(slow, id)
		}
	}
	r.mu.RUnlock()
	r.dropSlow(slow)
}

// dropSlow disconnects sessions whose buffers were full; a consumer that
// cannot keep up would otherwise hold stale room membership forever.
func (r *Registry) dropSlow(ids []string) {
	for _, id := range ids {
		logger.Error("dropping slow session %s", id)
		r.Unregister(id)
	}
}

// SendTo delivers an event to one specific session. Reports whether the
// session exists and accepted the event.
func (r *Registry) SendTo(sessionID, event string, payload interface{}) bool {
	data, err := encodeEvent(event, payload)
	if err != nil {
		logger.Error("encoding %s event: %v", event, err)
		return false
	}

	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	select {
	case s.send <- data:
		r.mu.RUnlock()
		return true
	default:
		r.mu.RUnlock()
		r.dropSlow([]string{sessionID})
		return false
	}
}

// RoomSize reports how many sessions are currently joined to the room.
func (r *Registry) RoomSize(key RoomKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[key])
}

// NotifyUser and NotifyConversation adapt Emit to the send path's
// fan-out boundary (chat.Notifier).

func (r *Registry) NotifyUser(userID int, event string, payload interface{}) {
	r.Emit(UserRoom(userID), event, payload)
}

func (r *Registry) NotifyConversation(conversationID string, event string, payload interface{}) {
	r.Emit(ConversationRoom(conversationID), event, payload)
}
