package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatify/internal/middleware"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type directRequest struct {
	PeerID int `json:"peer_id"`
}

type groupRequest struct {
	Name      string `json:"name"`
	MemberIDs []int  `json:"member_ids"`
}

type sendRequest struct {
	PeerID         int    `json:"peer_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
}

// ResolveDirect handles POST /api/conversations/direct.
func (h *Handler) ResolveDirect(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req directRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PeerID == 0 {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}

	conv, err := h.service.ResolveDirect(r.Context(), userID, req.PeerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// CreateGroup handles POST /api/conversations/group.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conv, err := h.service.CreateGroup(r.Context(), userID, req.Name, req.MemberIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// SendMessage handles POST /api/messages.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PeerID == 0 && req.ConversationID == "" {
		http.Error(w, "peer_id or conversation_id is required", http.StatusBadRequest)
		return
	}

	msg, err := h.service.SendMessage(r.Context(), userID,
		SendTarget{PeerID: req.PeerID, ConversationID: req.ConversationID}, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// GetMessages handles GET /api/conversations/{id}/messages.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	msgs, err := h.service.GetMessages(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ListConversations handles GET /api/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := h.service.ListConversations(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []*Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// MarkRead handles POST /api/conversations/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.service.MarkRead(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var partial *PartialWriteError
	switch {
	case errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrInvalidPeer),
		errors.Is(err, ErrInvalidGroup):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotMember):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &partial):
		// Retryable: the message id lets the client replay the send
		// without risking a duplicate.
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":      "send may not have completed, retry with the same content",
			"message_id": partial.MessageID,
		})
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
