// Package api exposes the daemon's control surface over HTTP: conversation
// state, sends, refreshes, and a websocket event stream for the ctl client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/plantline/plantline/internal/bus"
	"github.com/plantline/plantline/internal/chat"
	intsync "github.com/plantline/plantline/internal/sync"
	"go.uber.org/zap"
)

// Engine is the conversation engine surface the handlers need.
type Engine interface {
	Open(ctx context.Context) (*chat.Conversation, error)
	SwitchTo(ctx context.Context, conversationID string) error
	Refresh(ctx context.Context) error
	Send(ctx context.Context, text string, attachment *chat.Attachment) error
	Snapshot() intsync.Snapshot
	Conversations() ([]chat.Conversation, error)
}

// Handler serves the daemon control API.
type Handler struct {
	profile string
	engine  Engine
	bus     *bus.Bus
	logger  *zap.Logger
	started time.Time
}

func NewHandler(profile string, engine Engine, b *bus.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		profile: profile,
		engine:  engine,
		bus:     b,
		logger:  logger,
		started: time.Now(),
	}
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/status", h.status)
	r.Post("/v1/conversation/open", h.openConversation)
	r.Post("/v1/conversation/switch", h.switchConversation)
	r.Get("/v1/conversation", h.conversation)
	r.Get("/v1/conversations", h.conversations)
	r.Post("/v1/messages", h.sendMessage)
	r.Post("/v1/refresh", h.refresh)
	r.Get("/v1/events", h.events)
	return r
}

type statusResponse struct {
	Profile     string `json:"profile"`
	PID         int    `json:"pid"`
	ConnState   string `json:"conn_state"`
	LastRefresh int64  `json:"last_refresh,omitempty"`
	UptimeSecs  int64  `json:"uptime_seconds"`
}

type conversationResponse struct {
	Conversation *conversationDTO `json:"conversation,omitempty"`
	Messages     []entryDTO       `json:"messages"`
	ConnState    string           `json:"conn_state"`
}

type conversationDTO struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	ExpertID      string `json:"expert_id"`
	Type          string `json:"conversation_type"`
	Status        string `json:"status"`
	LastMessage   string `json:"last_message,omitempty"`
	LastMessageAt int64  `json:"last_message_at,omitempty"`
}

type entryDTO struct {
	ID             string `json:"id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text,omitempty"`
	DisplayText    string `json:"display_text"`
	AttachmentKind string `json:"attachment_kind,omitempty"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
	SentAt         int64  `json:"sent_at"`
	Optimistic     bool   `json:"optimistic"`
	Read           bool   `json:"read"`
}

type sendRequest struct {
	Text           string `json:"text"`
	AttachmentKind string `json:"attachment_kind,omitempty"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	resp := statusResponse{
		Profile:    h.profile,
		PID:        os.Getpid(),
		ConnState:  string(snap.ConnState),
		UptimeSecs: int64(time.Since(h.started).Seconds()),
	}
	if !snap.LastRefresh.IsZero() {
		resp.LastRefresh = snap.LastRefresh.UnixMilli()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) openConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.engine.Open(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationDTO(conv))
}

type switchRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (h *Handler) switchConversation(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		h.writeError(w, chat.ErrValidation)
		return
	}
	if err := h.engine.SwitchTo(r.Context(), req.ConversationID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	resp := conversationResponse{
		Messages:  make([]entryDTO, 0, len(snap.Entries)),
		ConnState: string(snap.ConnState),
	}
	if snap.Conversation != nil {
		resp.Conversation = toConversationDTO(snap.Conversation)
	}
	for i := range snap.Entries {
		resp.Messages = append(resp.Messages, toEntryDTO(&snap.Entries[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) conversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.engine.Conversations()
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]*conversationDTO, 0, len(convs))
	for i := range convs {
		out = append(out, toConversationDTO(&convs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, chat.ErrValidation)
		return
	}
	var att *chat.Attachment
	if req.AttachmentRef != "" {
		att = &chat.Attachment{
			Kind: chat.AttachmentKind(req.AttachmentKind),
			Ref:  req.AttachmentRef,
		}
	}
	if err := h.engine.Send(r.Context(), req.Text, att); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Refresh(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

var upgrader = websocket.Upgrader{
	// The socket is a local unix domain socket; no cross-origin concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

type eventFrame struct {
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// events streams bus events to the client over a websocket until either
// side closes. Used by `plantlinectl watch`.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	events, cancel := h.bus.Subscribe("", 64)
	defer cancel()

	// Drain reads so client close frames are processed; done unblocks the
	// write loop when the client goes away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-events:
			frame := eventFrame{Kind: evt.Kind, Timestamp: evt.Timestamp.UnixMilli(), Payload: evt.Payload}
			if err := ws.WriteJSON(frame); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code, status := http.StatusBadGateway, "network"
	switch {
	case errors.Is(err, chat.ErrValidation):
		code, status = http.StatusUnprocessableEntity, "validation"
	case errors.Is(err, chat.ErrRateLimited):
		code, status = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, chat.ErrNotAuthenticated):
		code, status = http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, chat.ErrPermissionDenied):
		code, status = http.StatusForbidden, "permission_denied"
	case errors.Is(err, chat.ErrNotFound):
		code, status = http.StatusNotFound, "not_found"
	case errors.Is(err, chat.ErrConflict):
		code, status = http.StatusConflict, "conflict"
	case errors.Is(err, chat.ErrTimeout):
		code, status = http.StatusGatewayTimeout, "timeout"
	default:
		h.logger.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Code: status})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func toConversationDTO(c *chat.Conversation) *conversationDTO {
	dto := &conversationDTO{
		ID:          c.ID,
		UserID:      c.UserID,
		ExpertID:    c.ExpertID,
		Type:        c.Type,
		Status:      string(c.Status),
		LastMessage: c.LastMessage,
	}
	if !c.LastMessageAt.IsZero() {
		dto.LastMessageAt = c.LastMessageAt.UnixMilli()
	}
	return dto
}

func toEntryDTO(e *intsync.Entry) entryDTO {
	dto := entryDTO{
		ID:          e.ID,
		ClientID:    e.ClientID,
		SenderID:    e.SenderID,
		Text:        e.Text,
		DisplayText: e.DisplayText(),
		SentAt:      e.SentAt.UnixMilli(),
		Optimistic:  e.Optimistic,
		Read:        e.Read,
	}
	if e.Attachment != nil {
		dto.AttachmentKind = string(e.Attachment.Kind)
		dto.AttachmentRef = e.Attachment.Ref
	}
	return dto
}
