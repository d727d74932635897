package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"stoop/cmd/internal/auth"
)

const maxBodyBytes = 64 << 10 // 64 KiB

// Handler exposes the chat service over request/response HTTP.
//
// The live fan-out is NOT triggered here: after a successful append the
// client emits the live event itself over its connection, and the gateway
// routes it. Persistence and delivery stay separable and independently
// testable.
type Handler struct {
	log      *slog.Logger
	svc      *Service
	resolver auth.Resolver
}

// NewHandler constructs the REST handler.
func NewHandler(log *slog.Logger, svc *Service, resolver auth.Resolver) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chat: nil service")
	}
	if resolver == nil {
		return nil, errors.New("chat: nil auth resolver")
	}
	return &Handler{log: log, svc: svc, resolver: resolver}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	guard := func(fn http.HandlerFunc) http.Handler {
		return auth.RequireIdentity(fn, h.resolver)
	}

	mux.Handle("GET /api/chats", guard(h.handleList))
	mux.Handle("POST /api/chats", guard(h.handleCreate))
	mux.Handle("GET /api/chats/{id}", guard(h.handleGet))
	mux.Handle("DELETE /api/chats/{id}", guard(h.handleDelete))
	mux.Handle("POST /api/chats/{id}/messages", guard(h.handleSend))
	mux.Handle("PUT /api/chats/{id}/read", guard(h.handleMarkRead))
}

// ---- request/response shapes ----

type createChatRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	IsGroupChat    bool     `json:"is_group_chat"`
	GroupName      string   `json:"group_name"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type sendMessageResponse struct {
	Chat    Conversation `json:"chat"`
	Message Message      `json:"message"`
}

type ackResponse struct {
	Message string `json:"message"`
}

// ---- handlers ----

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	convs, err := h.svc.ListForUser(r.Context(), id.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if convs == nil {
		convs = []Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	conv, err := h.svc.Get(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	var req createChatRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	conv, created, err := h.svc.Create(r.Context(), CreateInput{
		RequesterID:    id.UserID,
		ParticipantIDs: req.ParticipantIDs,
		IsGroupChat:    req.IsGroupChat,
		GroupName:      req.GroupName,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	// An existing deduped direct chat comes back 200, a fresh record 201.
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	conv, msg, err := h.svc.AppendMessage(r.Context(), r.PathValue("id"), id.UserID, req.Content)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{Chat: conv, Message: msg})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	if err := h.svc.MarkRead(r.Context(), r.PathValue("id"), id.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Message: "messages marked as read"})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
		return
	}

	if err := h.svc.Delete(r.Context(), r.PathValue("id"), id.UserID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Message: "chat deleted"})
}

// writeDomainError maps the chat taxonomy onto transport codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", "not authenticated")
	case errors.Is(err, ErrNotFound):
		// Merged on purpose: same body whether the conversation is missing
		// or the caller is not a participant.
		writeError(w, http.StatusNotFound, "not_found", "chat not found or you do not have access")
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	default:
		h.log.Error("chat.request.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// ---- JSON helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
