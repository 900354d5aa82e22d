// Package httpapi is the REST surface over the chat service. Handlers
// decode, delegate and encode; every decision lives in the service
// layer.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"rescue-chat/audit"
	"rescue-chat/auth"
	"rescue-chat/domain"
	"rescue-chat/errors"
	"rescue-chat/services"
)

type jsonResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type chatResponse struct {
	ID            string                `json:"id"`
	RescueID      string                `json:"rescue_id"`
	ApplicationID string                `json:"application_id,omitempty"`
	Status        string                `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Participants  []participantResponse `json:"participants,omitempty"`
}

type participantResponse struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Role       string     `json:"role"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
	JoinedAt   time.Time  `json:"joined_at"`
}

type messageResponse struct {
	ID          string              `json:"id"`
	ChatID      string              `json:"chat_id"`
	SenderID    string              `json:"sender_id"`
	Content     string              `json:"content"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

type attachmentPayload struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

type createChatRequest struct {
	RescueID      string `json:"rescue_id"`
	ApplicationID string `json:"application_id"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type addParticipantRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type sendMessageRequest struct {
	Content     string              `json:"content"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
}

type bulkDeleteRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type Handler struct {
	service *services.ChatService
	log     *slog.Logger
}

func NewHandler(service *services.ChatService, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var body createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	chat, err := h.service.CreateChat(r.Context(), services.CreateChatCommand{
		UserID:        domain.UserID(claims.UserID),
		RescueID:      domain.RescueID(body.RescueID),
		ApplicationID: body.ApplicationID,
	}, audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChatResponse(chat, nil))
}

func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	chatID := domain.ChatID(chi.URLParam(r, "chatID"))

	chat, participants, err := h.service.GetChat(r.Context(), domain.UserID(claims.UserID), chatID,
		audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(chat, participants))
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var body updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	cmd := services.UpdateStatusCommand{
		ChatID:       domain.ChatID(chi.URLParam(r, "chatID")),
		Status:       domain.ChatStatus(body.Status),
		ActingUserID: domain.UserID(claims.UserID),
	}
	// The rescue-portal route scopes the operation to one rescue:
	// chats outside it read as 404
	if rescueID := chi.URLParam(r, "rescueID"); rescueID != "" {
		scope := domain.RescueID(rescueID)
		cmd.RescueScope = &scope
	}

	chat, err := h.service.UpdateStatus(r.Context(), cmd,
		audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(chat, nil))
}

func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	chatID := domain.ChatID(chi.URLParam(r, "chatID"))

	err := h.service.DeleteChat(r.Context(), chatID, domain.UserID(claims.UserID),
		audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListChatsByRescue(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	rescueID := domain.RescueID(chi.URLParam(r, "rescueID"))

	chats, err := h.service.ListChatsByRescue(r.Context(), domain.UserID(claims.UserID), rescueID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(chats, func(c domain.Chat, _ int) chatResponse {
		return toChatResponse(c, nil)
	}))
}

func (h *Handler) ListChatsByUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	userID := domain.UserID(chi.URLParam(r, "userID"))

	chats, err := h.service.ListChatsByUser(r.Context(), domain.UserID(claims.UserID), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(chats, func(c domain.Chat, _ int) chatResponse {
		return toChatResponse(c, nil)
	}))
}

func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var body addParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	participant, err := h.service.AddParticipant(r.Context(), services.AddParticipantCommand{
		ChatID:       domain.ChatID(chi.URLParam(r, "chatID")),
		UserID:       domain.UserID(body.UserID),
		Role:         domain.ParticipantRole(body.Role),
		ActingUserID: domain.UserID(claims.UserID),
	}, audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantResponse(participant))
}

func (h *Handler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	chatID := domain.ChatID(chi.URLParam(r, "chatID"))
	userID := domain.UserID(chi.URLParam(r, "userID"))

	err := h.service.RemoveParticipant(r.Context(), chatID, userID, domain.UserID(claims.UserID),
		audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var body sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	msg, err := h.service.SendMessage(r.Context(), services.SendMessageCommand{
		ChatID:   domain.ChatID(chi.URLParam(r, "chatID")),
		SenderID: domain.UserID(claims.UserID),
		Content:  body.Content,
		Attachments: lo.Map(body.Attachments, func(a attachmentPayload, _ int) domain.Attachment {
			return domain.Attachment{ID: a.ID, Filename: a.Filename, MimeType: a.MimeType, Size: a.Size, URL: a.URL}
		}),
	}, audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	chatID := domain.ChatID(chi.URLParam(r, "chatID"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	messages, err := h.service.GetMessages(r.Context(), domain.UserID(claims.UserID), chatID, limit,
		audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(messages, func(m domain.Message, _ int) messageResponse {
		return toMessageResponse(m)
	}))
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	messageID := domain.MessageID(chi.URLParam(r, "messageID"))

	err := h.service.DeleteMessage(r.Context(), messageID, domain.UserID(claims.UserID),
		audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) BulkDeleteMessages(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var body bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	ids := lo.Map(body.MessageIDs, func(id string, _ int) domain.MessageID {
		return domain.MessageID(id)
	})
	err := h.service.BulkDeleteMessages(r.Context(), ids, domain.UserID(claims.UserID),
		audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	messageID := domain.MessageID(chi.URLParam(r, "messageID"))

	row, err := h.service.MarkRead(r.Context(), messageID, domain.UserID(claims.UserID),
		audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": string(row.MessageID),
		"read_at":    row.ReadAt,
	})
}

func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	chatID := domain.ChatID(chi.URLParam(r, "chatID"))

	marked, err := h.service.MarkAllRead(r.Context(), chatID, domain.UserID(claims.UserID),
		audit.ContextFromRequest(r, domain.UserID(claims.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_ids": lo.Map(marked, func(id domain.MessageID, _ int) string { return string(id) }),
	})
}

func (h *Handler) UnreadCounts(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	counts, err := h.service.UnreadCounts(r.Context(), domain.UserID(claims.UserID))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make(map[string]int, len(counts))
	for chatID, n := range counts {
		out[string(chatID)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.MapToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	h.log.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	writeError(w, status, http.StatusText(status))
}

func toChatResponse(c domain.Chat, participants []domain.ChatParticipant) chatResponse {
	return chatResponse{
		ID:            string(c.ID),
		RescueID:      string(c.RescueID),
		ApplicationID: c.ApplicationID,
		Status:        string(c.Status),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		Participants: lo.Map(participants, func(p domain.ChatParticipant, _ int) participantResponse {
			return toParticipantResponse(p)
		}),
	}
}

func toParticipantResponse(p domain.ChatParticipant) participantResponse {
	return participantResponse{
		ID:         p.ID,
		UserID:     string(p.UserID),
		Role:       string(p.Role),
		LastReadAt: p.LastReadAt,
		JoinedAt:   p.JoinedAt,
	}
}

func toMessageResponse(m domain.Message) messageResponse {
	return messageResponse{
		ID:       string(m.ID),
		ChatID:   string(m.ChatID),
		SenderID: string(m.SenderID),
		Content:  m.Content,
		Attachments: lo.Map(m.Attachments, func(a domain.Attachment, _ int) attachmentPayload {
			return attachmentPayload{ID: a.ID, Filename: a.Filename, MimeType: a.MimeType, Size: a.Size, URL: a.URL}
		}),
		CreatedAt: m.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonResponse{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonResponse{Status: "error", Message: message})
}
