// ABOUTME: HTTP API handlers for conversations, message history, and SSE turn streaming
// ABOUTME: Every route is scoped to the authenticated user's own conversations

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/neon-gateway/internal/auth"
	"github.com/2389/neon-gateway/internal/config"
	"github.com/2389/neon-gateway/internal/conversation"
	"github.com/2389/neon-gateway/internal/llm"
	"github.com/2389/neon-gateway/internal/store"
)

const maxPageSize = 100

// maxPage keeps (page-1)*pageSize within an int32 offset.
const maxPage = math.MaxInt32 / maxPageSize

// SendMessageRequest is the JSON body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content    string `json:"content"`
	ReplyingTo string `json:"replying_to,omitempty"`
}

// CreateConversationRequest is the JSON body for POST /api/conversations.
type CreateConversationRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	AgentID        string `json:"agent_id"`
	Name           string `json:"name"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      string `json:"created_at"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	ContentHTML    string `json:"content_html,omitempty"`
	ReplyingTo     string `json:"replying_to,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// PageResponse wraps one page of a listing.
type PageResponse[T any] struct {
	Items    []T `json:"items"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

func (g *Gateway) apiRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	mux.HandleFunc("DELETE /api/conversations/{id}/messages/{messageID}", g.handleDeleteMessage)
	return mux
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:             c.ID,
		OrganizationID: c.OrganizationID,
		AgentID:        c.AgentID,
		Name:           c.Name,
		CreatedBy:      c.CreatedBy,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	page, pageSize, err := g.parsePage(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	convs, total, err := g.store.ListConversations(r.Context(), user.UserID, pageSize, (page-1)*pageSize)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := PageResponse[ConversationResponse]{
		Items:    make([]ConversationResponse, len(convs)),
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}
	for i, c := range convs {
		resp.Items[i] = toConversationResponse(c)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	agent, err := g.store.GetAgent(r.Context(), req.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !agent.Active {
		g.sendJSONError(w, http.StatusBadRequest, "agent is not active")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = agent.Name
	}
	conv := &store.Conversation{
		OrganizationID: agent.OrganizationID,
		AgentID:        agent.ID,
		Name:           name,
		CreatedBy:      user.UserID,
	}
	if err := g.store.CreateConversation(r.Context(), conv); err != nil {
		g.logger.Error("failed to create conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusCreated, toConversationResponse(conv))
}

// ownedConversation loads the conversation in the path and checks it belongs
// to the caller. It writes the error response itself and returns nil on failure.
func (g *Gateway) ownedConversation(w http.ResponseWriter, r *http.Request) *store.Conversation {
	user := auth.MustFromContext(r.Context())

	conv, err := g.store.GetConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.CreatedBy != user.UserID) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	if err != nil {
		g.logger.Error("failed to get conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	return conv
}

// handleListMessages handles GET /api/conversations/{id}/messages.
// Messages come newest first; ?render=html adds rendered markdown.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv := g.ownedConversation(w, r)
	if conv == nil {
		return
	}

	page, pageSize, err := g.parsePage(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	renderHTML := r.URL.Query().Get("render") == "html"

	msgs, total, err := g.store.ListMessagesPage(r.Context(), conv.ID, pageSize, (page-1)*pageSize)
	if err != nil {
		g.logger.Error("failed to list messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := PageResponse[MessageResponse]{
		Items:    make([]MessageResponse, len(msgs)),
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}
	for i, msg := range msgs {
		item := MessageResponse{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			AgentID:        msg.AgentID,
			Type:           string(msg.Type),
			Content:        msg.Content,
			ReplyingTo:     msg.ReplyingToID,
			CreatedAt:      msg.CreatedAt.Format(time.RFC3339),
		}
		if renderHTML {
			item.ContentHTML = g.renderMarkdown(msg.Content)
		}
		resp.Items[i] = item
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) renderMarkdown(content string) string {
	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(content), &htmlBuf); err != nil {
		g.logger.Error("failed to convert markdown", "error", err)
		return ""
	}
	return htmlBuf.String()
}

// handleDeleteMessage handles DELETE /api/conversations/{id}/messages/{messageID}.
// Only the caller's own messages can be deleted.
func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	conv := g.ownedConversation(w, r)
	if conv == nil {
		return
	}
	user := auth.MustFromContext(r.Context())

	msg, err := g.store.GetMessage(r.Context(), r.PathValue("messageID"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && msg.ConversationID != conv.ID) {
		g.sendJSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get message", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msg.SenderID != user.UserID {
		g.sendJSONError(w, http.StatusForbidden, "only your own messages can be deleted")
		return
	}

	if err := g.store.SoftDeleteMessage(r.Context(), msg.ID, user.UserID); err != nil {
		g.logger.Error("failed to delete message", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage handles POST /api/conversations/{id}/messages and streams
// the turn as Server-Sent Events.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conv := g.ownedConversation(w, r)
	if conv == nil {
		return
	}
	user := auth.MustFromContext(r.Context())

	req, err := parseSendRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var requestKey string
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		requestKey = user.UserID + ":" + conv.ID + ":" + key
		if prev, fresh := g.requests.Claim(requestKey); !fresh {
			g.sendJSON(w, http.StatusConflict, map[string]string{
				"error":      "duplicate request",
				"message_id": prev,
			})
			return
		}
	}

	convResp, err := g.conversation.SendMessage(r.Context(), &conversation.SendRequest{
		ConversationID: conv.ID,
		SenderID:       user.UserID,
		Content:        req.Content,
		ReplyingToID:   req.ReplyingTo,
	})
	if err != nil {
		if requestKey != "" {
			g.requests.Release(requestKey)
		}
		switch {
		case errors.Is(err, conversation.ErrEmptyContent), errors.Is(err, store.ErrInvalidMessage):
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		case llm.IsConfigError(err):
			g.logger.Error("provider misconfigured", "conversation_id", conv.ID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "language model provider is not configured")
		default:
			g.logger.Error("failed to send message", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	if requestKey != "" {
		g.requests.Set(requestKey, convResp.MessageID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Send initial "started" event so the client can track the persisted message
	g.writeSSEEvent(w, "started", map[string]string{
		"conversation_id": convResp.ConversationID,
		"message_id":      convResp.MessageID,
		"turn_id":         convResp.TurnID,
	})
	flusher.Flush()

	for ev := range convResp.Stream {
		g.writeSSEEvent(w, string(ev.Kind), ev)
		flusher.Flush()
	}
}

// parseSendRequest parses and validates a SendMessageRequest.
func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errors.New("content is required")
	}
	return &req, nil
}

// parsePage reads page (1-based) and page_size query parameters.
func (g *Gateway) parsePage(r *http.Request) (page, pageSize int, err error) {
	page, pageSize = 1, g.config.Conversation.PageSize
	if pageSize < 1 {
		pageSize = config.DefaultPageSize
	}
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
		if page > maxPage {
			return 0, 0, fmt.Errorf("page must be at most %d", maxPage)
		}
	}
	if v := q.Get("page_size"); v != "" {
		pageSize, err = strconv.Atoi(v)
		if err != nil || pageSize < 1 {
			return 0, 0, errors.New("page_size must be a positive integer")
		}
	}
	return page, min(pageSize, maxPageSize), nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
