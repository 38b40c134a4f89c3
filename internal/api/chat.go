package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/foreman/internal/chat"
	"github.com/nugget/foreman/internal/llm"
)

// ChatMessage is one turn of the conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Messages       []ChatMessage `json:"messages"`
	Stream         bool          `json:"stream,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
}

// ChatResponse is the buffered reply.
type ChatResponse struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

func (req *ChatRequest) validate() error {
	if len(req.Messages) == 0 {
		return errors.New("messages is required")
	}
	for _, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return errors.New(`message role must be "user" or "assistant"`)
		}
	}
	if req.Messages[len(req.Messages)-1].Role != "user" {
		return errors.New("last message must be from the user")
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.deps.ModelConfigured || s.deps.Chat == nil {
		s.errorResponse(w, http.StatusInternalServerError, llm.ErrNotConfigured.Error())
		return
	}

	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	creq := chat.Request{
		ConversationID: req.ConversationID,
		UserID:         userFromContext(r.Context()),
		Messages:       make([]llm.Message, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		creq.Messages = append(creq.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	if req.Stream {
		s.streamChat(w, r, creq)
		return
	}

	reply, err := s.deps.Chat.Handle(r.Context(), creq)
	if err != nil {
		s.chatError(w, creq.ConversationID, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{Message: reply.Message, ConversationID: reply.ConversationID}, s.logger)
}

// streamChat writes the reply as raw text chunks, flushing after each.
// A failure after the first byte aborts the connection so the client
// sees a broken stream rather than a truncated answer.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, creq chat.Request) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	h.Set("X-Conversation-Id", creq.ConversationID)

	fw := &flushWriter{w: w, rc: rc}
	_, err := s.deps.Chat.HandleStream(r.Context(), creq, fw)
	if err == nil {
		return
	}
	if !fw.wrote {
		s.chatError(w, creq.ConversationID, err)
		return
	}
	s.logger.Error("stream failed", "conversation", creq.ConversationID, "error", err)
	panic(http.ErrAbortHandler)
}

func (s *Server) chatError(w http.ResponseWriter, conv string, err error) {
	switch {
	case errors.Is(err, chat.ErrNoUserMessage):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrConversationInUse):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, llm.ErrNotConfigured):
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, chat.ErrUpstreamTimeout):
		s.logger.Warn("chat timed out", "conversation", conv, "error", err)
		s.errorResponse(w, http.StatusGatewayTimeout, chat.ErrUpstreamTimeout.Error())
	default:
		s.logger.Error("chat failed", "conversation", conv, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to generate response")
	}
}

// flushWriter flushes every chunk to the client and pushes the write
// deadline forward so long tool rounds do not trip WriteTimeout.
type flushWriter struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	wrote bool
}

func (f *flushWriter) Write(p []byte) (int, error) {
	// Deadline errors only mean the writer does not support them.
	_ = f.rc.SetWriteDeadline(time.Now().Add(120 * time.Second))
	n, err := f.w.Write(p)
	if n > 0 {
		f.wrote = true
	}
	if err != nil {
		return n, err
	}
	return n, f.rc.Flush()
}
