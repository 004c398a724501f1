package server

import (
	"fmt"
	"net/http"
	"strings"

	"rendaivous/internal/models"
)

type suggestRequest struct {
	Location    string       `json:"location"`
	Preferences []string     `json:"preferences"`
	FreeWindows []windowJSON `json:"freeWindows"`
}

type chatRequest struct {
	Message string               `json:"message"`
	History []models.ChatMessage `json:"history"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		s.writeError(w, r, fmt.Errorf("suggestions: %w", errUnavailable))
		return
	}
	var req suggestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Location) == "" {
		s.writeError(w, r, badRequest("location is required"))
		return
	}

	windows := make([]models.FreeWindow, len(req.FreeWindows))
	for i, fw := range req.FreeWindows {
		start, err := parseInstant(fmt.Sprintf("freeWindows[%d].start", i), fw.Start, s.loc)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		end, err := parseInstant(fmt.Sprintf("freeWindows[%d].end", i), fw.End, s.loc)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !start.Before(end) {
			s.writeError(w, r, badRequest("freeWindows[%d] ends before it starts", i))
			return
		}
		windows[i] = models.FreeWindow{Start: start, End: end}
	}

	suggestions, err := s.assistant.Suggest(r.Context(), req.Location, req.Preferences, windows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (*chatRequest, bool) {
	if s.assistant == nil {
		s.writeError(w, r, fmt.Errorf("chat: %w", errUnavailable))
		return nil, false
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, badRequest("message is required"))
		return nil, false
	}
	for i, m := range req.History {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			s.writeError(w, r, badRequest("history[%d]: unknown role %q", i, m.Role))
			return nil, false
		}
	}
	return &req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	reply, err := s.assistant.Chat(r.Context(), req.Message, req.History)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

// handleChatStream relays the reply as server-sent events, one data frame per chunk.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	flush := func() {
		if err := rc.Flush(); err != nil {
			s.logger.Debug("Flush not supported", "error", err)
		}
	}
	flush()

	for chunk, err := range s.assistant.ChatStream(r.Context(), req.Message, req.History) {
		if err != nil {
			s.logger.Error("Chat stream failed",
				"request_id", RequestIDFromContext(r.Context()),
				"error", err,
			)
			writeEvent(w, "error", err.Error())
			flush()
			return
		}
		writeEvent(w, "", chunk)
		flush()
	}
	writeEvent(w, "done", "end")
	flush()
}

// writeEvent writes one SSE frame; multi-line payloads become several data lines.
func writeEvent(w http.ResponseWriter, event, data string) {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, _ = w.Write([]byte(b.String()))
}
