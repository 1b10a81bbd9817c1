package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lontar-ai/lontar/pkg/agent"
	"github.com/lontar-ai/lontar/pkg/ingest"
)

const maxBodyBytes = 1 << 20

// maxUploadBytes bounds document uploads; the pipeline enforces its own
// limit on the extracted text as well.
const maxUploadBytes = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps terminal error kinds onto HTTP statuses. Truncated
// answers are not errors and never reach this path.
func statusFor(kind agent.ErrorKind) int {
	switch kind {
	case agent.ErrKindInput:
		return http.StatusBadRequest
	case agent.ErrKindRetrieval, agent.ErrKindProvider:
		return http.StatusServiceUnavailable
	case agent.ErrKindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// handleChatStream streams agent events as SSE frames. The terminal
// done or error event is always the last frame.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.deps.Agent.Stream(r.Context(), agent.Request{
		Query:          req.Message,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		writeError(w, statusFor(classifyAgentErr(err)), err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so tokens reach the client as they are
	// generated.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		flusher.Flush()
	}
}

func classifyAgentErr(err error) agent.ErrorKind {
	var term *agent.TerminalError
	if errors.As(err, &term) {
		return term.Kind
	}
	return agent.Classify(err)
}

// handleQuery is the non-streaming endpoint: one JSON envelope with the
// answer and its citations.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.deps.Agent.Query(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(classifyAgentErr(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngestText(w http.ResponseWriter, r *http.Request) {
	var req ingest.IngestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Ingest.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleIngestDocument accepts a multipart upload. The file must be
// text; binary formats are parsed upstream of this service.
func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	text, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	req := ingest.IngestRequest{
		DocumentID: r.FormValue("document_id"),
		Type:       r.FormValue("type"),
		Title:      r.FormValue("title"),
		Authority:  r.FormValue("authority"),
		Language:   r.FormValue("language"),
		Tier:       r.FormValue("tier"),
		SourceURI:  r.FormValue("source_uri"),
		Collection: r.FormValue("collection"),
		Text:       string(text),
	}
	if req.Title == "" {
		req.Title = header.Filename
	}

	result, err := s.deps.Ingest.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

const componentCheckTimeout = 5 * time.Second

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealthDetailed pings every registered component. The endpoint
// answers 503 when any component is down so orchestrators can gate on
// it.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]componentHealth, len(s.deps.Health))
	healthy := true
	for name, check := range s.deps.Health {
		ctx, cancel := context.WithTimeout(r.Context(), componentCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			healthy = false
			components[name] = componentHealth{Status: "down", Error: err.Error()}
			continue
		}
		components[name] = componentHealth{Status: "ok"}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
	})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
