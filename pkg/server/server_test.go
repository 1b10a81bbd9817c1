package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lontar-ai/lontar/pkg/agent"
	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/ingest"
	"github.com/lontar-ai/lontar/pkg/observability"
)

type fakeAgent struct {
	events    []agent.Event
	streamErr error
	resp      *agent.Response
	queryErr  error
	panics    bool
	lastReq   agent.Request
}

func (f *fakeAgent) Stream(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	f.lastReq = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan agent.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeAgent) Query(ctx context.Context, req agent.Request) (*agent.Response, error) {
	f.lastReq = req
	if f.panics {
		panic("boom")
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.resp, nil
}

type fakeIngestor struct {
	result  *ingest.IngestResult
	err     error
	lastReq ingest.IngestRequest
}

func (f *fakeIngestor) Ingest(ctx context.Context, req ingest.IngestRequest) (*ingest.IngestResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	cfg := &config.ServerConfig{Host: "127.0.0.1", Port: 0, RequestTimeout: 5 * time.Second}
	if deps.Latency == nil {
		deps.Latency = observability.NewLatencyWindow(16)
	}
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

type sseFrame struct {
	Event string
	Data  string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		if f.Event == "" {
			t.Fatalf("frame without event field: %q", block)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestChatStreamFramesEvents(t *testing.T) {
	fa := &fakeAgent{events: []agent.Event{
		{Type: agent.EventToken, Text: "Visa "},
		{Type: agent.EventToken, Text: "E33G"},
		{Type: agent.EventMetadata, Metadata: map[string]any{"steps": 1}},
		{Type: agent.EventDone},
	}}
	s := newTestServer(t, Deps{Agent: fa})

	w := postJSON(t, s.Routes(), "/api/chat/stream", map[string]string{
		"message": "What is the E33G visa?",
		"user_id": "u-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := w.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering = %q", got)
	}
	if fa.lastReq.Query != "What is the E33G visa?" || fa.lastReq.UserID != "u-1" {
		t.Errorf("agent request = %+v", fa.lastReq)
	}

	frames := parseSSE(t, w.Body.String())
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4: %+v", len(frames), frames)
	}
	if frames[0].Event != "token" {
		t.Errorf("first frame event = %q", frames[0].Event)
	}
	var tok agent.Event
	if err := json.Unmarshal([]byte(frames[0].Data), &tok); err != nil {
		t.Fatalf("decode token frame: %v", err)
	}
	if tok.Text != "Visa " {
		t.Errorf("token text = %q", tok.Text)
	}
	if last := frames[len(frames)-1]; last.Event != "done" {
		t.Errorf("last frame event = %q, want done", last.Event)
	}
}

func TestChatStreamTerminalErrorIsLastFrame(t *testing.T) {
	fa := &fakeAgent{events: []agent.Event{
		{Type: agent.EventToken, Text: "partial"},
		{Type: agent.EventError, ErrorKind: agent.ErrKindProvider, Error: "all providers failed"},
	}}
	s := newTestServer(t, Deps{Agent: fa})

	w := postJSON(t, s.Routes(), "/api/chat/stream", map[string]string{"message": "hi"})
	frames := parseSSE(t, w.Body.String())
	if len(frames) != 2 {
		t.Fatalf("got %d frames: %+v", len(frames), frames)
	}
	if frames[1].Event != "error" {
		t.Errorf("last frame event = %q, want error", frames[1].Event)
	}
	var ev agent.Event
	if err := json.Unmarshal([]byte(frames[1].Data), &ev); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if ev.ErrorKind != agent.ErrKindProvider {
		t.Errorf("error kind = %q", ev.ErrorKind)
	}
}

func TestChatStreamRejectsBadInputBeforeStreaming(t *testing.T) {
	fa := &fakeAgent{streamErr: &agent.TerminalError{Kind: agent.ErrKindInput, Message: "query is required"}}
	s := newTestServer(t, Deps{Agent: fa})

	w := postJSON(t, s.Routes(), "/api/chat/stream", map[string]string{"message": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want JSON error", ct)
	}
}

func TestQueryEnvelope(t *testing.T) {
	fa := &fakeAgent{resp: &agent.Response{
		Answer:         "The E33G is a remote worker visa.",
		ConversationID: "c-1",
		Sources: []agent.Source{
			{ChunkID: "PERMENKUMHAM_22_2023:pasal-11", DocumentID: "PERMENKUMHAM_22_2023", Score: 0.92},
		},
		RouteUsed: "visa_kb",
		Steps:     2,
		LatencyMs: 180,
	}}
	s := newTestServer(t, Deps{Agent: fa})

	w := postJSON(t, s.Routes(), "/api/agentic-rag/query", map[string]string{"query": "E33G?", "user_id": "u-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp agent.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer == "" || resp.ConversationID != "c-1" || resp.Steps != 2 {
		t.Errorf("envelope = %+v", resp)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].ChunkID != "PERMENKUMHAM_22_2023:pasal-11" {
		t.Errorf("sources = %+v", resp.Sources)
	}
}

func TestQueryErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind agent.ErrorKind
		want int
	}{
		{agent.ErrKindInput, http.StatusBadRequest},
		{agent.ErrKindRetrieval, http.StatusServiceUnavailable},
		{agent.ErrKindProvider, http.StatusServiceUnavailable},
		{agent.ErrKindFatal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		fa := &fakeAgent{queryErr: &agent.TerminalError{Kind: tc.kind, Message: "nope"}}
		s := newTestServer(t, Deps{Agent: fa})
		w := postJSON(t, s.Routes(), "/api/agentic-rag/query", map[string]string{"query": "q"})
		if w.Code != tc.want {
			t.Errorf("kind %s: status = %d, want %d", tc.kind, w.Code, tc.want)
		}
	}
}

func TestIngestText(t *testing.T) {
	fi := &fakeIngestor{result: &ingest.IngestResult{
		DocumentID:     "UU_6_2023",
		IngestRunID:    "run-1",
		ParentsCreated: 4,
		ChunksCreated:  9,
	}}
	s := newTestServer(t, Deps{Agent: &fakeAgent{}, Ingest: fi})

	w := postJSON(t, s.Routes(), "/api/ingest/text", ingest.IngestRequest{
		DocumentID: "UU_6_2023",
		Title:      "UU No. 6 Tahun 2023",
		Text:       "BAB I\nPasal 1\nKetentuan umum.",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var result ingest.IngestResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.ParentsCreated != 4 || result.ChunksCreated != 9 {
		t.Errorf("result = %+v", result)
	}
	if fi.lastReq.DocumentID != "UU_6_2023" {
		t.Errorf("ingestor saw %+v", fi.lastReq)
	}
}

func TestIngestRoutesAbsentWithoutIngestor(t *testing.T) {
	s := newTestServer(t, Deps{Agent: &fakeAgent{}})
	w := postJSON(t, s.Routes(), "/api/ingest/text", map[string]string{"text": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when ingestion is disabled", w.Code)
	}
}

func TestIngestDocumentMultipart(t *testing.T) {
	fi := &fakeIngestor{result: &ingest.IngestResult{DocumentID: "CIRCULAR_IMI_0649", ParentsCreated: 1, ChunksCreated: 2}}
	s := newTestServer(t, Deps{Agent: &fakeAgent{}, Ingest: fi})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "circular.txt")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(part, "Surat Edaran tentang visa kunjungan.")
	_ = mw.WriteField("document_id", "CIRCULAR_IMI_0649")
	_ = mw.WriteField("type", "circular")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/document", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if fi.lastReq.DocumentID != "CIRCULAR_IMI_0649" || fi.lastReq.Type != "circular" {
		t.Errorf("ingestor saw %+v", fi.lastReq)
	}
	if !strings.Contains(fi.lastReq.Text, "Surat Edaran") {
		t.Errorf("text = %q", fi.lastReq.Text)
	}
	if fi.lastReq.Title != "circular.txt" {
		t.Errorf("title fallback = %q, want upload filename", fi.lastReq.Title)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Deps{Agent: &fakeAgent{}})
	for _, path := range []string{"/health", "/api/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Routes().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}
}

func TestHealthDetailed(t *testing.T) {
	s := newTestServer(t, Deps{
		Agent: &fakeAgent{},
		Health: map[string]HealthCheck{
			"relational": func(ctx context.Context) error { return nil },
			"vector":     func(ctx context.Context) error { return fmt.Errorf("connection refused") },
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/health/detailed", nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with a failing component", w.Code)
	}
	var body struct {
		Status     string                     `json:"status"`
		Components map[string]componentHealth `json:"components"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Components["relational"].Status != "ok" {
		t.Errorf("relational = %+v", body.Components["relational"])
	}
	if body.Components["vector"].Status != "down" || body.Components["vector"].Error == "" {
		t.Errorf("vector = %+v", body.Components["vector"])
	}
}

func TestPanicRecoveredAs500(t *testing.T) {
	s := newTestServer(t, Deps{Agent: &fakeAgent{panics: true}})
	w := postJSON(t, s.Routes(), "/api/agentic-rag/query", map[string]string{"query": "q"})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t, Deps{Agent: &fakeAgent{}})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("X-Request-ID = %q, want echoed value", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w = httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got == "" {
		t.Error("X-Request-ID not minted")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Deps{Agent: &fakeAgent{}})
	req := httptest.NewRequest(http.MethodGet, "/api/performance/metrics", nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestLatencyWindowFedByRequests(t *testing.T) {
	lw := observability.NewLatencyWindow(16)
	s := newTestServer(t, Deps{Agent: &fakeAgent{}, Latency: lw})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)

	if lw.P95() <= 0 {
		t.Error("latency window not observed")
	}
}
