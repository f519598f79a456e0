package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ragline/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, bases ...string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURLs: bases,
		Token:    StaticToken("secret-token"),
		UserID:   "tester",
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestNew_RejectsEmptyConfig(t *testing.T) {
	if _, err := New(Config{Logger: testLogger()}); err == nil {
		t.Fatal("expected error with no base URLs")
	}
	if _, err := New(Config{BaseURLs: []string{"   "}, Logger: testLogger()}); err == nil {
		t.Fatal("expected error with blank base URL")
	}
	if _, err := New(Config{BaseURLs: []string{"ftp://x"}, Logger: testLogger()}); err == nil {
		t.Fatal("expected error with non-http URL")
	}
}

func TestNew_NormalizesTrailingSlash(t *testing.T) {
	c := newTestClient(t, "http://localhost:8000///")
	if got := c.BaseURL(); got != "http://localhost:8000" {
		t.Errorf("expected trimmed base URL, got %q", got)
	}
}

// --- streaming ---

func TestOpenStream_SendsQueryAndAuth(t *testing.T) {
	var gotAuth, gotAccept string
	var gotPayload chatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		if r.URL.Path != "/chat/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"text\",\"content\":\"hi\"}\n\ndata: {\"type\":\"end\"}\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	body, err := c.OpenStream(context.Background(), domain.QueryRequest{
		ConversationID: "conv-1",
		Message:        "hello",
		UserID:         "tester",
		Options:        domain.QueryOptions{SearchKind: domain.SearchHybrid},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer body.Close()

	raw, _ := io.ReadAll(body)
	if !strings.Contains(string(raw), `"type":"end"`) {
		t.Errorf("expected stream body, got %q", raw)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("expected SSE accept header, got %q", gotAccept)
	}
	if gotPayload.Message != "hello" || gotPayload.SessionID != "conv-1" || gotPayload.SearchType != "hybrid" {
		t.Errorf("unexpected payload: %+v", gotPayload)
	}
}

func TestOpenStream_FailsOverOn5xx(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"type\":\"end\"}\n\n")
	}))
	defer good.Close()

	c := newTestClient(t, bad.URL, good.URL)
	body, err := c.OpenStream(context.Background(), domain.QueryRequest{ConversationID: "c", Message: "q"})
	if err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
	body.Close()
}

func TestOpenStream_4xxIsPermanent(t *testing.T) {
	var secondHit atomic.Bool
	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer unauthorized.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHit.Store(true)
	}))
	defer other.Close()

	c := newTestClient(t, unauthorized.URL, other.URL)
	_, err := c.OpenStream(context.Background(), domain.QueryRequest{ConversationID: "c", Message: "q"})
	if err == nil {
		t.Fatal("expected error")
	}
	var te *domain.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 transport error, got %v", err)
	}
	if secondHit.Load() {
		t.Error("4xx must not fail over to the next endpoint")
	}
}

func TestOpenStream_ErrorIncludesBodyExcerpt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"rate limit exceeded"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.OpenStream(context.Background(), domain.QueryRequest{ConversationID: "c", Message: "q"})
	if err == nil || !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Errorf("expected body excerpt in error, got %v", err)
	}
}

// --- REST ---

func TestHealth_Decodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(domain.HealthStatus{
			Status: "healthy", Database: true, GraphDatabase: true, LLMConnection: true, Version: "0.3.0",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	status, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Healthy() || !status.GraphDatabase {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestHistory_MapsMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/conv-9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"session_id":"conv-9","messages":[
			{"id":"1","role":"user","content":"q"},
			{"id":"2","role":"assistant","content":"a"},
			{"id":"3","role":"system","content":"hidden"}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	msgs, err := c.History(context.Background(), "conv-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected system role filtered out, got %d messages", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAssistant {
		t.Errorf("unexpected roles: %+v", msgs)
	}
	if !msgs[0].Final || !msgs[1].Final {
		t.Error("history messages must be final")
	}
}

func TestHistory_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"session not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.History(context.Background(), "missing")
	var te *domain.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 transport error, got %v", err)
	}
}

func TestSearch_DefaultsToHybrid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/hybrid" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"results":[{"content":"chunk","score":0.92}],"total_results":1,"query_time_ms":8.5}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Search(context.Background(), domain.SearchRequest{Query: "go routines"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 1 || res.Kind != domain.SearchHybrid {
		t.Errorf("unexpected results: %+v", res)
	}
}

func TestDocuments_Paging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("expected limit=5, got %q", got)
		}
		if got := r.URL.Query().Get("offset"); got != "10" {
			t.Errorf("expected offset=10, got %q", got)
		}
		io.WriteString(w, `{"documents":[{"id":"d1","title":"Guide"}],"total":11,"limit":5,"offset":10}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	page, err := c.Documents(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 11 || len(page.Documents) != 1 {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestIngest_UploadsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ingest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing form file: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer f.Close()
		if hdr.Filename != "notes.pdf" {
			t.Errorf("unexpected filename %q", hdr.Filename)
		}
		content, _ := io.ReadAll(f)
		if string(content) != "pdf-bytes" {
			t.Errorf("unexpected content %q", content)
		}
		io.WriteString(w, `{"document_id":"doc-1","chunks_created":3,"message":"indexed"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Ingest(context.Background(), "notes.pdf", strings.NewReader("pdf-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DocumentID != "doc-1" || res.Chunks != 3 {
		t.Errorf("unexpected result: %+v", res)
	}
}

// --- retry behaviour ---

func TestRoundTrip_RetriesTransientThenSucceeds(t *testing.T) {
	old := retryUnit
	retryUnit = time.Millisecond
	defer func() { retryUnit = old }()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(domain.HealthStatus{Status: "healthy"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var out domain.HealthStatus
	if err := c.getJSON(context.Background(), "health", "/health", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestRoundTrip_NoRetryOn4xx(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var out domain.HealthStatus
	err := c.getJSON(context.Background(), "health", "/health", &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("expected single attempt on 4xx, got %d", hits.Load())
	}
}
