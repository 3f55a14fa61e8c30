package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeLog(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	return entry
}

func TestRequestLoggerDefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := decodeLog(t, &buf)
	if entry["msg"] != "http request" {
		t.Fatalf("expected msg 'http request', got %v", entry["msg"])
	}
	if entry["method"] != "GET" || entry["path"] != "/api/v1/health" {
		t.Fatalf("unexpected method/path: %v %v", entry["method"], entry["path"])
	}
	if entry["status"] != float64(200) {
		t.Fatalf("expected status 200, got %v", entry["status"])
	}
	if entry["bytes"] != float64(2) {
		t.Fatalf("expected 2 bytes, got %v", entry["bytes"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Fatal("anonymous request should not log a user id")
	}
}

func TestRequestLoggerFirstStatusWins(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/channels/messaging:c1/calls", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if entry := decodeLog(t, &buf); entry["status"] != float64(201) {
		t.Fatalf("expected first status 201, got %v", entry["status"])
	}
}

func TestRequestLoggerUserID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/end-call", nil)
	req = req.WithContext(WithUser(req.Context(), User{ID: "alice"}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if entry := decodeLog(t, &buf); entry["user_id"] != "alice" {
		t.Fatalf("expected user_id alice, got %v", entry["user_id"])
	}
}

func TestStatusWriterHijackUnsupported(t *testing.T) {
	sw := newStatusWriter(httptest.NewRecorder())
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatal("expected error hijacking a recorder")
	}
	if sw.hijacked {
		t.Fatal("failed hijack must not mark the writer")
	}
}
