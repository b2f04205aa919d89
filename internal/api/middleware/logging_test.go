package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// captureLogger returns a logger writing JSON lines into the buffer.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

// logLine decodes the single log line the middleware wrote.
func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decoding log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestRequestLoggerRecordsCallIdentifiers(t *testing.T) {
	logger, buf := captureLogger()
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<Response/>"))
	}))

	req := httptest.NewRequest(http.MethodPost,
		"/webhooks/digits-pressed?commId=8a7b0c3e-1111-4222-8333-444455556666&teamId=9b8c1d4f-aaaa-4bbb-8ccc-dddd11112222", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := logLine(t, buf)
	if entry["comm_id"] != "8a7b0c3e-1111-4222-8333-444455556666" {
		t.Fatalf("comm_id = %v", entry["comm_id"])
	}
	if entry["team_id"] != "9b8c1d4f-aaaa-4bbb-8ccc-dddd11112222" {
		t.Fatalf("team_id = %v", entry["team_id"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Fatal("user_id logged for a request that did not carry one")
	}
	if entry["method"] != "POST" || entry["path"] != "/webhooks/digits-pressed" {
		t.Fatalf("method/path = %v %v", entry["method"], entry["path"])
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Fatalf("status = %v", entry["status"])
	}
	if entry["bytes"] != float64(len("<Response/>")) {
		t.Fatalf("bytes = %v", entry["bytes"])
	}
}

func TestRequestLoggerExplicitStatus(t *testing.T) {
	logger, buf := captureLogger()
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/counts", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := logLine(t, buf)
	if entry["status"] != float64(http.StatusBadRequest) {
		t.Fatalf("status = %v", entry["status"])
	}
	if _, ok := entry["comm_id"]; ok {
		t.Fatal("comm_id logged for a request without one")
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Fatal("duration_ms missing from log line")
	}
}

func TestRequestLoggerKeepsFirstStatus(t *testing.T) {
	logger, buf := captureLogger()
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if entry := logLine(t, buf); entry["status"] != float64(http.StatusCreated) {
		t.Fatalf("status = %v", entry["status"])
	}
}

func TestRequestLoggerImplicitOKWithoutBody(t *testing.T) {
	logger, buf := captureLogger()
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := logLine(t, buf)
	if entry["status"] != float64(http.StatusOK) {
		t.Fatalf("status = %v", entry["status"])
	}
	if entry["bytes"] != float64(0) {
		t.Fatalf("bytes = %v", entry["bytes"])
	}
}
