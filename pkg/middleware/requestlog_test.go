package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := chimw.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/boards/b1/presence", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	if entry["level"] != "WARN" {
		t.Fatalf("level=%v, want WARN", entry["level"])
	}
	if entry["component"] != "http" {
		t.Fatalf("component=%v, want http", entry["component"])
	}
	if entry["path"] != "/api/boards/b1/presence" {
		t.Fatalf("path=%v", entry["path"])
	}
	if entry["status"] != float64(http.StatusForbidden) {
		t.Fatalf("status=%v, want 403", entry["status"])
	}
	if entry["bytes"] != float64(4) {
		t.Fatalf("bytes=%v, want 4", entry["bytes"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Fatal("expected request_id to be logged")
	}
}
