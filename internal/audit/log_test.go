package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"keyline.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithTenant(ctx, "acme")
	ctx = WithSubject(ctx, "auth0|42")

	if err := LogEvent(ctx, "login.completed", map[string]any{"client_id": "c1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "login.completed" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" || entry["tenant_id"] != "acme" || entry["subject"] != "auth0|42" {
		t.Fatalf("context fields missing: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["client_id"] != "c1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}
