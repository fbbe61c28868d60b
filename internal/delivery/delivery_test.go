package delivery

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogSenderRecordsWithoutPayload(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(zerolog.New(&buf))

	res, err := s.SendEmail(context.Background(), "mfa_otp", map[string]any{"code": "123456"}, Options{To: "a@example.com"})
	if err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if !strings.HasPrefix(res.MessageID, "msg_") {
		t.Fatalf("unexpected message id %q", res.MessageID)
	}
	if strings.Contains(buf.String(), "123456") {
		t.Fatalf("payload leaked into log: %s", buf.String())
	}
	m, ok := s.Last("a@example.com")
	if !ok || m.Data["code"] != "123456" {
		t.Fatalf("delivery not recorded: %+v", m)
	}

	if _, err := s.SendSMS(context.Background(), "", "hi", "", Options{}, nil); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
	if len(s.Sent()) != 1 {
		t.Fatalf("expected one delivery, got %d", len(s.Sent()))
	}
}
