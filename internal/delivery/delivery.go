// Package delivery declares the outbound email and SMS collaborators. Real
// providers live outside this repository; the log senders are for development.
package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"keyline.org/internal/ids"
)

var ErrNoRecipient = errors.New("delivery: recipient is required")

// Options carries provider-agnostic delivery settings.
type Options struct {
	To       string
	From     string
	Subject  string
	TenantID string
}

type Result struct {
	MessageID string
}

type EmailSender interface {
	SendEmail(ctx context.Context, template string, data map[string]any, opts Options) (Result, error)
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, text, template string, opts Options, data map[string]any) (Result, error)
}

// Message is a delivery recorded by LogSender.
type Message struct {
	Channel  string
	To       string
	Template string
	Text     string
	Data     map[string]any
}

// keptMessages bounds how many deliveries LogSender remembers.
const keptMessages = 256

// LogSender writes every delivery to the logger and keeps the most recent ones in memory.
type LogSender struct {
	log zerolog.Logger

	mu   sync.Mutex
	sent []Message
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) SendEmail(ctx context.Context, template string, data map[string]any, opts Options) (Result, error) {
	if strings.TrimSpace(opts.To) == "" {
		return Result{}, ErrNoRecipient
	}
	return s.record(Message{Channel: "email", To: opts.To, Template: template, Data: data}, opts)
}

func (s *LogSender) SendSMS(ctx context.Context, to, text, template string, opts Options, data map[string]any) (Result, error) {
	if strings.TrimSpace(to) == "" {
		return Result{}, ErrNoRecipient
	}
	return s.record(Message{Channel: "sms", To: to, Template: template, Text: text, Data: data}, opts)
}

func (s *LogSender) record(m Message, opts Options) (Result, error) {
	res := Result{MessageID: ids.Prefixed("msg")}
	s.mu.Lock()
	s.sent = append(s.sent, m)
	if len(s.sent) > keptMessages {
		s.sent = append(s.sent[:0], s.sent[len(s.sent)-keptMessages:]...)
	}
	s.mu.Unlock()
	// payloads may carry codes, so only the envelope is logged
	s.log.Info().
		Str("channel", m.Channel).
		Str("to", m.To).
		Str("template", m.Template).
		Str("tenant_id", opts.TenantID).
		Str("message_id", res.MessageID).
		Msg("delivery_sent")
	return res, nil
}

// Sent returns a copy of the recorded deliveries, oldest first.
func (s *LogSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

// Last returns the most recent delivery to the given recipient.
func (s *LogSender) Last(to string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].To == to {
			return s.sent[i], true
		}
	}
	return Message{}, false
}
