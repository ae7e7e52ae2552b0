// Package guidance produces best-effort natural-language guidance for a
// finding through a hosted generative model, plus stateless chat follow-up.
// Guidance never blocks the diagnostic result: every failure degrades to a
// fixed fallback string.
package guidance

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Fallback strings returned instead of errors. The exact wording is part of
// the API contract consumed by the frontend.
const (
	FallbackUnavailable = "Guidance feature is currently unavailable."
	FallbackError       = "Could not generate guidance at this time. Please consult a healthcare professional for advice."
)

// ErrDisabled is returned by Chat when no API credential was configured.
var ErrDisabled = errors.New("guidance subsystem is not configured")

// Chat turn senders accepted from clients.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// ChatTurn is one prior exchange supplied by the caller. The full history is
// replayed on every call; no session state is kept server-side.
type ChatTurn struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// backend abstracts the hosted model so the fail-soft paths are testable.
type backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Chat(ctx context.Context, history []ChatTurn, message string) (string, error)
}

// Service generates guidance and chat replies. A Service constructed without
// a credential is a valid disabled sentinel: Guidance returns the
// unavailable string and Chat returns ErrDisabled.
type Service struct {
	backend backend
	logger  *zap.Logger
}

// NewDisabled returns the sentinel used when no API credential is set.
func NewDisabled(logger *zap.Logger) *Service {
	return &Service{logger: logger.Named("guidance")}
}

// Enabled reports whether a generative backend is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.backend != nil
}

// Guidance builds the finding prompt and asks the model. Fail-soft: any
// backend failure is logged and reduced to a fallback string.
func (s *Service) Guidance(ctx context.Context, finding string, isAnomaly bool) string {
	if !s.Enabled() {
		return FallbackUnavailable
	}

	text, err := s.backend.Generate(ctx, buildPrompt(finding, isAnomaly))
	if err != nil {
		s.logger.Warn("guidance generation failed", zap.Error(err))
		return FallbackError
	}
	return text
}

// Chat replays the supplied history into a fresh model session and submits
// the new message.
func (s *Service) Chat(ctx context.Context, history []ChatTurn, message string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}

	reply, err := s.backend.Chat(ctx, history, message)
	if err != nil {
		s.logger.Error("chat reply failed", zap.Error(err), zap.Int("history_len", len(history)))
		return "", err
	}
	return reply, nil
}
