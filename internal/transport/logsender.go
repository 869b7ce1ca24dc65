// Package transport holds channel senders that need no broker.
package transport

import (
	"context"
	"log/slog"
	"time"

	"omnirouter/internal/domain"
)

// LogSender stands in for the channel when no broker is configured. It
// logs the send and reports it sent under a local external id.
type LogSender struct {
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.ChannelSender = (*LogSender)(nil)

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger, now: time.Now}
}

func (s *LogSender) Send(_ context.Context, conv *domain.Conversation, msg *domain.Message) (*domain.Receipt, error) {
	s.logger.Info("outbound message (no transport configured)",
		slog.String("conversation_id", conv.ID),
		slog.String("phone", conv.Phone),
		slog.String("message_id", msg.ID),
		slog.String("type", string(msg.Type)),
		slog.Int("body_len", len(msg.Body)),
	)
	return &domain.Receipt{
		MessageID:  msg.ID,
		ExternalID: "local." + msg.ID,
		Status:     domain.MessageSent,
		At:         s.now(),
	}, nil
}
