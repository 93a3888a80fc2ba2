package messaging

import (
	"context"
	"strings"

	"github.com/oberoende/clinic-assistant/internal/conversation"
	"github.com/oberoende/clinic-assistant/internal/observability/metrics"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// LogMessenger writes replies to the log instead of delivering them. It is
// used in development when no Twilio credentials are configured.
type LogMessenger struct {
	metrics *metrics.MessagingMetrics
	logger  *logging.Logger
}

func NewLogMessenger(m *metrics.MessagingMetrics, logger *logging.Logger) *LogMessenger {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogMessenger{metrics: m, logger: logger}
}

var _ conversation.ReplyMessenger = (*LogMessenger)(nil)

func (l *LogMessenger) SendReply(ctx context.Context, reply conversation.OutboundReply) error {
	if strings.TrimSpace(reply.Body) == "" {
		return ErrEmptyBody
	}
	l.metrics.ObserveOutbound("log", "sent")
	l.logger.Info("whatsapp reply (not delivered)", "to", reply.To, "body", reply.Body)
	return nil
}
