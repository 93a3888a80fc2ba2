package messaging

import (
	"fmt"
	"strings"

	"github.com/oberoende/clinic-assistant/internal/conversation"
	"github.com/oberoende/clinic-assistant/internal/observability/metrics"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

const (
	// ProviderTwilio delivers through the Twilio WhatsApp API.
	ProviderTwilio = "twilio"
	// ProviderLog only logs replies.
	ProviderLog = "log"
)

// ProviderSelectionConfig captures the credentials required to build outbound messengers.
type ProviderSelectionConfig struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	// RequireDelivery refuses the log fallback, for production.
	RequireDelivery bool
}

// BuildReplyMessenger instantiates the outbound messenger. It returns the
// messenger, the provider that was selected, and a reason when the log
// fallback was used or no provider could be initialized.
func BuildReplyMessenger(cfg ProviderSelectionConfig, m *metrics.MessagingMetrics, logger *logging.Logger) (conversation.ReplyMessenger, string, string) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" && cfg.TwilioFromNumber != "" {
		return NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, m, logger), ProviderTwilio, ""
	}

	var missing []string
	if cfg.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID missing")
	}
	if cfg.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN missing")
	}
	if cfg.TwilioFromNumber == "" {
		missing = append(missing, "TWILIO_WHATSAPP_NUMBER missing")
	}
	reason := fmt.Sprintf("%s: %s", ProviderTwilio, strings.Join(missing, ", "))
	if cfg.RequireDelivery {
		return nil, "", reason
	}
	return NewLogMessenger(m, logger), ProviderLog, reason
}
