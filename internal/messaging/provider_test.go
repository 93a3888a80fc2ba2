package messaging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oberoende/clinic-assistant/internal/conversation"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

func TestBuildReplyMessengerSelectsTwilio(t *testing.T) {
	messenger, provider, reason := BuildReplyMessenger(ProviderSelectionConfig{
		TwilioAccountSID: "AC123",
		TwilioAuthToken:  "token",
		TwilioFromNumber: "+14155238886",
	}, nil, nil)

	require.NotNil(t, messenger)
	assert.Equal(t, ProviderTwilio, provider)
	assert.Empty(t, reason)
	assert.IsType(t, &TwilioSender{}, messenger)
}

func TestBuildReplyMessengerFallsBackToLog(t *testing.T) {
	messenger, provider, reason := BuildReplyMessenger(ProviderSelectionConfig{TwilioAccountSID: "AC123"}, nil, nil)

	require.NotNil(t, messenger)
	assert.Equal(t, ProviderLog, provider)
	assert.Contains(t, reason, "TWILIO_AUTH_TOKEN missing")
	assert.Contains(t, reason, "TWILIO_WHATSAPP_NUMBER missing")
	assert.NotContains(t, reason, "TWILIO_ACCOUNT_SID")
}

func TestBuildReplyMessengerRequireDelivery(t *testing.T) {
	messenger, provider, reason := BuildReplyMessenger(ProviderSelectionConfig{RequireDelivery: true}, nil, nil)

	assert.Nil(t, messenger)
	assert.Empty(t, provider)
	assert.Contains(t, reason, "TWILIO_ACCOUNT_SID missing")
}

func TestLogMessenger(t *testing.T) {
	var buf bytes.Buffer
	messenger := NewLogMessenger(nil, logging.NewWithWriter(&buf, "info"))

	err := messenger.SendReply(context.Background(), conversation.OutboundReply{To: "+51999111222", Body: "Hola"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "whatsapp reply (not delivered)")

	err = messenger.SendReply(context.Background(), conversation.OutboundReply{To: "+51999111222", Body: "  "})
	assert.ErrorIs(t, err, ErrEmptyBody)
}
