package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oberoende/clinic-assistant/internal/conversation"
)

type recordingMessenger struct {
	err  error
	sent []conversation.OutboundReply
}

func (m *recordingMessenger) SendReply(ctx context.Context, reply conversation.OutboundReply) error {
	m.sent = append(m.sent, reply)
	return m.err
}

const createdPayload = `{
  "event": "invitee.created",
  "payload": {
    "invitee": {"uri": "https://api.calendly.com/invitees/abc", "name": "Ana Torres", "email": "ana@example.com", "phone_number": "+51999111222"},
    "event": {"start_time": "2030-05-16T15:00:00Z", "organization_user": {"name": "Dr. García"}}
  }
}`

func post(h *Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.CalendlyWebhook(rec, httptest.NewRequest(http.MethodPost, "/calendly_webhook", strings.NewReader(body)))
	return rec
}

func TestCalendlyWebhook_SendsConfirmationOnce(t *testing.T) {
	messenger := &recordingMessenger{}
	h := NewHandler(messenger, nil, nil, nil)

	rec := post(h, createdPayload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Len(t, messenger.sent, 1)
	assert.Equal(t, "+51999111222", messenger.sent[0].To)
	assert.Equal(t, "✅ Cita confirmada para Ana Torres el 2030-05-16T15:00:00Z con Dr. García.", messenger.sent[0].Body)

	post(h, createdPayload)
	assert.Len(t, messenger.sent, 1)
}

func TestCalendlyWebhook_DefaultsDoctorAndSkipsMissingPhone(t *testing.T) {
	messenger := &recordingMessenger{}
	h := NewHandler(messenger, NewMemoryProcessedStore(), nil, nil)

	rec := post(h, `{"event":"invitee.created","payload":{"invitee":{"name":"Luis","phone_number":"+51988"},"event":{"start_time":"2030-05-17T10:00:00Z"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, messenger.sent, 1)
	assert.Equal(t, "✅ Cita confirmada para Luis el 2030-05-17T10:00:00Z con Doctor asignado.", messenger.sent[0].Body)

	post(h, `{"event":"invitee.created","payload":{"invitee":{"name":"Sin Teléfono"},"event":{"start_time":"2030-05-17T11:00:00Z"}}}`)
	assert.Len(t, messenger.sent, 1)
}

func TestCalendlyWebhook_AlwaysAcknowledges(t *testing.T) {
	messenger := &recordingMessenger{err: errors.New("twilio down")}
	h := NewHandler(messenger, nil, nil, nil)

	for _, body := range []string{
		`not json`,
		`{"event":"invitee.canceled","payload":{}}`,
		createdPayload,
	} {
		rec := post(h, body)
		assert.Equal(t, http.StatusOK, rec.Code, body)
	}
	assert.Len(t, messenger.sent, 1)
}

func TestDedupeKeyFallback(t *testing.T) {
	a := WebhookEvent{Event: eventInviteeCreated, Payload: Payload{Invitee: Invitee{Name: "Ana"}, Event: ScheduledRef{StartTime: "t1"}}}
	b := a
	b.Payload.Event.StartTime = "t2"
	assert.Equal(t, a.dedupeKey(), a.dedupeKey())
	assert.NotEqual(t, a.dedupeKey(), b.dedupeKey())
}
