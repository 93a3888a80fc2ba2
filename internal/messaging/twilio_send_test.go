package messaging

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oberoende/clinic-assistant/internal/conversation"
)

func newTestTwilioSender(baseURL string) *TwilioSender {
	s := NewTwilioSender("AC123", "token", "+14155238886", nil, nil)
	s.baseURL = baseURL
	s.wait = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestTwilioSender_SendsWhatsAppForm(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "token", pass)
		raw, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(raw))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM42","status":"queued"}`))
	}))
	defer srv.Close()

	meta := map[string]string{}
	err := newTestTwilioSender(srv.URL).SendReply(context.Background(), conversation.OutboundReply{
		To:       "+51999111222",
		Body:     "Hola",
		Metadata: meta,
	})
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+51999111222", form.Get("To"))
	assert.Equal(t, "whatsapp:+14155238886", form.Get("From"))
	assert.Equal(t, "Hola", form.Get("Body"))
	assert.Equal(t, "SM42", meta["provider_message_id"])
	assert.Equal(t, "queued", meta["provider_status"])
}

func TestTwilioSender_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := newTestTwilioSender(srv.URL).SendReply(context.Background(), conversation.OutboundReply{To: "+51999111222", Body: "Hola"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTwilioSender_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()

	err := newTestTwilioSender(srv.URL).SendReply(context.Background(), conversation.OutboundReply{To: "+51999111222", Body: "Hola"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 21211")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTwilioSender_GivesUpAfterThreeServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestTwilioSender(srv.URL).SendReply(context.Background(), conversation.OutboundReply{To: "+51999111222", Body: "Hola"})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestTwilioSender_SplitsLongBodies(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		bodies = append(bodies, r.PostForm.Get("Body"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM` + string(rune('0'+len(bodies))) + `"}`))
	}))
	defer srv.Close()

	long := strings.Repeat("Horario de atención de lunes a viernes. ", 30) + "\n\n" + strings.Repeat("Dirección: Av. Arequipa 123. ", 40)
	meta := map[string]string{}
	err := newTestTwilioSender(srv.URL).SendReply(context.Background(), conversation.OutboundReply{To: "+51999111222", Body: long, Metadata: meta})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.True(t, strings.HasPrefix(bodies[1], "Dirección"), "second part should start at the paragraph break")
	for _, b := range bodies {
		assert.LessOrEqual(t, len([]rune(b)), whatsAppMaxBody)
	}
	assert.Equal(t, "SM2", meta["provider_message_id"])
	assert.Equal(t, "2", meta["provider_parts"])
}

func TestSplitBody(t *testing.T) {
	assert.Nil(t, splitBody("   ", 10))
	assert.Equal(t, []string{"hola"}, splitBody(" hola ", 10))
	assert.Equal(t, []string{"uno dos", "tres"}, splitBody("uno dos tres", 8))
	assert.Equal(t, []string{"abcde", "fghij"}, splitBody("abcdefghij", 5))
	assert.Equal(t, []string{"ñañañ", "añ"}, splitBody("ñañañañ", 5))
}

func TestBackoffHonorsRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoff(1, &TwilioAPIError{StatusCode: 429, retryAfter: 2 * time.Second}))
	assert.Equal(t, twilioMaxBackoff, backoff(1, &TwilioAPIError{StatusCode: 429, retryAfter: time.Minute}))

	d := backoff(2, nil)
	assert.GreaterOrEqual(t, d, 2*twilioBaseBackoff)
	assert.Less(t, d, 3*twilioBaseBackoff)
}

func TestTwilioSender_StopsWhenContextEnds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := newTestTwilioSender(srv.URL)
	s.wait = func(ctx context.Context, d time.Duration) error {
		assert.Equal(t, time.Second, d)
		cancel()
		return waitContext(ctx, d)
	}

	err := s.SendReply(ctx, conversation.OutboundReply{To: "+51999111222", Body: "Hola"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTwilioSender_RejectsInvalidInput(t *testing.T) {
	s := newTestTwilioSender("http://127.0.0.1:0")
	err := s.SendReply(context.Background(), conversation.OutboundReply{To: "+51999111222", Body: "  "})
	assert.True(t, errors.Is(err, ErrEmptyBody))
	assert.Error(t, s.SendReply(context.Background(), conversation.OutboundReply{Body: "Hola"}))

	unconfigured := NewTwilioSender("", "", "", nil, nil)
	assert.Error(t, unconfigured.SendReply(context.Background(), conversation.OutboundReply{To: "+51999111222", Body: "Hola"}))
}

func TestBuildReplyMessenger(t *testing.T) {
	m, provider, reason := BuildReplyMessenger(ProviderSelectionConfig{
		TwilioAccountSID: "AC123",
		TwilioAuthToken:  "token",
		TwilioFromNumber: "+14155238886",
	}, nil, nil)
	assert.IsType(t, &TwilioSender{}, m)
	assert.Equal(t, ProviderTwilio, provider)
	assert.Empty(t, reason)

	m, provider, reason = BuildReplyMessenger(ProviderSelectionConfig{}, nil, nil)
	assert.IsType(t, &LogMessenger{}, m)
	assert.Equal(t, ProviderLog, provider)
	assert.Contains(t, reason, "TWILIO_ACCOUNT_SID missing")

	m, _, reason = BuildReplyMessenger(ProviderSelectionConfig{RequireDelivery: true}, nil, nil)
	assert.Nil(t, m)
	assert.NotEmpty(t, reason)

	assert.ErrorIs(t, NewLogMessenger(nil, nil).SendReply(context.Background(), conversation.OutboundReply{To: "+1"}), ErrEmptyBody)
}
