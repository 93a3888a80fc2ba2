package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oberoende/clinic-assistant/internal/conversation"
	"github.com/oberoende/clinic-assistant/internal/observability/metrics"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

var twilioSendTracer = otel.Tracer("clinic.internal.messaging.twilio_send")

const (
	twilioAPIBase     = "https://api.twilio.com"
	twilioMaxAttempts = 3
	twilioBaseBackoff = 250 * time.Millisecond
	twilioMaxBackoff  = 5 * time.Second

	// whatsAppMaxBody is Twilio's per-message limit for the WhatsApp channel.
	whatsAppMaxBody = 1600
)

// ErrEmptyBody is returned when a reply has nothing to send.
var ErrEmptyBody = errors.New("messaging: body required")

// TwilioAPIError is a non-2xx answer from the Messages resource.
type TwilioAPIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
	retryAfter time.Duration
}

func (e *TwilioAPIError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("messaging: twilio status %d code %d: %s", e.StatusCode, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("messaging: twilio status %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("messaging: twilio status %d", e.StatusCode)
	}
}

// Temporary reports whether Twilio may accept the same request later.
func (e *TwilioAPIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// TwilioSender posts WhatsApp messages using Twilio's REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.MessagingMetrics
	logger     *logging.Logger
	wait       func(ctx context.Context, d time.Duration) error
}

// NewTwilioSender builds a sender with a 10s HTTP timeout.
func NewTwilioSender(accountSID, authToken, defaultFrom string, m *metrics.MessagingMetrics, logger *logging.Logger) *TwilioSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       defaultFrom,
		baseURL:    twilioAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		metrics:    m,
		logger:     logger,
		wait:       waitContext,
	}
}

var _ conversation.ReplyMessenger = (*TwilioSender)(nil)

// SendReply delivers a reply, splitting bodies longer than the WhatsApp limit
// into consecutive messages. Each part is retried on 429, 5xx and network
// errors.
func (s *TwilioSender) SendReply(ctx context.Context, msg conversation.OutboundReply) error {
	if s.accountSID == "" || s.authToken == "" {
		return errors.New("messaging: twilio credentials missing")
	}
	to := WhatsAppAddress(msg.To)
	if to == "" {
		return errors.New("messaging: to required")
	}
	from := WhatsAppAddress(firstNonBlank(msg.From, s.from))
	if from == "" {
		return errors.New("messaging: from required")
	}
	parts := splitBody(msg.Body, whatsAppMaxBody)
	if len(parts) == 0 {
		return ErrEmptyBody
	}

	ctx, span := twilioSendTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.to", to), attribute.Int("clinic.parts", len(parts)))

	for i, part := range parts {
		result, attempts, err := s.sendWithRetry(ctx, url.Values{"To": {to}, "From": {from}, "Body": {part}})
		if err != nil {
			s.metrics.ObserveOutbound("twilio", "failed")
			span.RecordError(err)
			s.logger.Error("twilio whatsapp send failed", "to", to, "part", i+1, "parts", len(parts), "attempts", attempts, "error", err)
			return err
		}
		result.record(msg.Metadata)
		s.metrics.ObserveOutbound("twilio", "sent")
		s.logger.Info("twilio whatsapp sent", "to", to, "part", i+1, "parts", len(parts), "attempts", attempts)
	}
	if msg.Metadata != nil && len(parts) > 1 {
		msg.Metadata["provider_parts"] = strconv.Itoa(len(parts))
	}
	return nil
}

func (s *TwilioSender) sendWithRetry(ctx context.Context, form url.Values) (messageResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= twilioMaxAttempts; attempt++ {
		result, err := s.post(ctx, form)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		var apiErr *TwilioAPIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return messageResult{}, attempt, err
		}
		if attempt == twilioMaxAttempts {
			break
		}
		if werr := s.wait(ctx, backoff(attempt, apiErr)); werr != nil {
			return messageResult{}, attempt, werr
		}
	}
	return messageResult{}, twilioMaxAttempts, lastErr
}

func (s *TwilioSender) post(ctx context.Context, form url.Values) (messageResult, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(s.baseURL, "/"), s.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return messageResult{}, err
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return messageResult{}, fmt.Errorf("messaging: twilio request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result messageResult
		_ = json.Unmarshal(body, &result)
		return result, nil
	}

	apiErr := &TwilioAPIError{StatusCode: resp.StatusCode}
	if json.Unmarshal(body, apiErr) != nil {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	apiErr.StatusCode = resp.StatusCode
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.retryAfter = time.Duration(secs) * time.Second
	}
	return messageResult{}, apiErr
}

type messageResult struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (r messageResult) record(metadata map[string]string) {
	if metadata == nil {
		return
	}
	if r.SID != "" {
		metadata["provider_message_id"] = r.SID
	}
	if r.Status != "" {
		metadata["provider_status"] = r.Status
	}
}

// backoff doubles from twilioBaseBackoff with up to 50% jitter. A Retry-After
// header wins when present.
func backoff(attempt int, apiErr *TwilioAPIError) time.Duration {
	if apiErr != nil && apiErr.retryAfter > 0 {
		return min(apiErr.retryAfter, twilioMaxBackoff)
	}
	d := twilioBaseBackoff << (attempt - 1)
	d += time.Duration(rand.Int63n(int64(d) / 2))
	return min(d, twilioMaxBackoff)
}

func waitContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// splitBody cuts text into chunks of at most limit runes, preferring
// paragraph, then line, then word boundaries.
func splitBody(text string, limit int) []string {
	text = strings.TrimSpace(text)
	var parts []string
	for text != "" {
		if utf8.RuneCountInString(text) <= limit {
			parts = append(parts, text)
			break
		}
		cut := runeOffset(text, limit)
		window := text[:cut]
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > 0 {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	return parts
}

func runeOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
