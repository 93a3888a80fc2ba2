package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/oberoende/clinic-assistant/internal/conversation"
	"github.com/oberoende/clinic-assistant/internal/observability/metrics"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

var schedulerTracer = otel.Tracer("clinic.internal.scheduler")

const (
	providerCalendly    = "calendly"
	eventInviteeCreated = "invitee.created"
	defaultDoctorLabel  = "Doctor asignado"
)

// WebhookEvent is the subset of the Calendly webhook payload the clinic uses.
type WebhookEvent struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

type Payload struct {
	Invitee Invitee      `json:"invitee"`
	Event   ScheduledRef `json:"event"`
}

type Invitee struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
}

type ScheduledRef struct {
	StartTime        string        `json:"start_time"`
	OrganizationUser *Organization `json:"organization_user,omitempty"`
}

type Organization struct {
	Name string `json:"name"`
}

// Confirmation is the patient-facing text for a created invitee.
func (e WebhookEvent) Confirmation() string {
	doctor := defaultDoctorLabel
	if org := e.Payload.Event.OrganizationUser; org != nil && strings.TrimSpace(org.Name) != "" {
		doctor = org.Name
	}
	return fmt.Sprintf("✅ Cita confirmada para %s el %s con %s.", e.Payload.Invitee.Name, e.Payload.Event.StartTime, doctor)
}

// dedupeKey prefers the invitee URI and falls back to a name-based UUID of
// the invitee and start time.
func (e WebhookEvent) dedupeKey() string {
	if uri := strings.TrimSpace(e.Payload.Invitee.URI); uri != "" {
		return uri
	}
	seed := strings.Join([]string{e.Event, e.Payload.Invitee.Name, e.Payload.Invitee.Email, e.Payload.Event.StartTime}, "|")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
}

// Handler receives scheduling-platform webhooks and forwards confirmations to
// the patient over WhatsApp. The calendar is notification-only; no
// appointment row is written from here.
type Handler struct {
	messenger conversation.ReplyMessenger
	processed ProcessedStore
	metrics   *metrics.MessagingMetrics
	logger    *logging.Logger
}

func NewHandler(messenger conversation.ReplyMessenger, processed ProcessedStore, m *metrics.MessagingMetrics, logger *logging.Logger) *Handler {
	if messenger == nil {
		panic("scheduler: messenger cannot be nil")
	}
	if processed == nil {
		processed = NewMemoryProcessedStore()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{messenger: messenger, processed: processed, metrics: m, logger: logger}
}

// CalendlyWebhook handles POST /calendly_webhook. It always acknowledges
// with 200 so the platform does not retry.
func (h *Handler) CalendlyWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := schedulerTracer.Start(r.Context(), "scheduler.calendly.webhook")
	defer span.End()
	defer func() {
		h.metrics.ObserveWebhookLatency(providerCalendly, time.Since(started).Seconds())
	}()

	var event WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.logger.Warn("invalid calendly payload", "error", err)
		span.RecordError(err)
		h.metrics.ObserveInbound(providerCalendly, "invalid")
		writeOK(w)
		return
	}
	status := h.process(ctx, event)
	h.metrics.ObserveInbound(providerCalendly, status)
	writeOK(w)
}

func (h *Handler) process(ctx context.Context, event WebhookEvent) string {
	if event.Event != eventInviteeCreated {
		h.logger.Debug("calendly event ignored", "event", event.Event)
		return "ignored"
	}

	key := event.dedupeKey()
	fresh, err := h.processed.MarkProcessed(ctx, providerCalendly, key)
	if err != nil {
		h.logger.Error("failed to record calendly event", "error", err, "event_id", key)
		return "error"
	}
	if !fresh {
		h.logger.Info("duplicate calendly event", "event_id", key)
		return "duplicate"
	}

	phone := strings.TrimSpace(event.Payload.Invitee.PhoneNumber)
	if phone == "" {
		h.logger.Info("calendly invitee has no phone; confirmation not sent", "event_id", key)
		return "no_phone"
	}
	reply := conversation.OutboundReply{
		To:       phone,
		Body:     event.Confirmation(),
		Metadata: map[string]string{"calendly_event_id": key},
	}
	if err := h.messenger.SendReply(ctx, reply); err != nil {
		h.logger.Error("failed to send calendly confirmation", "error", err, "event_id", key)
		return "delivery_failed"
	}
	h.logger.Info("calendly confirmation sent", "event_id", key)
	return "ok"
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
