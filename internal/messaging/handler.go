package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oberoende/clinic-assistant/internal/conversation"
	"github.com/oberoende/clinic-assistant/internal/observability/metrics"
	"github.com/oberoende/clinic-assistant/internal/users"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

var twilioTracer = otel.Tracer("clinic.internal.messaging.twilio")

const webhookSource = "whatsapp"

type turnHandler interface {
	HandleMessage(ctx context.Context, in conversation.Inbound) (conversation.Reply, error)
}

type patientDirectory interface {
	Greet(ctx context.Context, numero string) (string, *users.Usuario, error)
	RememberName(ctx context.Context, u *users.Usuario, nombre string)
}

// Handler handles the WhatsApp webhook synchronously: the reply is computed
// and delivered before the webhook is acknowledged.
type Handler struct {
	webhookSecret string
	publicBaseURL string
	engine        turnHandler
	patients      patientDirectory
	messenger     conversation.ReplyMessenger
	metrics       *metrics.MessagingMetrics
	logger        *logging.Logger
}

// NewHandler creates a new messaging handler. patients may be nil, in which
// case no greeting is produced.
func NewHandler(webhookSecret string, engine turnHandler, patients patientDirectory, messenger conversation.ReplyMessenger, m *metrics.MessagingMetrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if engine == nil {
		panic("messaging: conversation engine cannot be nil")
	}
	if messenger == nil {
		panic("messaging: messenger cannot be nil")
	}
	return &Handler{
		webhookSecret: webhookSecret,
		engine:        engine,
		patients:      patients,
		messenger:     messenger,
		metrics:       m,
		logger:        logger,
	}
}

// WithPublicBaseURL sets the externally visible base URL used to verify
// webhook signatures.
func (h *Handler) WithPublicBaseURL(base string) *Handler {
	h.publicBaseURL = base
	return h
}

type webhookResponse struct {
	Status         string `json:"status"`
	Mensaje        string `json:"mensaje,omitempty"`
	MensajeEnviado string `json:"mensaje_enviado,omitempty"`
}

// WhatsAppWebhook handles POST /whatsapp_webhook requests.
func (h *Handler) WhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := twilioTracer.Start(r.Context(), "messaging.whatsapp.webhook")
	defer span.End()
	defer func() {
		h.metrics.ObserveWebhookLatency(webhookSource, time.Since(started).Seconds())
	}()

	if h.webhookSecret != "" {
		if !ValidateTwilioSignature(r, h.webhookSecret, signedURL(r, h.publicBaseURL)) {
			h.logger.Warn("invalid twilio signature")
			h.metrics.ObserveInbound(webhookSource, "unauthorized")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			span.RecordError(errors.New("invalid twilio signature"))
			return
		}
	}

	webhook, err := ParseTwilioWebhook(r)
	if err != nil {
		h.logger.Error("failed to parse twilio webhook", "error", err)
		h.metrics.ObserveInbound(webhookSource, "bad_request")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		span.RecordError(err)
		return
	}
	if webhook.From == "" || webhook.Body == "" {
		err := errors.New("missing From or Body")
		h.logger.Warn("invalid whatsapp payload", "error", err, "num_media", webhook.NumMedia)
		h.metrics.ObserveInbound(webhookSource, "bad_request")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		span.RecordError(err)
		return
	}

	identity := NormalizeE164(webhook.From)
	if identity == "" {
		identity = StripWhatsAppPrefix(webhook.From)
	}
	span.SetAttributes(
		attribute.String("clinic.twilio.message_sid", webhook.MessageSid),
		attribute.String("clinic.identity", identity),
	)

	greeting, usuario := h.greet(ctx, identity)

	reply, err := h.engine.HandleMessage(ctx, conversation.Inbound{
		Identity: identity,
		Body:     webhook.Body,
		Greeting: greeting,
	})
	status := "ok"
	if err != nil {
		h.logger.Error("conversation turn failed", "error", err, "identity", identity)
		span.RecordError(err)
		status = "error"
		reply = conversation.Reply{Text: conversation.TurnFailedReply, Outcome: conversation.OutcomeFailed}
	}

	if reply.Outcome == conversation.OutcomeCommitted && h.patients != nil && usuario != nil {
		h.patients.RememberName(ctx, usuario, reply.PatientName)
	}

	out := conversation.OutboundReply{
		To:   identity,
		From: NormalizeE164(webhook.To),
		Body: reply.Text,
		Metadata: map[string]string{
			"twilio_message_sid": webhook.MessageSid,
			"outcome":            string(reply.Outcome),
		},
	}
	if err := h.messenger.SendReply(ctx, out); err != nil {
		h.logger.Error("failed to deliver whatsapp reply", "error", err, "identity", identity)
		h.metrics.ObserveInbound(webhookSource, "delivery_failed")
		span.RecordError(err)
		writeJSON(w, http.StatusInternalServerError, webhookResponse{
			Status:         "error",
			Mensaje:        err.Error(),
			MensajeEnviado: reply.Text,
		})
		return
	}

	h.metrics.ObserveInbound(webhookSource, status)
	h.logger.Info("whatsapp webhook handled", "identity", identity, "outcome", reply.Outcome)
	writeJSON(w, http.StatusOK, webhookResponse{Status: status, MensajeEnviado: reply.Text})
}

func (h *Handler) greet(ctx context.Context, identity string) (string, *users.Usuario) {
	if h.patients == nil {
		return "", nil
	}
	greeting, usuario, err := h.patients.Greet(ctx, identity)
	if err != nil {
		h.logger.Warn("failed to load usuario", "error", err, "identity", identity)
		return "", nil
	}
	return greeting, usuario
}

// HealthCheck returns a simple health check response.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
