package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oberoende/clinic-assistant/internal/appointments"
	"github.com/oberoende/clinic-assistant/internal/observability/metrics"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

var engineTracer = otel.Tracer("clinic.internal.conversation.engine")

// Outcome labels how a turn ended.
type Outcome string

const (
	OutcomePrompted    Outcome = "prompted"
	OutcomeCommitted   Outcome = "committed"
	OutcomeConflict    Outcome = "conflict"
	OutcomeRejected    Outcome = "rejected"
	OutcomeInquiry     Outcome = "inquiry"
	OutcomeAbandoned   Outcome = "abandoned"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeFailed      Outcome = "failed"
)

const (
	defaultReason      = "Consulta general"
	noInformationReply = "No tengo información suficiente para responder en este momento."
	cancelReply        = "Para cancelar tu cita, por favor contáctanos al teléfono de la clínica. Estamos trabajando en habilitar esta función pronto."
	rescheduleReply    = "Para reprogramar tu cita, por favor contáctanos al teléfono de la clínica. Estamos trabajando en habilitar esta función pronto."
	abandonReply       = "Listo, cancelé el proceso de agendamiento. Si necesitas algo más, escríbeme cuando quieras."
	dateClarification  = "No pude entender la fecha. ¿Puedes especificarla de nuevo? (ejemplo: 15 de diciembre, mañana, lunes)"
	timeClarification  = "No pude entender la hora. ¿Puedes especificarla de nuevo? (ejemplo: 3pm, 15:00)"
)

// TurnFailedReply is sent in place of a turn that could not be processed.
const TurnFailedReply = "Lo siento, tuve un problema procesando tu mensaje. Por favor, inténtalo de nuevo en unos minutos."

var slotPrompts = map[string]string{
	SlotPatientName: "¿Cuál es tu nombre completo?",
	SlotProvider:    "¿Con qué doctor deseas la cita?",
	SlotDate:        "¿Para qué fecha? (puedes decir: hoy, mañana, lunes, o una fecha específica)",
	SlotTime:        "¿A qué hora prefieres? (ejemplo: 3pm, 15:00, 10 de la mañana)",
	SlotReason:      `¿Cuál es el motivo de tu consulta? (opcional, escribe "ninguno" para omitir)`,
}

var abandonWords = map[string]struct{}{
	"cancelar": {},
	"salir":    {},
	"cancel":   {},
	"stop":     {},
}

var reasonOptOuts = map[string]struct{}{
	"ninguno": {},
	"ninguna": {},
	"no":      {},
	"none":    {},
	"n/a":     {},
}

// BookingCommitter persists a fully collected appointment.
type BookingCommitter interface {
	Commit(ctx context.Context, req appointments.CommitRequest) (*appointments.Appointment, error)
}

// Inbound is one user message addressed to the engine.
type Inbound struct {
	Identity string
	Body     string
	// Greeting is the first-contact salutation, empty after the first message.
	Greeting string
}

// Reply is the single outbound message produced by a turn.
type Reply struct {
	Text          string
	Outcome       Outcome
	AppointmentID int64
	PatientName   string
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithInquiryResponder answers general inquiries; without one they receive
// the generic no-information reply.
func WithInquiryResponder(r InquiryResponder) EngineOption {
	return func(e *Engine) {
		e.inquiry = r
	}
}

// WithReasonPrompt makes the visit reason a required question. When off, a
// missing reason defaults to "Consulta general".
func WithReasonPrompt(enabled bool) EngineOption {
	return func(e *Engine) {
		e.askReason = enabled
	}
}

func WithConversationMetrics(m *metrics.ConversationMetrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithAppointmentDuration(minutes int) EngineOption {
	return func(e *Engine) {
		if minutes > 0 {
			e.durationMin = minutes
		}
	}
}

// Engine drives the slot-filling dialogue for appointment booking.
type Engine struct {
	store       StateStore
	extractor   Extractor
	normalizer  *Normalizer
	committer   BookingCommitter
	inquiry     InquiryResponder
	metrics     *metrics.ConversationMetrics
	logger      *logging.Logger
	askReason   bool
	durationMin int
	now         func() time.Time
}

func NewEngine(store StateStore, extractor Extractor, normalizer *Normalizer, committer BookingCommitter, logger *logging.Logger, opts ...EngineOption) *Engine {
	if store == nil {
		panic("conversation: state store cannot be nil")
	}
	if extractor == nil {
		panic("conversation: extractor cannot be nil")
	}
	if normalizer == nil {
		panic("conversation: normalizer cannot be nil")
	}
	if committer == nil {
		panic("conversation: booking committer cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		store:       store,
		extractor:   extractor,
		normalizer:  normalizer,
		committer:   committer,
		logger:      logger,
		durationMin: appointments.DefaultDurationMinutes,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleMessage runs one turn for the identity and returns exactly one reply.
// Turns for the same identity are serialised through the state store lock.
func (e *Engine) HandleMessage(ctx context.Context, in Inbound) (Reply, error) {
	started := time.Now()
	ctx, span := engineTracer.Start(ctx, "conversation.turn")
	defer span.End()

	identity := strings.TrimSpace(in.Identity)
	if identity == "" {
		return Reply{}, errors.New("conversation: identity is required")
	}
	in.Body = strings.TrimSpace(in.Body)

	unlock, err := e.store.Lock(ctx, identity)
	if err != nil {
		span.RecordError(err)
		return Reply{}, fmt.Errorf("conversation: lock %s: %w", identity, err)
	}
	defer unlock()

	reply, err := e.turn(ctx, identity, in)
	if err != nil {
		span.RecordError(err)
		e.logger.Error("conversation turn failed", "identity", identity, "error", err)
		return Reply{}, err
	}
	if strings.TrimSpace(reply.Text) == "" {
		reply.Text = noInformationReply
	}
	span.SetAttributes(attribute.String("clinic.turn_outcome", string(reply.Outcome)))
	e.metrics.ObserveTurn(string(reply.Outcome), time.Since(started).Seconds())
	e.logger.Info("conversation turn handled", "identity", identity, "outcome", reply.Outcome)
	return reply, nil
}

func (e *Engine) turn(ctx context.Context, identity string, in Inbound) (Reply, error) {
	state, err := GetOrInit(ctx, e.store, identity)
	if err != nil {
		return Reply{}, fmt.Errorf("conversation: load state: %w", err)
	}

	if !state.Active() {
		return e.startTurn(ctx, identity, in)
	}

	if isAbandon(in.Body) {
		if err := e.store.Clear(ctx, identity); err != nil {
			return Reply{}, fmt.Errorf("conversation: clear state: %w", err)
		}
		return Reply{Text: abandonReply, Outcome: OutcomeAbandoned}, nil
	}

	extraction := e.extractor.Extract(ctx, in.Body)
	if extraction.HasEntities() {
		state.Merge(extraction.Entities)
	} else if state.Pending != "" && in.Body != "" {
		state.Set(state.Pending, in.Body)
	}
	return e.advance(ctx, identity, in, state)
}

func (e *Engine) startTurn(ctx context.Context, identity string, in Inbound) (Reply, error) {
	if in.Body == "" {
		return Reply{Text: noInformationReply, Outcome: OutcomeInquiry}, nil
	}
	extraction := e.extractor.Extract(ctx, in.Body)
	switch extraction.Intent {
	case IntentBookAppointment:
		state := NewState()
		state.Intent = IntentBookAppointment
		state.Phase = PhaseCollecting
		state.Merge(extraction.Entities)
		return e.advance(ctx, identity, in, state)
	case IntentCancelAppointment:
		return Reply{Text: cancelReply, Outcome: OutcomeUnsupported}, nil
	case IntentRescheduleAppointment:
		return Reply{Text: rescheduleReply, Outcome: OutcomeUnsupported}, nil
	default:
		return e.answerInquiry(ctx, in), nil
	}
}

func (e *Engine) answerInquiry(ctx context.Context, in Inbound) Reply {
	if e.inquiry == nil {
		return Reply{Text: noInformationReply, Outcome: OutcomeInquiry}
	}
	answer, err := e.inquiry.Answer(ctx, in.Body, in.Greeting)
	if err != nil {
		e.logger.Warn("inquiry answer failed", "identity", in.Identity, "error", err)
		return Reply{Text: noInformationReply, Outcome: OutcomeInquiry}
	}
	return Reply{Text: answer, Outcome: OutcomeInquiry}
}

// advance asks for the next missing slot, normalizes once everything is
// present and commits the draft.
func (e *Engine) advance(ctx context.Context, identity string, in Inbound, state State) (Reply, error) {
	if isReasonOptOut(state.Slots[SlotReason]) {
		state.Set(SlotReason, defaultReason)
	}

	if slot, missing := state.MissingSlot(e.slotOrder()); missing {
		return e.ask(ctx, identity, state, slot, slotPrompts[slot])
	}

	if !isCanonicalDate(state.Slots[SlotDate]) {
		date, ok := e.normalizer.NormalizeDate(ctx, state.Slots[SlotDate], in.Body)
		if !ok {
			e.logger.Info("date normalization failed", "identity", identity, "value", state.Slots[SlotDate])
			state.ClearSlot(SlotDate)
			return e.ask(ctx, identity, state, SlotDate, dateClarification)
		}
		state.Slots[SlotDate] = date
	}
	if !isCanonicalTime(state.Slots[SlotTime]) {
		clock, ok := e.normalizer.NormalizeTime(state.Slots[SlotTime])
		if !ok {
			e.logger.Info("time normalization failed", "identity", identity, "value", state.Slots[SlotTime])
			state.ClearSlot(SlotTime)
			return e.ask(ctx, identity, state, SlotTime, timeClarification)
		}
		state.Slots[SlotTime] = clock
	}
	if strings.TrimSpace(state.Slots[SlotReason]) == "" {
		state.Set(SlotReason, defaultReason)
	}

	draft, ok := state.Draft()
	if !ok {
		return Reply{}, fmt.Errorf("conversation: incomplete draft for %s", identity)
	}
	state.Phase = PhaseReadyToCommit
	return e.commit(ctx, identity, draft)
}

func (e *Engine) ask(ctx context.Context, identity string, state State, slot, question string) (Reply, error) {
	state.Phase = PhaseCollecting
	state.Pending = slot
	state.UpdatedAt = e.now().UTC()
	if err := e.store.Put(ctx, identity, state); err != nil {
		return Reply{}, fmt.Errorf("conversation: save state: %w", err)
	}
	return Reply{Text: question, Outcome: OutcomePrompted}, nil
}

func (e *Engine) commit(ctx context.Context, identity string, draft Draft) (Reply, error) {
	appt, commitErr := e.committer.Commit(ctx, appointments.CommitRequest{
		PatientName: draft.PatientName,
		Provider:    draft.Provider,
		Date:        draft.Date,
		Time:        draft.Time,
		DurationMin: e.durationMin,
		Reason:      draft.Reason,
		Contact:     identity,
	})
	// The booking is already decided; a Clear failure must not replace its reply.
	if err := e.store.Clear(ctx, identity); err != nil {
		e.logger.Error("failed to clear state after commit", "identity", identity, "error", err)
	}

	if commitErr != nil {
		outcome := OutcomeRejected
		if errors.Is(commitErr, appointments.ErrConflict) {
			outcome = OutcomeConflict
		}
		e.logger.Warn("appointment commit failed", "identity", identity, "error", commitErr)
		return Reply{
			Text:    fmt.Sprintf("Hubo un error al crear la cita: %s. ¿Quieres intentarlo de nuevo?", appointments.UserMessage(commitErr)),
			Outcome: outcome,
		}, nil
	}

	e.logger.Info("appointment committed", "identity", identity, "appointment_id", appt.ID)
	return Reply{
		Text:          confirmationText(draft.PatientName, draft.Provider, appt),
		Outcome:       OutcomeCommitted,
		AppointmentID: appt.ID,
		PatientName:   draft.PatientName,
	}, nil
}

func (e *Engine) slotOrder() []string {
	if e.askReason {
		return requiredSlots
	}
	return requiredSlots[:len(requiredSlots)-1]
}

func confirmationText(patient, provider string, appt *appointments.Appointment) string {
	return fmt.Sprintf("✅ ¡Cita agendada exitosamente!\n\n📋 Detalles:\n• Paciente: %s\n• Doctor: %s\n• Fecha: %s\n• Duración: %d minutos\n\nTe enviaremos recordatorios antes de tu cita. ¿Hay algo más en lo que pueda ayudarte?",
		patient, provider, appt.Start(), appt.DurationMin)
}

func isAbandon(body string) bool {
	_, ok := abandonWords[strings.ToLower(strings.Trim(body, " .!¡"))]
	return ok
}

func isReasonOptOut(value string) bool {
	_, ok := reasonOptOuts[strings.ToLower(strings.Trim(value, " .!"))]
	return ok
}
