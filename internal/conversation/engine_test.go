package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oberoende/clinic-assistant/internal/appointments"
)

var engineNow = time.Date(2030, 5, 15, 8, 0, 0, 0, time.UTC)

// scriptedLLM answers extraction prompts by matching a fragment of the user
// message embedded in the prompt.
func scriptedLLM(script map[string]string) LLMClient {
	return LLMClientFunc(func(ctx context.Context, req LLMRequest) (LLMResponse, error) {
		prompt := req.Prompt
		for fragment, payload := range script {
			if strings.Contains(prompt, fragment) {
				return LLMResponse{Text: payload}, nil
			}
		}
		return LLMResponse{Text: `{"intencion": "consulta_general", "entidades": {}}`}, nil
	})
}

type extractorFunc func(ctx context.Context, message string) Extraction

func (f extractorFunc) Extract(ctx context.Context, message string) Extraction {
	return f(ctx, message)
}

type stubInquiry struct {
	answer   string
	err      error
	greeting string
}

func (s *stubInquiry) Answer(ctx context.Context, question, greeting string) (string, error) {
	s.greeting = greeting
	return s.answer, s.err
}

type failingCommitter struct {
	err error
}

func (f failingCommitter) Commit(ctx context.Context, req appointments.CommitRequest) (*appointments.Appointment, error) {
	return nil, f.err
}

type engineFixture struct {
	engine *Engine
	store  *MemoryStateStore
	repo   *appointments.InMemoryRepository
}

func newEngineFixture(t *testing.T, extractor Extractor, opts ...EngineOption) engineFixture {
	t.Helper()
	clock := func() time.Time { return engineNow }
	repo := appointments.NewInMemoryRepository()
	svc := appointments.NewService(repo, nil, appointments.WithClock(clock, time.UTC))
	store := NewMemoryStateStore()
	normalizer := NewNormalizer(clock, time.UTC, nil, nil)
	return engineFixture{
		engine: NewEngine(store, extractor, normalizer, svc, nil, opts...),
		store:  store,
		repo:   repo,
	}
}

func send(t *testing.T, e *Engine, identity, body string) Reply {
	t.Helper()
	reply, err := e.HandleMessage(context.Background(), Inbound{Identity: identity, Body: body})
	require.NoError(t, err)
	require.NotEmpty(t, reply.Text)
	return reply
}

func TestEngine_BookingEndToEnd(t *testing.T) {
	llm := scriptedLLM(map[string]string{
		"Dr. García": `{"intencion": "agendar_cita", "entidades": {"nombre_paciente": null, "doctor": "Dr. García", "fecha": "mañana", "hora": "3pm", "motivo": null}}`,
		"Juan Pérez": `{"intencion": "agendar_cita", "entidades": {"nombre_paciente": "Juan Pérez", "doctor": null, "fecha": null, "hora": null, "motivo": null}}`,
	})
	f := newEngineFixture(t, NewLLMExtractor(llm, time.Second, nil, nil))
	identity := "+51999111222"

	first := send(t, f.engine, identity, "Quiero una cita con el Dr. García para mañana a las 3pm")
	assert.Equal(t, OutcomePrompted, first.Outcome)
	assert.Equal(t, slotPrompts[SlotPatientName], first.Text)

	state, err := f.store.Get(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, PhaseCollecting, state.Phase)
	assert.Equal(t, SlotPatientName, state.Pending)
	assert.Equal(t, "Dr. García", state.Slots[SlotProvider])

	second := send(t, f.engine, identity, "Juan Pérez")
	assert.Equal(t, OutcomeCommitted, second.Outcome)
	assert.Equal(t, "Juan Pérez", second.PatientName)
	assert.Contains(t, second.Text, "• Paciente: Juan Pérez")
	assert.Contains(t, second.Text, "• Doctor: Dr. García")
	assert.Contains(t, second.Text, "• Fecha: 2030-05-16 15:00")
	assert.Contains(t, second.Text, "• Duración: 30 minutos")

	appt, err := f.repo.GetByID(context.Background(), second.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, "2030-05-16", appt.Date)
	assert.Equal(t, "15:00:00", appt.Time)
	assert.Equal(t, identity, appt.PatientPhone)
	assert.Equal(t, "Consulta general con Dr. García", appt.ServiceType)
	assert.Zero(t, f.store.Len())
}

func TestEngine_AsksOneSlotPerTurnInOrder(t *testing.T) {
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		if message == "quiero una cita" {
			return Extraction{Intent: IntentBookAppointment, Entities: map[string]*string{}}
		}
		return Extraction{Intent: IntentGeneralInquiry}
	})
	f := newEngineFixture(t, extractor, WithReasonPrompt(true))
	identity := "+51911"

	steps := []struct {
		body string
		want string
	}{
		{"quiero una cita", slotPrompts[SlotPatientName]},
		{"Ana Torres", slotPrompts[SlotProvider]},
		{"Dra. Ruiz", slotPrompts[SlotDate]},
		{"lunes", slotPrompts[SlotTime]},
		{"10:30", slotPrompts[SlotReason]},
	}
	for _, step := range steps {
		reply := send(t, f.engine, identity, step.body)
		assert.Equal(t, OutcomePrompted, reply.Outcome, step.body)
		assert.Equal(t, step.want, reply.Text, step.body)
	}

	final := send(t, f.engine, identity, "ninguno")
	require.Equal(t, OutcomeCommitted, final.Outcome)
	appt, err := f.repo.GetByID(context.Background(), final.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, "Consulta general con Dra. Ruiz", appt.ServiceType)
	assert.Equal(t, "2030-05-20", appt.Date)
	assert.Equal(t, "10:30:00", appt.Time)
}

func TestEngine_GeneralInquiryKeepsNoState(t *testing.T) {
	inquiry := &stubInquiry{answer: "Atendemos de lunes a viernes de 9:00 a 19:00."}
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		return Extraction{Intent: IntentGeneralInquiry}
	})
	f := newEngineFixture(t, extractor, WithInquiryResponder(inquiry))

	reply, err := f.engine.HandleMessage(context.Background(), Inbound{Identity: "+51922", Body: "¿qué horario tienen?", Greeting: "Hola Ana,"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInquiry, reply.Outcome)
	assert.Equal(t, inquiry.answer, reply.Text)
	assert.Equal(t, "Hola Ana,", inquiry.greeting)
	assert.Zero(t, f.store.Len())

	inquiry.answer, inquiry.err = "", errors.New("quota")
	reply = send(t, f.engine, "+51922", "¿aceptan tarjeta?")
	assert.Equal(t, noInformationReply, reply.Text)

	inquiry.err = nil
	reply = send(t, f.engine, "+51922", "¿aceptan tarjeta?")
	assert.Equal(t, noInformationReply, reply.Text)
}

func TestEngine_CancelAndRescheduleAreUnsupported(t *testing.T) {
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		if strings.Contains(message, "cancelar") {
			return Extraction{Intent: IntentCancelAppointment}
		}
		return Extraction{Intent: IntentRescheduleAppointment}
	})
	f := newEngineFixture(t, extractor)

	reply := send(t, f.engine, "+51933", "quiero cancelar mi cita del martes")
	assert.Equal(t, OutcomeUnsupported, reply.Outcome)
	assert.Equal(t, cancelReply, reply.Text)

	reply = send(t, f.engine, "+51933", "necesito mover mi cita")
	assert.Equal(t, rescheduleReply, reply.Text)
	assert.Zero(t, f.store.Len())
}

func TestEngine_ClarifiesUnparseableDateAndTime(t *testing.T) {
	entities := func(date, clock string) map[string]*string {
		name, doctor := "Ana Torres", "Dr. García"
		return map[string]*string{SlotPatientName: &name, SlotProvider: &doctor, SlotDate: &date, SlotTime: &clock}
	}
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		switch message {
		case "cita":
			return Extraction{Intent: IntentBookAppointment, Entities: entities("algún día", "3pm")}
		case "cita con hora rara":
			return Extraction{Intent: IntentBookAppointment, Entities: entities("mañana", "a la hora del té")}
		}
		return Extraction{Intent: IntentGeneralInquiry}
	})
	f := newEngineFixture(t, extractor)
	ctx := context.Background()

	reply := send(t, f.engine, "+51944", "cita")
	assert.Equal(t, dateClarification, reply.Text)
	state, err := f.store.Get(ctx, "+51944")
	require.NoError(t, err)
	assert.Equal(t, PhaseCollecting, state.Phase)
	assert.Empty(t, state.Slots[SlotDate])
	assert.Equal(t, "3pm", state.Slots[SlotTime])

	reply = send(t, f.engine, "+51944", "pasado mañana")
	require.Equal(t, OutcomeCommitted, reply.Outcome)
	assert.Contains(t, reply.Text, "2030-05-17 15:00")

	reply = send(t, f.engine, "+51955", "cita con hora rara")
	assert.Equal(t, timeClarification, reply.Text)
	state, err = f.store.Get(ctx, "+51955")
	require.NoError(t, err)
	assert.Equal(t, "2030-05-16", state.Slots[SlotDate])
	assert.Empty(t, state.Slots[SlotTime])
}

func TestEngine_ConflictClearsState(t *testing.T) {
	name, doctor, date, clock := "Ana Torres", "Dr. García", "2030-05-16", "15:00"
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		return Extraction{Intent: IntentBookAppointment, Entities: map[string]*string{
			SlotPatientName: &name, SlotProvider: &doctor, SlotDate: &date, SlotTime: &clock,
		}}
	})
	f := newEngineFixture(t, extractor)

	first := send(t, f.engine, "+51966", "cita")
	require.Equal(t, OutcomeCommitted, first.Outcome)

	second := send(t, f.engine, "+51977", "cita")
	assert.Equal(t, OutcomeConflict, second.Outcome)
	assert.Equal(t, "Hubo un error al crear la cita: Ya hay una cita en ese horario. ¿Quieres intentarlo de nuevo?", second.Text)
	assert.Zero(t, f.store.Len())
}

func TestEngine_RejectedCommitClearsState(t *testing.T) {
	name, doctor, date, clock := "Ana Torres", "Dr. García", "2030-05-16", "20:00"
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		return Extraction{Intent: IntentBookAppointment, Entities: map[string]*string{
			SlotPatientName: &name, SlotProvider: &doctor, SlotDate: &date, SlotTime: &clock,
		}}
	})
	f := newEngineFixture(t, extractor)

	reply := send(t, f.engine, "+51988", "cita")
	assert.Equal(t, OutcomeRejected, reply.Outcome)
	assert.Contains(t, reply.Text, "Hora fuera del horario de atención")
	assert.Zero(t, f.store.Len())

	store := NewMemoryStateStore()
	engine := NewEngine(store, extractor, NewNormalizer(func() time.Time { return engineNow }, time.UTC, nil, nil),
		failingCommitter{err: errors.New("db down")}, nil)
	reply = send(t, engine, "+51988", "cita")
	assert.Equal(t, OutcomeRejected, reply.Outcome)
	assert.Contains(t, reply.Text, "No se pudo procesar la cita")
	assert.Zero(t, store.Len())
}

func TestEngine_AbandonWhileCollecting(t *testing.T) {
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		return Extraction{Intent: IntentBookAppointment, Entities: map[string]*string{}}
	})
	f := newEngineFixture(t, extractor)

	reply := send(t, f.engine, "+51999", "quiero una cita")
	require.Equal(t, OutcomePrompted, reply.Outcome)
	require.Equal(t, 1, f.store.Len())

	reply = send(t, f.engine, "+51999", "Salir")
	assert.Equal(t, OutcomeAbandoned, reply.Outcome)
	assert.Zero(t, f.store.Len())
}

func TestEngine_ExtractionOverwritesEarlierSlot(t *testing.T) {
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		doctor := message
		return Extraction{Intent: IntentBookAppointment, Entities: map[string]*string{SlotProvider: &doctor}}
	})
	f := newEngineFixture(t, extractor)

	send(t, f.engine, "+51900", "Dr. García")
	send(t, f.engine, "+51900", "Dra. Ruiz")
	state, err := f.store.Get(context.Background(), "+51900")
	require.NoError(t, err)
	assert.Equal(t, "Dra. Ruiz", state.Slots[SlotProvider])
}

func TestNewEngine_PanicsOnMissingDependencies(t *testing.T) {
	normalizer := NewNormalizer(nil, nil, nil, nil)
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction { return fallbackExtraction() })
	assert.Panics(t, func() { NewEngine(nil, extractor, normalizer, failingCommitter{}, nil) })
	assert.Panics(t, func() { NewEngine(NewMemoryStateStore(), extractor, normalizer, nil, nil) })
}

type clearFailingStore struct {
	*MemoryStateStore
}

func (clearFailingStore) Clear(ctx context.Context, identity string) error {
	return errors.New("redis: connection refused")
}

func TestEngine_CommitSurvivesClearFailure(t *testing.T) {
	name, doctor, date, clock := "Rosa Quispe", "Dr. García", "2030-05-16", "10:00"
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		return Extraction{Intent: IntentBookAppointment, Entities: map[string]*string{
			SlotPatientName: &name, SlotProvider: &doctor, SlotDate: &date, SlotTime: &clock,
		}}
	})
	now := func() time.Time { return engineNow }
	svc := appointments.NewService(appointments.NewInMemoryRepository(), nil, appointments.WithClock(now, time.UTC))
	engine := NewEngine(clearFailingStore{NewMemoryStateStore()}, extractor, NewNormalizer(now, time.UTC, nil, nil), svc, nil)

	reply := send(t, engine, "+51955", "cita")
	assert.Equal(t, OutcomeCommitted, reply.Outcome)
	assert.NotZero(t, reply.AppointmentID)
	assert.Contains(t, reply.Text, "• Paciente: Rosa Quispe")
}

type putFailingStore struct {
	*MemoryStateStore
}

func (putFailingStore) Put(ctx context.Context, identity string, state State) error {
	return errors.New("redis: connection refused")
}

func TestEngine_StateStoreFailureIsReturned(t *testing.T) {
	extractor := extractorFunc(func(ctx context.Context, message string) Extraction {
		return Extraction{Intent: IntentBookAppointment, Entities: map[string]*string{}}
	})
	engine := NewEngine(putFailingStore{NewMemoryStateStore()}, extractor, NewNormalizer(nil, time.UTC, nil, nil), failingCommitter{}, nil)

	_, err := engine.HandleMessage(context.Background(), Inbound{Identity: "+51944", Body: "quiero una cita"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save state")
}
