package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oberoende/clinic-assistant/internal/observability/metrics"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// Intent is the classified purpose of an inbound message.
type Intent string

const (
	IntentBookAppointment       Intent = "book_appointment"
	IntentCancelAppointment     Intent = "cancel_appointment"
	IntentRescheduleAppointment Intent = "reschedule_appointment"
	IntentGeneralInquiry        Intent = "general_inquiry"
)

// Slot names in the order the engine asks for them.
const (
	SlotPatientName = "patient_name"
	SlotProvider    = "provider"
	SlotDate        = "date"
	SlotTime        = "time"
	SlotReason      = "reason"
)

var intentAliases = map[string]Intent{
	"book_appointment":       IntentBookAppointment,
	"agendar_cita":           IntentBookAppointment,
	"cancel_appointment":     IntentCancelAppointment,
	"cancelar_cita":          IntentCancelAppointment,
	"reschedule_appointment": IntentRescheduleAppointment,
	"reprogramar_cita":       IntentRescheduleAppointment,
	"general_inquiry":        IntentGeneralInquiry,
	"consulta_general":       IntentGeneralInquiry,
}

var slotAliases = map[string]string{
	SlotPatientName:   SlotPatientName,
	"nombre_paciente": SlotPatientName,
	"nombre":          SlotPatientName,
	SlotProvider:      SlotProvider,
	"doctor":          SlotProvider,
	SlotDate:          SlotDate,
	"fecha":           SlotDate,
	SlotTime:          SlotTime,
	"hora":            SlotTime,
	SlotReason:        SlotReason,
	"motivo":          SlotReason,
}

// Extraction is the structured result of classifying one message. A nil
// entity value means the model reported null for that slot.
type Extraction struct {
	Intent   Intent
	Entities map[string]*string
}

// HasEntities reports whether any slot carries a usable value.
func (e Extraction) HasEntities() bool {
	for _, v := range e.Entities {
		if usableValue(v) {
			return true
		}
	}
	return false
}

// Extractor classifies a message into an intent plus slot entities. It never
// fails; upstream problems degrade to general_inquiry.
type Extractor interface {
	Extract(ctx context.Context, message string) Extraction
}

const extractionSystemPrompt = "Eres un asistente que extrae intenciones y entidades de mensajes. Responde SOLO con JSON válido."

const extractionPromptTemplate = `Analiza el siguiente mensaje del usuario y determina su intención principal.

Mensaje: %q

Responde SOLO con un JSON válido en este formato:
{
    "intencion": "agendar_cita" | "cancelar_cita" | "reprogramar_cita" | "consulta_general",
    "entidades": {
        "nombre_paciente": "nombre si lo menciona o null",
        "doctor": "nombre del doctor si lo menciona o null",
        "fecha": "fecha como la menciona el usuario (por ejemplo mañana, lunes o YYYY-MM-DD) o null",
        "hora": "hora como la menciona el usuario (por ejemplo 3pm o HH:MM) o null",
        "motivo": "motivo de la cita si lo menciona o null"
    }
}

Ejemplos:
- "Quiero agendar una cita" -> {"intencion": "agendar_cita", "entidades": {}}
- "Necesito cancelar mi cita del martes" -> {"intencion": "cancelar_cita", "entidades": {}}
- "Hola, soy Juan y quiero una cita con el Dr. Pérez para mañana a las 3pm" -> {"intencion": "agendar_cita", "entidades": {"nombre_paciente": "Juan", "doctor": "Dr. Pérez", "fecha": "mañana", "hora": "3pm"}}`

var errEmptyExtraction = errors.New("conversation: empty extraction response")

// LLMExtractor implements Extractor on top of an LLMClient.
type LLMExtractor struct {
	llm     LLMClient
	timeout time.Duration
	logger  *logging.Logger
	metrics *metrics.ConversationMetrics
}

// NewLLMExtractor builds an extractor bounded by the given per-call timeout.
func NewLLMExtractor(llm LLMClient, timeout time.Duration, m *metrics.ConversationMetrics, logger *logging.Logger) *LLMExtractor {
	if llm == nil {
		panic("conversation: llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LLMExtractor{llm: llm, timeout: timeout, logger: logger, metrics: m}
}

func (e *LLMExtractor) Extract(ctx context.Context, message string) Extraction {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	text, err := completeJSON(callCtx, e.llm, extractionSystemPrompt, fmt.Sprintf(extractionPromptTemplate, message), 300)
	if err != nil {
		reason := "llm_error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		e.metrics.ObserveExtractionFailure(reason)
		e.logger.Warn("entity extraction failed", "error", err)
		return fallbackExtraction()
	}

	extraction, err := parseExtraction(text)
	if err != nil {
		e.metrics.ObserveExtractionFailure("invalid_response")
		e.logger.Warn("entity extraction returned unusable payload", "error", err)
		return fallbackExtraction()
	}
	return extraction
}

func fallbackExtraction() Extraction {
	return Extraction{Intent: IntentGeneralInquiry, Entities: map[string]*string{}}
}

type extractionPayload struct {
	Intencion string         `json:"intencion"`
	Intent    string         `json:"intent"`
	Entidades map[string]any `json:"entidades"`
	Entities  map[string]any `json:"entities"`
}

// parseExtraction decodes the model answer, tolerating markdown fences and
// the Spanish labels used in the prompt.
func parseExtraction(raw string) (Extraction, error) {
	cleaned := stripCodeFences(raw)
	if cleaned == "" {
		return Extraction{}, errEmptyExtraction
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return Extraction{}, fmt.Errorf("conversation: decode extraction: %w", err)
	}

	label := payload.Intencion
	if label == "" {
		label = payload.Intent
	}
	intent, ok := intentAliases[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return Extraction{}, fmt.Errorf("conversation: unknown intent %q", label)
	}

	rawEntities := payload.Entidades
	if rawEntities == nil {
		rawEntities = payload.Entities
	}
	entities := make(map[string]*string, len(rawEntities))
	for key, value := range rawEntities {
		slot, ok := slotAliases[strings.ToLower(strings.TrimSpace(key))]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case nil:
			entities[slot] = nil
		case string:
			s := v
			entities[slot] = &s
		case float64, bool:
			s := fmt.Sprint(v)
			entities[slot] = &s
		}
	}
	return Extraction{Intent: intent, Entities: entities}, nil
}

func stripCodeFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)
	if start := strings.Index(cleaned, "{"); start > 0 {
		cleaned = cleaned[start:]
	}
	if end := strings.LastIndex(cleaned, "}"); end >= 0 && end < len(cleaned)-1 {
		cleaned = cleaned[:end+1]
	}
	return cleaned
}
