package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// InquiryResponder answers messages that are not part of a booking flow.
type InquiryResponder interface {
	Answer(ctx context.Context, question, greeting string) (string, error)
}

const inquiryTopK = 3

const guardedReply = "Puedo ayudarte a agendar una cita o resolver dudas sobre nuestros servicios dentales. ¿En qué te ayudo?"

// LLMInquiryResponder grounds answers on the clinic knowledge base.
type LLMInquiryResponder struct {
	llm        LLMClient
	kb         *KnowledgeBase
	clinicName string
	timeout    time.Duration
	logger     *logging.Logger
}

func NewLLMInquiryResponder(llm LLMClient, kb *KnowledgeBase, clinicName string, timeout time.Duration, logger *logging.Logger) *LLMInquiryResponder {
	if llm == nil {
		panic("conversation: llm client cannot be nil")
	}
	if kb == nil {
		kb = NewKnowledgeBase(DefaultClinicKnowledge)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LLMInquiryResponder{llm: llm, kb: kb, clinicName: clinicName, timeout: timeout, logger: logger}
}

func (r *LLMInquiryResponder) Answer(ctx context.Context, question, greeting string) (string, error) {
	scan := ScanInbound(question)
	if scan.Blocked {
		r.logger.Warn("inquiry blocked by prompt guard", "score", scan.Score, "reasons", scan.Reasons)
		return guardedReply, nil
	}
	question = scan.Sanitized

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snippets := r.kb.Retrieve(question, inquiryTopK)
	r.logger.Debug("inquiry context retrieved", "snippets", len(snippets))

	var instruction strings.Builder
	if greeting != "" {
		fmt.Fprintf(&instruction, "Si corresponde, saluda al usuario con esta expresión: %s\n", greeting)
	}
	fmt.Fprintf(&instruction, "Actúa como el asistente de %s. Responde de forma amable y profesional, en un solo párrafo claro, usando solo la información de referencia. Si no está en la referencia, invita al paciente a llamar a la clínica.", r.clinicName)

	prompt := fmt.Sprintf("Instrucción al asistente:\n%s\n\nInformación de referencia:\n%s\n\nConsulta del usuario: %s\n\nTu respuesta:",
		instruction.String(), strings.Join(snippets, "\n---\n"), question)

	system := fmt.Sprintf("Eres el asistente virtual de %s.", r.clinicName)
	answer, err := completeText(ctx, r.llm, system, prompt, 300)
	if err != nil {
		return "", fmt.Errorf("conversation: inquiry answer: %w", err)
	}
	if out := ScanOutbound(answer); out.Blocked {
		r.logger.Warn("inquiry answer withheld", "reasons", out.Reasons)
		return noInformationReply, nil
	}
	return answer, nil
}
