package conversation

import (
	"regexp"
	"strings"
)

// GuardResult is the outcome of scanning text on its way into or out of the
// language model.
type GuardResult struct {
	Blocked   bool
	Score     float64
	Reasons   []string
	Sanitized string
}

type guardPattern struct {
	re     *regexp.Regexp
	reason string
	weight float64
}

const guardBlockThreshold = 0.7

// Patients write in Spanish; the English forms still show up in copy-pasted
// jailbreaks.
var inboundGuardPatterns = []guardPattern{
	{regexp.MustCompile(`(?i)ignor(a|e|ar)\s+(todas?\s+)?(las\s+)?(instrucciones|reglas)\s+(anteriores|previas)`), "injection:ignore_instructions", 0.9},
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|rules?|prompts?)`), "injection:ignore_instructions", 0.9},
	{regexp.MustCompile(`(?i)olvida\s+(todas?\s+)?(tus|las)\s+(instrucciones|reglas)`), "injection:forget_instructions", 0.9},
	{regexp.MustCompile(`(?i)(ahora\s+eres|you\s+are\s+now)\s+(un|una|a|an|my|mi)\s+`), "injection:role_reassignment", 0.7},
	{regexp.MustCompile(`(?i)(mu[eé]strame|revela|dime|reveal|show|print)\s+(tu|tus|el|your)\s+(prompt|instrucciones|system\s+prompt|instructions)`), "exfiltration:system_prompt", 0.8},
	{regexp.MustCompile(`(?i)(lista|dame|muestra|list|show|give)\s+(me\s+)?(los\s+|las\s+|all\s+)?(datos|citas|n[uú]meros|nombres|data|appointments)\s+(de\s+)?(otros|other)\s+(pacientes|patients)`), "exfiltration:patient_data", 0.8},
	{regexp.MustCompile(`(?i)jailbreak|DAN\s*mode|developer\s*mode|modo\s+desarrollador`), "injection:jailbreak_keyword", 0.9},
	{regexp.MustCompile(`(?i)\[/?INST\]|<\|im_start\|>|<\|im_end\|>|<\|system\|>`), "context:special_tokens", 0.9},
	{regexp.MustCompile(`(?i)###\s*(system|sistema|instruction|instrucci[oó]n|assistant|asistente)\s*:`), "context:role_markers", 0.7},
	{regexp.MustCompile(`<\s*(script|iframe|object|embed)\b`), "obfuscation:html_injection", 0.6},
}

var (
	specialTokenRe = regexp.MustCompile(`(?i)\[/?INST\]|<\|im_start\|>|<\|im_end\|>|<\|system\|>`)
	roleMarkerRe   = regexp.MustCompile(`(?i)###\s*(system|sistema|instruction|instrucci[oó]n|assistant|asistente)\s*:`)
	htmlTagRe      = regexp.MustCompile(`<\s*(script|iframe|object|embed)\b[^>]*>`)
)

// ScanInbound scores a patient message for prompt injection. Scores below the
// block threshold still get special tokens and role markers stripped.
func ScanInbound(message string) GuardResult {
	if strings.TrimSpace(message) == "" {
		return GuardResult{Sanitized: message}
	}

	var reasons []string
	maxWeight := 0.0
	for _, p := range inboundGuardPatterns {
		if p.re.MatchString(message) {
			reasons = append(reasons, p.reason)
			if p.weight > maxWeight {
				maxWeight = p.weight
			}
		}
	}

	score := maxWeight
	if len(reasons) > 1 {
		score += float64(len(reasons)-1) * 0.1
		if score > 1.0 {
			score = 1.0
		}
	}

	return GuardResult{
		Blocked:   score >= guardBlockThreshold,
		Score:     score,
		Reasons:   reasons,
		Sanitized: sanitizeInbound(message),
	}
}

func sanitizeInbound(message string) string {
	cleaned := specialTokenRe.ReplaceAllString(message, "")
	cleaned = roleMarkerRe.ReplaceAllString(cleaned, "")
	cleaned = htmlTagRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

var outboundLeakPatterns = []guardPattern{
	{regexp.MustCompile(`(?i)(mis\s+instrucciones|my\s+instructions?)\s+(son|dicen|indican|are|say)`), "leak:instructions", 1},
	{regexp.MustCompile(`(?i)(mi\s+prompt|my\s+(system\s+)?prompt)\s+(es|dice|is|says)`), "leak:system_prompt", 1},
	{regexp.MustCompile(`(?i)(api[_\s]?key|secret[_\s]?key|access[_\s]?token|bearer\s+token)\s*[:=]\s*\S+`), "leak:credential", 1},
	{regexp.MustCompile(`AKIA[A-Z0-9]{16}`), "leak:aws_key", 1},
	{regexp.MustCompile(`(?i)(postgres|postgresql|redis)://\S+`), "leak:database_url", 1},
	{regexp.MustCompile(`(?i)(otros?\s+pacientes?|other\s+patients?)\s*:?\s*\+?\d{6,}`), "leak:other_patient", 1},
}

// ScanOutbound checks a generated answer before it is sent to a patient.
// Blocked answers must be replaced, never trimmed.
func ScanOutbound(reply string) GuardResult {
	var reasons []string
	for _, p := range outboundLeakPatterns {
		if p.re.MatchString(reply) {
			reasons = append(reasons, p.reason)
		}
	}
	if len(reasons) == 0 {
		return GuardResult{Sanitized: reply}
	}
	return GuardResult{Blocked: true, Score: 1, Reasons: reasons}
}
