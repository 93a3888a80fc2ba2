package conversation

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultClinicKnowledge seeds the inquiry responder for the demo clinic.
var DefaultClinicKnowledge = []string{
	"Limpieza dental: procedimiento de 45 minutos, requiere ayuno de 2 horas antes",
	"Extracción dental: procedimiento de 60 minutos, necesita radiografía previa",
	"Blanqueamiento dental: procedimiento de 90 minutos, evitar alimentos colorantes 24h antes",
	"Consulta de ortodoncia: 30 minutos, traer radiografías existentes si las tiene",
	"Empaste dental: 45 minutos, anestesia local, no comer hasta que pase el efecto",
	"Endodoncia: tratamiento de 90-120 minutos, puede requerir múltiples visitas",
	"Periodoncia: tratamiento de encías, 60 minutos por sesión",
	"Horario de atención: Lunes a Viernes 9:00-19:00, Sábados 9:00-13:00",
	"Ubicación: Clínica Dental Sonrisa Saludable, Av. Principal 123",
	"Emergencias dentales: atendemos el mismo día, llamar al +123456789",
	"Citas: se agendan por WhatsApp en bloques de 30 minutos entre las 9:00 y las 19:00",
}

var stopwords = map[string]struct{}{
	"a": {}, "al": {}, "de": {}, "del": {}, "el": {}, "la": {}, "las": {}, "los": {},
	"un": {}, "una": {}, "y": {}, "o": {}, "en": {}, "que": {}, "por": {}, "para": {},
	"con": {}, "se": {}, "es": {}, "mi": {}, "me": {}, "su": {}, "lo": {}, "le": {},
	"hay": {}, "cual": {}, "como": {}, "cuanto": {}, "tiene": {}, "tienen": {}, "hola": {},
}

var accentFolder = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n")

// KnowledgeBase ranks snippets by keyword overlap with a question.
type KnowledgeBase struct {
	docs   []string
	tokens []map[string]struct{}
}

func NewKnowledgeBase(docs []string) *KnowledgeBase {
	kb := &KnowledgeBase{}
	for _, d := range docs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		kb.docs = append(kb.docs, d)
		kb.tokens = append(kb.tokens, tokenSet(d))
	}
	return kb
}

// Retrieve returns up to k snippets, best match first. Ties keep corpus order.
func (kb *KnowledgeBase) Retrieve(question string, k int) []string {
	if kb == nil || len(kb.docs) == 0 || k <= 0 {
		return nil
	}
	query := tokenSet(question)

	type scored struct {
		idx   int
		score int
	}
	ranked := make([]scored, len(kb.docs))
	for i, doc := range kb.tokens {
		score := 0
		for tok := range query {
			if _, ok := doc[tok]; ok {
				score++
			}
		}
		ranked[i] = scored{idx: i, score: score}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, 0, k)
	for _, r := range ranked[:k] {
		out = append(out, kb.docs[r.idx])
	}
	return out
}

func tokenSet(text string) map[string]struct{} {
	folded := accentFolder.Replace(strings.ToLower(text))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}
