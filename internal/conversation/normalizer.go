package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oberoende/clinic-assistant/pkg/logging"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// DateResolver resolves free-form date phrases that the deterministic rules
// do not recognise. today is the clinic-local anchor date.
type DateResolver interface {
	ResolveDate(ctx context.Context, text, referenceMessage string, today time.Time) (string, error)
}

// DateResolverFunc adapts a function to DateResolver.
type DateResolverFunc func(ctx context.Context, text, referenceMessage string, today time.Time) (string, error)

func (f DateResolverFunc) ResolveDate(ctx context.Context, text, referenceMessage string, today time.Time) (string, error) {
	return f(ctx, text, referenceMessage, today)
}

// Normalizer converts natural-language date and time expressions into
// canonical YYYY-MM-DD and HH:MM values.
type Normalizer struct {
	now      func() time.Time
	loc      *time.Location
	resolver DateResolver
	logger   *logging.Logger
}

// NewNormalizer builds a normalizer anchored to the clinic timezone. A nil
// clock uses time.Now; a nil resolver disables free-form date resolution.
func NewNormalizer(now func() time.Time, loc *time.Location, resolver DateResolver, logger *logging.Logger) *Normalizer {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Normalizer{now: now, loc: loc, resolver: resolver, logger: logger}
}

// Today returns the clinic-local date at midnight.
func (n *Normalizer) Today() time.Time {
	return startOfDay(n.now().In(n.loc))
}

var (
	isoDatePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	slashDatePattern = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
)

var relativeDays = map[string]int{
	"hoy":                0,
	"today":              0,
	"mañana":             1,
	"manana":             1,
	"tomorrow":           1,
	"pasado mañana":      2,
	"pasado manana":      2,
	"day after tomorrow": 2,
}

var weekdayNames = map[string]time.Weekday{
	"domingo":   time.Sunday,
	"lunes":     time.Monday,
	"martes":    time.Tuesday,
	"miércoles": time.Wednesday,
	"miercoles": time.Wednesday,
	"jueves":    time.Thursday,
	"viernes":   time.Friday,
	"sábado":    time.Saturday,
	"sabado":    time.Saturday,
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var datePhrasePrefixes = []string{"para el ", "para ", "el ", "este ", "esta ", "próximo ", "proximo ", "next ", "on "}

// NormalizeDate maps text to YYYY-MM-DD. It returns ok=false when no
// confident mapping exists.
func (n *Normalizer) NormalizeDate(ctx context.Context, text, referenceMessage string) (string, bool) {
	phrase := strings.ToLower(strings.TrimSpace(text))
	phrase = strings.TrimRight(phrase, ".!?")
	if phrase == "" {
		return "", false
	}

	if isoDatePattern.MatchString(phrase) {
		if _, err := time.Parse(dateLayout, phrase); err == nil {
			return phrase, true
		}
		return "", false
	}

	today := n.Today()
	trimmed := phrase
	for _, prefix := range datePhrasePrefixes {
		trimmed = strings.TrimPrefix(trimmed, prefix)
	}

	if days, ok := relativeDays[trimmed]; ok {
		return today.AddDate(0, 0, days).Format(dateLayout), true
	}
	if weekday, ok := weekdayNames[trimmed]; ok {
		return nextWeekday(today, weekday).Format(dateLayout), true
	}
	if m := slashDatePattern.FindStringSubmatch(trimmed); m != nil {
		if parsed, err := time.Parse("2/1/2006", fmt.Sprintf("%s/%s/%s", m[1], m[2], m[3])); err == nil {
			return parsed.Format(dateLayout), true
		}
		return "", false
	}

	if n.resolver == nil {
		return "", false
	}
	resolved, err := n.resolver.ResolveDate(ctx, text, referenceMessage, today)
	if err != nil {
		n.logger.Warn("date resolution failed", "text", text, "error", err)
		return "", false
	}
	resolved = strings.TrimSpace(resolved)
	if !isoDatePattern.MatchString(resolved) {
		return "", false
	}
	if _, err := time.Parse(dateLayout, resolved); err != nil {
		return "", false
	}
	return resolved, true
}

// nextWeekday returns the next occurrence of weekday strictly after today.
func nextWeekday(today time.Time, weekday time.Weekday) time.Time {
	delta := (int(weekday) - int(today.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return today.AddDate(0, 0, delta)
}

type timePattern struct {
	re      *regexp.Regexp
	convert func(hour, minute int) (int, int)
}

// Ordered; the first pattern producing a valid wall-clock time wins.
var timePatterns = []timePattern{
	{
		re: regexp.MustCompile(`(\d{1,2})(?::(\d{2}))?\s*(?:p\.?\s?m\.?|(?:de la |en la |por la )?(?:tarde|noche))`),
		convert: func(h, m int) (int, int) {
			if h < 12 {
				h += 12
			}
			return h, m
		},
	},
	{
		re: regexp.MustCompile(`(\d{1,2})(?::(\d{2}))?\s*(?:a\.?\s?m\.?|(?:de la |en la |por la )?ma(?:ñ|n)ana)`),
		convert: func(h, m int) (int, int) {
			if h == 12 {
				h = 0
			}
			return h, m
		},
	},
	{
		re:      regexp.MustCompile(`(\d{1,2}):(\d{2})(?::\d{2})?`),
		convert: func(h, m int) (int, int) { return h, m },
	},
	{
		re:      regexp.MustCompile(`(\d{1,2})\s*h(?:s|rs|oras)?\b`),
		convert: func(h, m int) (int, int) { return h, m },
	},
}

// NormalizeTime maps spoken or written times to 24h HH:MM.
func NormalizeTime(text string) (string, bool) {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return "", false
	}
	for _, p := range timePatterns {
		m := p.re.FindStringSubmatch(lowered)
		if m == nil {
			continue
		}
		hour, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		minute := 0
		if len(m) > 2 && m[2] != "" {
			if minute, err = strconv.Atoi(m[2]); err != nil {
				continue
			}
		}
		hour, minute = p.convert(hour, minute)
		candidate := fmt.Sprintf("%02d:%02d", hour, minute)
		if _, err := time.Parse(timeLayout, candidate); err != nil {
			continue
		}
		return candidate, true
	}
	return "", false
}

// NormalizeTime is the method form used by the engine.
func (n *Normalizer) NormalizeTime(text string) (string, bool) {
	return NormalizeTime(text)
}

const dateResolverSystemPrompt = "Convierte fechas a formato YYYY-MM-DD."

// LLMDateResolver resolves free-form dates through the language model.
type LLMDateResolver struct {
	llm     LLMClient
	timeout time.Duration
}

func NewLLMDateResolver(llm LLMClient, timeout time.Duration) *LLMDateResolver {
	if llm == nil {
		panic("conversation: llm client cannot be nil")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &LLMDateResolver{llm: llm, timeout: timeout}
}

func (r *LLMDateResolver) ResolveDate(ctx context.Context, text, referenceMessage string, today time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prompt := fmt.Sprintf(`Convierte la siguiente referencia de fecha al formato YYYY-MM-DD.
Hoy es %s (%s).

Fecha mencionada: %q
Contexto: %q

Responde SOLO con la fecha en formato YYYY-MM-DD o "invalido" si no se puede determinar.
Ejemplos:
- "hoy" -> %s
- "mañana" -> %s
- "lunes" -> (el próximo lunes)`,
		today.Format(dateLayout), spanishWeekday(today.Weekday()),
		text, referenceMessage,
		today.Format(dateLayout), today.AddDate(0, 0, 1).Format(dateLayout))

	answer, err := completeText(ctx, r.llm, dateResolverSystemPrompt, prompt, 50)
	if err != nil {
		return "", fmt.Errorf("conversation: resolve date: %w", err)
	}
	return strings.Trim(strings.TrimSpace(answer), `"`), nil
}
