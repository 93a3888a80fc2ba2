package messaging

import (
	"regexp"
	"strings"
)

const whatsappPrefix = "whatsapp:"

var phoneDigitsRe = regexp.MustCompile(`\d+`)

// NormalizeE164 ensures the value begins with + and only contains digits
// afterward. A "whatsapp:" channel prefix is dropped.
func NormalizeE164(value string) string {
	value = StripWhatsAppPrefix(value)
	if value == "" {
		return ""
	}
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// WhatsAppAddress formats a number the way the Twilio WhatsApp channel expects.
func WhatsAppAddress(number string) string {
	normalized := NormalizeE164(number)
	if normalized == "" {
		return ""
	}
	return whatsappPrefix + normalized
}

// StripWhatsAppPrefix removes the channel prefix, case-insensitively.
func StripWhatsAppPrefix(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= len(whatsappPrefix) && strings.EqualFold(value[:len(whatsappPrefix)], whatsappPrefix) {
		value = value[len(whatsappPrefix):]
	}
	return strings.TrimSpace(value)
}

func sanitizePhone(value string) string {
	if value == "" {
		return ""
	}
	return strings.Join(phoneDigitsRe.FindAllString(value, -1), "")
}
