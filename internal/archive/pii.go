package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`(?i)(whatsapp:)?\+?\d[\d\s().\-]{6,}\d`)
	// Peruvian DNI, written with or without the label.
	dniRe = regexp.MustCompile(`(?i)\bDNI\s*:?\s*\d{8}\b`)
)

// HashPhone hashes the digits of a patient number so "whatsapp:+51 999..."
// and "+51999..." land on the same archive key. An empty number hashes to "".
func HashPhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(digits))
	return hex.EncodeToString(sum[:])
}

// ScrubPII masks emails, phone numbers and DNIs in free text such as the
// appointment reason. Names and doctor names are kept.
func ScrubPII(text string) string {
	text = dniRe.ReplaceAllString(text, "[DNI]")
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	text = phoneRe.ReplaceAllString(text, "[PHONE]")
	return text
}
