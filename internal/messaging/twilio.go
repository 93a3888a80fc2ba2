package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// ValidateTwilioSignature reports whether the X-Twilio-Signature header
// matches webhookURL and the POST form. Twilio is inconsistent about
// including the default port in the signed URL, so both spellings are
// accepted.
func ValidateTwilioSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get(twilioSignatureHeader)
	if signature == "" || authToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	for _, candidate := range signedURLVariants(webhookURL) {
		expected := computeSignature(buildSignaturePayload(candidate, r.PostForm), authToken)
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return true
		}
	}
	return false
}

// buildSignaturePayload is the URL followed by every POST key/value pair in
// key order.
func buildSignaturePayload(rawURL string, params url.Values) string {
	var b strings.Builder
	b.WriteString(rawURL)
	for _, key := range slices.Sorted(maps.Keys(params)) {
		for _, value := range params[key] {
			b.WriteString(key)
			b.WriteString(value)
		}
	}
	return b.String()
}

func computeSignature(data, key string) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedURLVariants(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return []string{rawURL}
	}
	defaultPort := map[string]string{"http": "80", "https": "443"}[u.Scheme]
	if defaultPort == "" {
		return []string{rawURL}
	}

	alt := *u
	if host, port, err := net.SplitHostPort(u.Host); err == nil {
		if port != defaultPort {
			return []string{rawURL}
		}
		alt.Host = host
	} else {
		alt.Host = net.JoinHostPort(u.Host, defaultPort)
	}
	return []string{rawURL, alt.String()}
}

// signedURL is the URL Twilio called. A configured public base URL wins over
// the request's own view of scheme and host, which is wrong behind most load
// balancers.
func signedURL(r *http.Request, publicBaseURL string) string {
	if base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	if r.URL.Scheme != "" && r.URL.Host != "" {
		return r.URL.String()
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}

// TwilioWebhookRequest is an inbound WhatsApp message. From and To keep the
// raw "whatsapp:" addressing.
type TwilioWebhookRequest struct {
	MessageSid  string
	AccountSid  string
	From        string
	To          string
	Body        string
	ProfileName string
	NumMedia    int
}

// ParseTwilioWebhook parses the form-encoded webhook body.
func ParseTwilioWebhook(r *http.Request) (*TwilioWebhookRequest, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("messaging: parse form: %w", err)
	}
	numMedia, _ := strconv.Atoi(r.PostFormValue("NumMedia"))
	return &TwilioWebhookRequest{
		MessageSid:  r.PostFormValue("MessageSid"),
		AccountSid:  r.PostFormValue("AccountSid"),
		From:        strings.TrimSpace(r.PostFormValue("From")),
		To:          strings.TrimSpace(r.PostFormValue("To")),
		Body:        strings.TrimSpace(r.PostFormValue("Body")),
		ProfileName: strings.TrimSpace(r.PostFormValue("ProfileName")),
		NumMedia:    numMedia,
	}, nil
}
