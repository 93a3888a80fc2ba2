// Package main drives a running API through WhatsApp booking scenarios by
// posting signed Twilio webhooks and checking the staff appointments API.
//
// Usage:
//
//	API_BASE_URL=http://localhost:8080 TWILIO_WEBHOOK_SECRET=... ADMIN_JWT_SECRET=... go run ./scripts/e2e [scenario]
package main

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const clinicNumber = "whatsapp:+14155238886"

var (
	apiBase       string
	webhookSecret string
	adminToken    string
	clinicLoc     *time.Location
)

type scenario struct {
	Name string
	Fn   func(t *T)
}

// T collects pass/fail counts for one scenario.
type T struct {
	name   string
	passed int
	failed int
}

func (t *T) check(name string, ok bool) {
	if ok {
		fmt.Printf("    PASS: %s\n", name)
		t.passed++
		return
	}
	fmt.Printf("    FAIL: %s\n", name)
	t.failed++
}

func (t *T) fatalf(format string, args ...any) {
	fmt.Printf("    FATAL: "+format+"\n", args...)
	t.failed++
}

type webhookReply struct {
	Status  string `json:"status"`
	Sent    string `json:"mensaje_enviado"`
	Message string `json:"mensaje"`
}

func sign(fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(webhookSecret))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func sendWhatsApp(from, body string) (webhookReply, error) {
	endpoint := apiBase + "/whatsapp_webhook"
	form := url.Values{
		"MessageSid": {fmt.Sprintf("SM%d", time.Now().UnixNano())},
		"From":       {"whatsapp:" + from},
		"To":         {clinicNumber},
		"Body":       {body},
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return webhookReply{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if webhookSecret != "" {
		req.Header.Set("X-Twilio-Signature", sign(endpoint, form))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return webhookReply{}, err
	}
	defer resp.Body.Close()

	var out webhookReply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return webhookReply{}, fmt.Errorf("decode webhook reply (%d): %w", resp.StatusCode, err)
	}
	return out, nil
}

type appointment struct {
	ID          int64  `json:"id"`
	PatientName string `json:"patient_name"`
	Time        string `json:"time"`
	Status      string `json:"status"`
}

func appointmentsOn(date string) ([]appointment, error) {
	req, err := http.NewRequest(http.MethodGet, apiBase+"/appointments/?date="+url.QueryEscape(date), nil)
	if err != nil {
		return nil, err
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list appointments returned %d", resp.StatusCode)
	}
	var out struct {
		Appointments []appointment `json:"appointments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Appointments, nil
}

// testPhone gives every scenario run its own identity so state never leaks
// between runs.
func testPhone() string {
	return fmt.Sprintf("+1500555%04d", time.Now().UnixNano()%10000)
}

func scenarioHappyPath(t *T) {
	phone := testPhone()
	reply, err := sendWhatsApp(phone, "Quiero una cita con el Dr. García mañana a las 4pm")
	if err != nil {
		t.fatalf("first message: %v", err)
		return
	}
	t.check("asks for the patient name", strings.Contains(strings.ToLower(reply.Sent), "nombre"))

	reply, err = sendWhatsApp(phone, "Ana Torres")
	if err != nil {
		t.fatalf("second message: %v", err)
		return
	}
	t.check("confirms the booking", strings.Contains(reply.Sent, "Cita agendada"))

	tomorrow := time.Now().In(clinicLoc).AddDate(0, 0, 1).Format("2006-01-02")
	list, err := appointmentsOn(tomorrow)
	if err != nil {
		t.fatalf("list appointments: %v", err)
		return
	}
	found := false
	for _, a := range list {
		if a.PatientName == "Ana Torres" && strings.HasPrefix(a.Time, "16:00") {
			found = true
		}
	}
	t.check("appointment stored for tomorrow 16:00", found)
}

func scenarioInquiry(t *T) {
	reply, err := sendWhatsApp(testPhone(), "¿Cuál es el horario de atención?")
	if err != nil {
		t.fatalf("inquiry: %v", err)
		return
	}
	t.check("webhook ok", reply.Status == "ok")
	t.check("answer is not empty", strings.TrimSpace(reply.Sent) != "")
}

func scenarioCancelRequest(t *T) {
	reply, err := sendWhatsApp(testPhone(), "Quiero cancelar mi cita")
	if err != nil {
		t.fatalf("cancel: %v", err)
		return
	}
	t.check("redirects cancellations to the clinic", strings.Contains(strings.ToLower(reply.Sent), "cancel"))
}

func scenarioAbandon(t *T) {
	phone := testPhone()
	if _, err := sendWhatsApp(phone, "Necesito una cita para el lunes"); err != nil {
		t.fatalf("start: %v", err)
		return
	}
	reply, err := sendWhatsApp(phone, "cancelar")
	if err != nil {
		t.fatalf("abandon: %v", err)
		return
	}
	t.check("booking flow abandoned", strings.Contains(reply.Sent, "cancelé"))
}

func mintAdminToken(secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "e2e",
		"role": "lectura",
		"exp":  time.Now().Add(15 * time.Minute).Unix(),
	})
	return token.SignedString([]byte(secret))
}

func main() {
	apiBase = strings.TrimRight(os.Getenv("API_BASE_URL"), "/")
	if apiBase == "" {
		apiBase = "http://localhost:8080"
	}
	webhookSecret = os.Getenv("TWILIO_WEBHOOK_SECRET")

	loc, err := time.LoadLocation(os.Getenv("CLINIC_TIMEZONE"))
	if err != nil || os.Getenv("CLINIC_TIMEZONE") == "" {
		loc, _ = time.LoadLocation("America/Lima")
	}
	clinicLoc = loc

	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		if adminToken, err = mintAdminToken(secret); err != nil {
			fmt.Fprintf(os.Stderr, "mint admin token: %v\n", err)
			os.Exit(1)
		}
	}

	scenarios := []scenario{
		{Name: "happy-path", Fn: scenarioHappyPath},
		{Name: "inquiry", Fn: scenarioInquiry},
		{Name: "cancel-request", Fn: scenarioCancelRequest},
		{Name: "abandon", Fn: scenarioAbandon},
	}

	only := ""
	if len(os.Args) > 1 {
		only = os.Args[1]
	}

	totalPassed, totalFailed := 0, 0
	for _, sc := range scenarios {
		if only != "" && sc.Name != only {
			continue
		}
		fmt.Printf("== %s\n", sc.Name)
		t := &T{name: sc.Name}
		sc.Fn(t)
		totalPassed += t.passed
		totalFailed += t.failed
	}

	fmt.Printf("\n%d passed, %d failed\n", totalPassed, totalFailed)
	if totalFailed > 0 {
		os.Exit(1)
	}
}
