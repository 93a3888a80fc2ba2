package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	// Conversation state
	StateStore             string
	StateTTL               time.Duration
	RedisAddr              string
	RedisPassword          string
	RedisTLS               bool
	ConversationStateTable string

	// Language model
	LLMProvider    string
	LLMFallback    string
	GeminiAPIKey   string
	GeminiModel    string
	BedrockModelID string
	LLMTimeout     time.Duration

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Twilio WhatsApp
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWebhookSecret  string
	TwilioWhatsAppNumber string

	// Clinic
	ClinicName       string
	ClinicTimezone   string
	ClinicStaffEmail string

	// Booking flow
	AskReason           bool
	AppointmentDuration int

	AdminJWTSecret     string
	CORSAllowedOrigins []string

	// Staff email notifications
	EmailProvider  string
	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string

	ArchiveBucket string

	WebhookRatePerSec float64
	WebhookRateBurst  int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		StateStore:             strings.ToLower(strings.TrimSpace(getEnv("STATE_STORE", "memory"))),
		StateTTL:               getEnvAsDuration("STATE_TTL", 24*time.Hour),
		RedisAddr:              getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisTLS:               getEnvAsBool("REDIS_TLS", false),
		ConversationStateTable: getEnv("CONVERSATION_STATE_TABLE", "conversation_state"),

		LLMProvider:    strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "gemini"))),
		LLMFallback:    strings.ToLower(strings.TrimSpace(getEnv("LLM_FALLBACK_PROVIDER", ""))),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		LLMTimeout:     getEnvAsDuration("LLM_TIMEOUT", 20*time.Second),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		TwilioAccountSID:     getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:      getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWebhookSecret:  getEnv("TWILIO_WEBHOOK_SECRET", ""),
		TwilioWhatsAppNumber: getEnv("TWILIO_WHATSAPP_NUMBER", ""),

		ClinicName:       getEnv("CLINIC_NAME", "Clínica Dental Sonrisa Saludable"),
		ClinicTimezone:   getEnv("CLINIC_TIMEZONE", "America/Lima"),
		ClinicStaffEmail: getEnv("CLINIC_STAFF_EMAIL", ""),

		AskReason:           getEnvAsBool("ASK_REASON", false),
		AppointmentDuration: getEnvAsInt("APPOINTMENT_DURATION_MIN", 30),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),

		EmailProvider:  strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "none"))),
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:      getEnv("EMAIL_FROM", ""),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "Asistente de Citas"),

		ArchiveBucket: getEnv("ARCHIVE_BUCKET", ""),

		WebhookRatePerSec: getEnvAsFloat("WEBHOOK_RATE_PER_SEC", 5),
		WebhookRateBurst:  getEnvAsInt("WEBHOOK_RATE_BURST", 20),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
