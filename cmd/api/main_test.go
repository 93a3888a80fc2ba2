package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"

	appconfig "github.com/oberoende/clinic-assistant/internal/config"
	"github.com/oberoende/clinic-assistant/internal/conversation"
	"github.com/oberoende/clinic-assistant/internal/notify"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

func TestSetupMetricsExposesMetrics(t *testing.T) {
	m := setupMetrics()
	if m.handler == nil || m.messaging == nil || m.conversation == nil || m.booking == nil {
		t.Fatalf("expected metrics to be initialized")
	}

	m.messaging.ObserveInbound("whatsapp", "ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatalf("expected runtime collectors to be exported")
	}
}

func TestConnectPostgresPoolEmptyURLReturnsNil(t *testing.T) {
	logger := logging.New("error")
	if pool := connectPostgresPool(context.Background(), "", logger); pool != nil {
		t.Fatalf("expected nil pool for empty URL")
	}
}

func TestSetupUsersRepositoryWithoutDatabase(t *testing.T) {
	repo, closeFn := setupUsersRepository("", logging.New("error"))
	defer closeFn()
	if repo == nil {
		t.Fatalf("expected in-memory repository")
	}
}

func TestSetupStateStoreMemory(t *testing.T) {
	store, err := setupStateStore(context.Background(), &appconfig.Config{StateStore: "memory"}, nil, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*conversation.MemoryStateStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestSetupStateStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &appconfig.Config{StateStore: "redis", RedisAddr: mr.Addr()}

	store, err := setupStateStore(context.Background(), cfg, nil, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*conversation.RedisStateStore); !ok {
		t.Fatalf("expected redis store, got %T", store)
	}
}

func TestSetupStateStoreRejectsUnknownOrMissingAWS(t *testing.T) {
	logger := logging.New("error")
	if _, err := setupStateStore(context.Background(), &appconfig.Config{StateStore: "etcd"}, nil, logger); err == nil {
		t.Fatalf("expected error for unknown store")
	}
	if _, err := setupStateStore(context.Background(), &appconfig.Config{StateStore: "dynamodb"}, nil, logger); err == nil {
		t.Fatalf("expected error for dynamodb without AWS config")
	}
}

func TestSetupLLMValidation(t *testing.T) {
	logger := logging.New("error")
	if _, err := setupLLM(context.Background(), &appconfig.Config{LLMProvider: "bedrock"}, nil, logger); err == nil {
		t.Fatalf("expected error for bedrock without AWS config")
	}
	if _, err := setupLLM(context.Background(), &appconfig.Config{LLMProvider: "gemini"}, nil, logger); err == nil {
		t.Fatalf("expected error for gemini without api key")
	}
	if _, err := setupLLM(context.Background(), &appconfig.Config{LLMProvider: "gpt"}, nil, logger); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestSetupLLMBedrockWithUnavailableFallback(t *testing.T) {
	awsCfg := aws.Config{Region: "us-east-1"}
	cfg := &appconfig.Config{LLMProvider: "bedrock", BedrockModelID: "anthropic.test", LLMFallback: "gemini"}

	llm, err := setupLLM(context.Background(), cfg, &awsCfg, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := llm.(*conversation.BedrockLLMClient); !ok {
		t.Fatalf("expected bare bedrock client when fallback cannot be built, got %T", llm)
	}
}

func TestNeedsAWS(t *testing.T) {
	if needsAWS(&appconfig.Config{LLMProvider: "gemini", StateStore: "memory", EmailProvider: "none"}) {
		t.Fatalf("expected no AWS for gemini/memory setup")
	}
	if !needsAWS(&appconfig.Config{StateStore: "dynamodb"}) {
		t.Fatalf("expected AWS for dynamodb state")
	}
	if !needsAWS(&appconfig.Config{ArchiveBucket: "bookings"}) {
		t.Fatalf("expected AWS for archive bucket")
	}
}

func TestSetupEmailSender(t *testing.T) {
	logger := logging.New("error")
	if sender := setupEmailSender(&appconfig.Config{EmailProvider: "sendgrid"}, nil, logger); sender != nil {
		t.Fatalf("expected no sender without api key, got %T", sender)
	}
	if sender := setupEmailSender(&appconfig.Config{EmailProvider: "ses"}, nil, logger); sender != nil {
		t.Fatalf("expected no sender without AWS config, got %T", sender)
	}
	if _, ok := setupEmailSender(&appconfig.Config{EmailProvider: "stub"}, nil, logger).(*notify.StubEmailSender); !ok {
		t.Fatalf("expected stub sender")
	}
}

func TestSetupBookingHooksRequiresStaffEmail(t *testing.T) {
	logger := logging.New("error")
	if hooks := setupBookingHooks(&appconfig.Config{EmailProvider: "stub"}, nil, logger); len(hooks) != 0 {
		t.Fatalf("expected no hooks without staff email, got %d", len(hooks))
	}
	hooks := setupBookingHooks(&appconfig.Config{EmailProvider: "stub", ClinicStaffEmail: "staff@clinic.test"}, nil, logger)
	if len(hooks) != 1 {
		t.Fatalf("expected notification hook, got %d", len(hooks))
	}
}
