package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/oberoende/clinic-assistant/cmd/mainconfig"
	"github.com/oberoende/clinic-assistant/internal/api/router"
	"github.com/oberoende/clinic-assistant/internal/appointments"
	"github.com/oberoende/clinic-assistant/internal/archive"
	appconfig "github.com/oberoende/clinic-assistant/internal/config"
	"github.com/oberoende/clinic-assistant/internal/conversation"
	"github.com/oberoende/clinic-assistant/internal/messaging"
	"github.com/oberoende/clinic-assistant/internal/notify"
	"github.com/oberoende/clinic-assistant/internal/observability/metrics"
	"github.com/oberoende/clinic-assistant/internal/scheduler"
	"github.com/oberoende/clinic-assistant/internal/users"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

type appMetrics struct {
	handler      http.Handler
	messaging    *metrics.MessagingMetrics
	conversation *metrics.ConversationMetrics
	booking      *metrics.BookingMetrics
}

func main() {
	// .env is optional outside local development
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic assistant API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"clinic", cfg.ClinicName,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := setupMetrics()

	var awsCfg *aws.Config
	if needsAWS(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	llm, err := setupLLM(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to initialize language model", "provider", cfg.LLMProvider, "error", err)
		os.Exit(1)
	}

	stateStore, err := setupStateStore(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to initialize conversation state store", "store", cfg.StateStore, "error", err)
		os.Exit(1)
	}

	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool != nil {
		defer pool.Close()
	}

	usersRepo, closeUsers := setupUsersRepository(cfg.DatabaseURL, logger)
	defer closeUsers()
	usersService := users.NewService(usersRepo, logger)

	loc := conversation.ClinicLocation(cfg.ClinicTimezone)

	hooks := setupBookingHooks(cfg, awsCfg, logger)
	var apptRepo appointments.Repository = appointments.NewInMemoryRepository()
	if pool != nil {
		apptRepo = appointments.NewPostgresRepository(pool)
	}
	apptService := appointments.NewService(apptRepo, logger,
		appointments.WithClock(time.Now, loc),
		appointments.WithBookingHooks(hooks...),
		appointments.WithMetrics(m.booking),
	)

	normalizer := conversation.NewNormalizer(time.Now, loc, conversation.NewLLMDateResolver(llm, cfg.LLMTimeout), logger)
	extractor := conversation.NewLLMExtractor(llm, cfg.LLMTimeout, m.conversation, logger)
	knowledge := conversation.NewKnowledgeBase(conversation.DefaultClinicKnowledge)
	inquiry := conversation.NewLLMInquiryResponder(llm, knowledge, cfg.ClinicName, cfg.LLMTimeout, logger)
	engine := conversation.NewEngine(stateStore, extractor, normalizer, apptService, logger,
		conversation.WithInquiryResponder(inquiry),
		conversation.WithReasonPrompt(cfg.AskReason),
		conversation.WithConversationMetrics(m.conversation),
		conversation.WithAppointmentDuration(cfg.AppointmentDuration),
	)

	messenger, provider, reason := messaging.BuildReplyMessenger(messaging.ProviderSelectionConfig{
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioFromNumber: cfg.TwilioWhatsAppNumber,
		RequireDelivery:  strings.EqualFold(cfg.Env, "production"),
	}, m.messaging, logger)
	if messenger == nil {
		logger.Error("no outbound messenger available", "reason", reason)
		os.Exit(1)
	}
	logger.Info("outbound messenger selected", "provider", provider, "reason", reason)

	var processed scheduler.ProcessedStore = scheduler.NewMemoryProcessedStore()
	if pool != nil {
		processed = scheduler.NewPostgresProcessedStore(pool)
	}

	routerCfg := &router.Config{
		Logger:              logger,
		MessagingHandler:    messaging.NewHandler(cfg.TwilioWebhookSecret, engine, usersService, messenger, m.messaging, logger).WithPublicBaseURL(cfg.PublicBaseURL),
		SchedulerHandler:    scheduler.NewHandler(messenger, processed, m.messaging, logger),
		AppointmentsHandler: appointments.NewHandler(apptService, logger),
		UsersHandler:        users.NewHandler(usersService, logger),
		MetricsHandler:      m.handler,
		AdminAuthSecret:     cfg.AdminJWTSecret,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		WebhookRatePerSec:   cfg.WebhookRatePerSec,
		WebhookRateBurst:    cfg.WebhookRateBurst,
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func setupMetrics() appMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return appMetrics{
		handler:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		messaging:    metrics.NewMessagingMetrics(reg),
		conversation: metrics.NewConversationMetrics(reg),
		booking:      metrics.NewBookingMetrics(reg),
	}
}

func needsAWS(cfg *appconfig.Config) bool {
	return cfg.LLMProvider == "bedrock" ||
		cfg.LLMFallback == "bedrock" ||
		cfg.StateStore == "dynamodb" ||
		cfg.EmailProvider == "ses" ||
		strings.TrimSpace(cfg.ArchiveBucket) != ""
}

func setupLLM(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (conversation.LLMClient, error) {
	primary, err := buildLLM(ctx, cfg.LLMProvider, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	if cfg.LLMFallback == "" || cfg.LLMFallback == cfg.LLMProvider {
		return primary, nil
	}
	fallback, err := buildLLM(ctx, cfg.LLMFallback, cfg, awsCfg)
	if err != nil {
		logger.Warn("llm fallback unavailable", "provider", cfg.LLMFallback, "error", err)
		return primary, nil
	}
	logger.Info("llm fallback enabled", "primary", cfg.LLMProvider, "fallback", cfg.LLMFallback)
	return conversation.NewFallbackLLMClient(primary, fallback, logger), nil
}

func buildLLM(ctx context.Context, provider string, cfg *appconfig.Config, awsCfg *aws.Config) (conversation.LLMClient, error) {
	switch provider {
	case "bedrock":
		if awsCfg == nil {
			return nil, fmt.Errorf("bedrock requires AWS configuration")
		}
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, fmt.Errorf("BEDROCK_MODEL_ID is required")
		}
		return conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(*awsCfg), cfg.BedrockModelID), nil
	case "gemini", "":
		return conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

func setupStateStore(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (conversation.StateStore, error) {
	switch cfg.StateStore {
	case "redis":
		opts := &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("conversation state in redis", "addr", cfg.RedisAddr, "ttl", cfg.StateTTL)
		return conversation.NewRedisStateStore(client, cfg.StateTTL).WithLockTTL(conversation.LockTTLForTurn(cfg.LLMTimeout)), nil
	case "dynamodb":
		if awsCfg == nil {
			return nil, fmt.Errorf("dynamodb requires AWS configuration")
		}
		logger.Info("conversation state in dynamodb", "table", cfg.ConversationStateTable, "ttl", cfg.StateTTL)
		return conversation.NewDynamoStateStore(dynamodb.NewFromConfig(*awsCfg), cfg.ConversationStateTable, cfg.StateTTL, logger).WithLockTTL(conversation.LockTTLForTurn(cfg.LLMTimeout)), nil
	case "memory", "":
		logger.Warn("conversation state kept in memory; it is lost on restart")
		return conversation.NewMemoryStateStore(), nil
	default:
		return nil, fmt.Errorf("unknown state store %q", cfg.StateStore)
	}
}

func connectPostgresPool(ctx context.Context, dbURL string, logger *logging.Logger) *pgxpool.Pool {
	if strings.TrimSpace(dbURL) == "" {
		logger.Warn("DATABASE_URL not set; appointments are kept in memory")
		return nil
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("failed to reach postgres", "error", err)
		os.Exit(1)
	}
	return pool
}

// setupUsersRepository opens the patient directory over database/sql. The
// returned func closes the handle.
func setupUsersRepository(dbURL string, logger *logging.Logger) (users.Repository, func()) {
	if strings.TrimSpace(dbURL) == "" {
		return users.NewInMemoryRepository(), func() {}
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open users database", "error", err)
		os.Exit(1)
	}
	return users.NewSQLRepository(db), func() { _ = db.Close() }
}

func setupBookingHooks(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) []appointments.BookingHook {
	var hooks []appointments.BookingHook

	if email := setupEmailSender(cfg, awsCfg, logger); email != nil && strings.TrimSpace(cfg.ClinicStaffEmail) != "" {
		hooks = append(hooks, notify.NewService(email, cfg.ClinicStaffEmail, cfg.ClinicName, logger))
	}

	if bucket := strings.TrimSpace(cfg.ArchiveBucket); bucket != "" && awsCfg != nil {
		hooks = append(hooks, archive.NewStore(s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWSEndpointOverride != ""
		}), bucket, logger))
		logger.Info("booking archive enabled", "bucket", bucket)
	}

	return hooks
}

func setupEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	switch cfg.EmailProvider {
	case "sendgrid":
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger); sender != nil {
			return sender
		}
		logger.Warn("sendgrid selected without SENDGRID_API_KEY; staff emails disabled")
	case "ses":
		if awsCfg == nil {
			logger.Warn("ses selected without AWS configuration; staff emails disabled")
			return nil
		}
		if sender := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger); sender != nil {
			return sender
		}
	case "stub":
		return notify.NewStubEmailSender(logger)
	}
	return nil
}
