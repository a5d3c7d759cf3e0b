package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokligence/tokligence-relay/internal/config"
	"github.com/tokligence/tokligence-relay/internal/health"
	"github.com/tokligence/tokligence-relay/internal/hooks"
	"github.com/tokligence/tokligence-relay/internal/httpserver"
	"github.com/tokligence/tokligence-relay/internal/logging"
	"github.com/tokligence/tokligence-relay/internal/metrics"
	"github.com/tokligence/tokligence-relay/internal/persona"
	"github.com/tokligence/tokligence-relay/internal/processor"
	"github.com/tokligence/tokligence-relay/internal/provider"
	"github.com/tokligence/tokligence-relay/internal/ratelimit"
	"github.com/tokligence/tokligence-relay/internal/relay"
	"github.com/tokligence/tokligence-relay/internal/statushub"
	"github.com/tokligence/tokligence-relay/internal/store"
	"github.com/tokligence/tokligence-relay/internal/store/postgres"
	"github.com/tokligence/tokligence-relay/internal/store/sqlite"
	"github.com/tokligence/tokligence-relay/internal/transport"
	"github.com/tokligence/tokligence-relay/internal/version"
	"github.com/tokligence/tokligence-relay/internal/workerpool"
)

const maxLogFiles = 7

func main() {
	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logger, logCloser, err := logging.Setup("[relayd] ", cfg.LogFile, maxLogFiles)
	if err != nil {
		log.Fatalf("init log: %v", err)
	}
	defer logCloser.Close()
	log.SetOutput(logger.Writer())
	log.SetFlags(logger.Flags())
	log.SetPrefix("[relayd] ")
	componentLogger := func(name string) *log.Logger {
		return log.New(logger.Writer(), "[relayd/"+name+"] ", log.LstdFlags|log.Lmicroseconds)
	}
	logger.Printf("Tokligence Relay %s env=%s", version.FullInfo(), cfg.Environment)

	ctx := context.Background()
	db, err := openStore(cfg)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer db.Close()

	functions, err := persona.LoadFunctions(cfg.FunctionsFile)
	if err != nil {
		logger.Fatalf("load functions: %v", err)
	}
	if dir := strings.TrimSpace(cfg.PersonaImportDir); dir != "" {
		res, err := persona.NewImporter(db, functions, componentLogger("persona")).ImportDir(ctx, dir)
		if err != nil {
			logger.Fatalf("import personas: %v", err)
		}
		logger.Printf("personas imported=%d skipped=%d dir=%s", len(res.Imported), len(res.Skipped), dir)
	}
	personas, err := persona.NewService(persona.Config{
		Store:        db,
		Functions:    functions,
		DefaultModel: cfg.DefaultModel,
		CacheTTL:     cfg.PersonaCacheTTL,
	})
	if err != nil {
		logger.Fatalf("persona service: %v", err)
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		logger.Fatalf("provider registry: %v", err)
	}

	var hookDispatcher *hooks.Dispatcher
	if handler := cfg.Hooks.BuildScriptHandler(); handler != nil {
		hookDispatcher = &hooks.Dispatcher{}
		hookDispatcher.Register(handler)
		logger.Printf("hooks dispatcher enabled script=%s", cfg.Hooks.ScriptPath)
	}

	pool := workerpool.New(workerpool.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    componentLogger("pool"),
	})
	hub := statushub.New(statushub.Config{
		AllowedOrigins: cfg.StatusAllowedOrigins,
		Logger:         componentLogger("status"),
	})
	collector := metrics.NewCollector()

	relaySvc, err := relay.New(relay.Config{
		Sessions:  db,
		Personas:  personas,
		Processor: processor.New(componentLogger("processor"), cfg.LogLevel),
		Providers: registry,
		Transport: transport.NewClient(transport.Config{
			IdleTimeout:           cfg.IdleTimeout,
			ConnectTimeout:        cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		}),
		Pool:                pool,
		Notifier:            relay.NewNotifier(hub, componentLogger("status")),
		Hooks:               hookDispatcher,
		Metrics:             collector,
		Logger:              componentLogger("relay"),
		LogLevel:            cfg.LogLevel,
		SubscriberBuffer:    cfg.SubscriberBuffer,
		TerminalSendTimeout: cfg.TerminalSendTimeout,
		SerializeSessions:   cfg.SerializeSessions,
	})
	if err != nil {
		logger.Fatalf("relay: %v", err)
	}

	submitLimiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: cfg.SubmitRatePerSecond, Burst: cfg.SubmitBurst})
	defer submitLimiter.Close()
	apiLimiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: cfg.APIRatePerSecond, Burst: cfg.APIBurst})
	defer apiLimiter.Close()

	httpSrv, err := httpserver.New(httpserver.Config{
		Relay:         relaySvc,
		Store:         db,
		Status:        hub,
		Health:        health.New(health.Config{Database: db, Pool: pool}),
		Metrics:       collector,
		SubmitLimiter: submitLimiter,
		APILimiter:    apiLimiter,
		Logger:        componentLogger("http"),
		LogLevel:      cfg.LogLevel,
	})
	if err != nil {
		logger.Fatalf("http server: %v", err)
	}

	// No WriteTimeout: submit responses stay open for the whole stream.
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Printf("relay listening on %s workers=%d queue=%d", cfg.HTTPAddress, cfg.Workers, cfg.QueueSize)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigs
	logger.Printf("received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := httpserver.Shutdown(shutdownCtx, srv, pool); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func openStore(cfg config.RelayConfig) (store.Store, error) {
	if cfg.UsesPostgres() {
		return postgres.New(cfg.DatabaseDSN, postgres.PoolConfig{
			MaxOpen:         cfg.DBMaxOpenConns,
			MaxIdle:         cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
	}
	return sqlite.New(cfg.DatabaseDSN)
}

func buildRegistry(cfg config.RelayConfig, logger *log.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		oa, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(oa); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		aa, err := provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			BaseURL:   cfg.AnthropicBaseURL,
			Version:   cfg.AnthropicVersion,
			MaxTokens: cfg.AnthropicMaxTokens,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(aa); err != nil {
			return nil, err
		}
	}
	if len(registry.ListProviders()) == 0 {
		logger.Printf("no provider API keys configured; every submit will be rejected")
	}
	for _, rule := range cfg.ModelProviderRoutes {
		if err := registry.RegisterRoute(rule.Pattern, rule.Target); err != nil {
			logger.Printf("route rule %q=>%q rejected: %v", rule.Pattern, rule.Target, err)
		}
	}
	if err := registry.SetFallback(cfg.FallbackProvider); err != nil {
		logger.Printf("fallback provider %q unavailable: %v", cfg.FallbackProvider, err)
	}
	logger.Printf("providers registered: %v", registry.ListProviders())
	logger.Printf("routes configured: %v", registry.ListRoutes())
	return registry, nil
}
