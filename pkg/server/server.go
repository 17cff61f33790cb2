// Package server assembles a running Switchboard from configuration.
//
// This package lives in pkg/ (not internal/) so that channel transports
// can embed the engine and mount its handler next to their own routes.
//
// Usage:
//
//	cfg, _ := config.Load()
//	srv, err := server.New(ctx, cfg)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	srv.Close(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/switchboardhq/switchboard/internal/agent"
	"github.com/switchboardhq/switchboard/internal/api"
	"github.com/switchboardhq/switchboard/internal/api/handlers"
	"github.com/switchboardhq/switchboard/internal/breaker"
	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/conversation"
	"github.com/switchboardhq/switchboard/internal/embeddings"
	"github.com/switchboardhq/switchboard/internal/formatter"
	"github.com/switchboardhq/switchboard/internal/guardrails"
	"github.com/switchboardhq/switchboard/internal/idempotency"
	"github.com/switchboardhq/switchboard/internal/intent"
	"github.com/switchboardhq/switchboard/internal/knowledge"
	"github.com/switchboardhq/switchboard/internal/llm"
	"github.com/switchboardhq/switchboard/internal/notify"
	"github.com/switchboardhq/switchboard/internal/orchestrator"
	"github.com/switchboardhq/switchboard/internal/prompt"
	"github.com/switchboardhq/switchboard/internal/queue"
	"github.com/switchboardhq/switchboard/internal/retention"
	"github.com/switchboardhq/switchboard/internal/routing"
	"github.com/switchboardhq/switchboard/internal/security"
	"github.com/switchboardhq/switchboard/internal/telemetry"
	"github.com/switchboardhq/switchboard/internal/tenants"
	"github.com/switchboardhq/switchboard/internal/tools"
	"github.com/switchboardhq/switchboard/internal/vectorstore"
	"github.com/switchboardhq/switchboard/pkg/contracts"
)

// Server holds an initialized Switchboard.
type Server struct {
	// Handler serves the webhook, probes and admin API.
	Handler http.Handler

	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Tenants      contracts.TenantConfigProvider

	janitor *retention.Janitor
	queue   *queue.Queue
	checks  []healthCheck
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Routing is the static decision layer: capability registry, specialist
// routes and intent rules. It needs no external service.
type Routing struct {
	Registry *capability.Registry
	Router   *routing.Router
	Intents  *intent.Supervisor
}

// LoadRouting reads the registry, route table and intent rules, falling
// back to the embedded defaults for any file not configured.
func LoadRouting(cfg config.RoutingConfig) (*Routing, error) {
	reg, err := capability.Default()
	if cfg.RegistryFile != "" {
		var data []byte
		if data, err = os.ReadFile(cfg.RegistryFile); err == nil {
			reg, err = capability.Load(data)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("capability registry: %w", err)
	}

	var table *routing.Table
	if cfg.RoutesFile != "" {
		data, err := os.ReadFile(cfg.RoutesFile)
		if err != nil {
			return nil, fmt.Errorf("read routes: %w", err)
		}
		if table, err = routing.LoadTable(data); err != nil {
			return nil, err
		}
	}
	router, err := routing.New(reg, table)
	if err != nil {
		return nil, fmt.Errorf("routing table: %w", err)
	}

	var rules []intent.Rule
	if cfg.IntentRulesFile != "" {
		data, err := os.ReadFile(cfg.IntentRulesFile)
		if err != nil {
			return nil, fmt.Errorf("read intent rules: %w", err)
		}
		if rules, err = intent.LoadRules(data); err != nil {
			return nil, err
		}
	}

	return &Routing{Registry: reg, Router: router, Intents: intent.New(rules)}, nil
}

// New builds every component named by cfg. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg *config.Config) (srv *Server, err error) {
	s := &Server{Config: cfg}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.onClose("telemetry", shutdown)

	rt, err := LoadRouting(cfg.Routing)
	if err != nil {
		return nil, err
	}
	log.Info().Str("version", rt.Registry.Version()).Int("tools", len(rt.Registry.Tools())).
		Msg("✅ Capability registry loaded")

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		if rdb, err = openRedis(ctx, cfg.Redis.URL); err != nil {
			return nil, err
		}
		s.onClose("redis", func(context.Context) error { return rdb.Close() })
		s.check("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	if s.Tenants, err = s.openTenants(ctx, cfg.Tenants, rt.Registry); err != nil {
		return nil, err
	}

	convs, err := openConversations(cfg.Conversations)
	if err != nil {
		return nil, err
	}
	s.onClose("conversations", func(context.Context) error { return convs.Close() })

	var replies contracts.ReplyCache = idempotency.NewMemoryCache()
	if cfg.Conversations.ReplayCache == "redis" {
		replies = idempotency.NewRedisCache(rdb)
	}

	brk, err := s.openBreaker(cfg.Breaker, rdb)
	if err != nil {
		return nil, err
	}

	model, err := llm.New(ctx, llm.Settings{
		Provider:  cfg.Model.Provider,
		Model:     cfg.Model.Name,
		APIKey:    cfg.Model.APIKey,
		Endpoint:  cfg.Model.Endpoint,
		MaxTokens: cfg.Model.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("model backend: %w", err)
	}
	s.check("model", model.HealthCheck)
	log.Info().Str("provider", model.Kind()).Str("model", cfg.Model.Name).Msg("✅ Model backend ready")

	retriever, err := s.openKnowledge(ctx, cfg.Knowledge)
	if err != nil {
		return nil, err
	}

	var enricher prompt.Enricher
	if cfg.Knowledge.EnrichPrompts {
		enricher = prompt.NewKnowledgeEnricher(retriever, cfg.Knowledge.HighlightsPerTurn)
	}
	prompts := prompt.NewCache(prompt.NewCompiler(enricher), cfg.Knowledge.PromptCacheTTL)

	executor, err := tools.NewExecutor(rt.Registry, toolHandlers(rt.Registry, cfg.Tools))
	if err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}

	var guardOpts []guardrails.Option
	if cfg.Turns.StrictGuard {
		guardOpts = append(guardOpts, guardrails.WithStrict())
	}
	loop := agent.NewLoop(model, executor, retriever, rt.Registry,
		agent.WithMaxIterations(cfg.Turns.MaxIterations),
		agent.WithSanitizer(guardrails.New(guardOpts...)),
	)

	notifier := notify.NewService(
		notify.WithRetry(cfg.Notify.Retries, time.Second),
		notify.WithReplyWebhook(notify.Endpoint{URL: cfg.Notify.ReplyWebhookURL, Secret: cfg.Notify.ReplyWebhookSecret}),
		notify.WithHandoffWebhook(notify.Endpoint{URL: cfg.Notify.HandoffWebhookURL, Secret: cfg.Notify.HandoffWebhookSecret}),
	)

	s.queue = queue.New(cfg.Turns.Workers)
	s.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Gate:          security.NewGate(s.Tenants, security.WithReplayWindow(cfg.Gate.ReplayWindow)),
		Breaker:       brk,
		Intents:       rt.Intents,
		Router:        rt.Router,
		Registry:      rt.Registry,
		Prompts:       prompts,
		Loop:          loop,
		Conversations: convs,
		Replies:       replies,
		Queue:         s.queue,
		Formatter:     formatter.New(formatter.WithSMSLimits(cfg.Turns.SMSSegment, 2*cfg.Turns.SMSSegment)),
		Delivery:      notifier,
		Handoff:       notifier,
	}, orchestrator.Config{
		ChatDeadline:  cfg.Turns.ChatDeadline,
		VoiceDeadline: cfg.Turns.VoiceDeadline,
		ReplayTTL:     cfg.Conversations.ReplayTTL,
		HistoryLimit:  cfg.Turns.HistoryLimit,
		MaxTransfers:  cfg.Turns.MaxTransfers,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int("workers", cfg.Turns.Workers).Msg("✅ Orchestrator initialized")

	if cfg.Retention.Enabled {
		s.janitor = retention.NewJanitor(convs,
			retention.WithIdleAfter(cfg.Retention.IdleAfter),
			retention.WithInterval(cfg.Retention.Interval),
		)
		archiver := retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress)
		s.janitor.RegisterArchiver(archiver)
		s.check("archive", archiver.HealthCheck)
	}

	s.Handler = api.NewRouter(cfg, &handlers.Handlers{
		Turns:    s.Orchestrator,
		Tenants:  s.Tenants,
		Registry: rt.Registry,
		Router:   rt.Router,
		Intents:  rt.Intents,
		Breaker:  brk,
		Prompts:  prompts,
		Version:  cfg.Version,
	})
	return s, nil
}

// Start launches background work. It returns immediately.
func (s *Server) Start(ctx context.Context) {
	if s.janitor != nil {
		go s.janitor.Start(ctx)
	}
}

// Close drains in-flight turns and releases every backend in reverse
// opening order.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.queue != nil {
		if err := s.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain turns: %w", err))
		}
	}
	if s.Orchestrator != nil {
		if err := s.Orchestrator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("background notifications: %w", err))
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Server) onClose(name string, fn func(context.Context) error) {
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("✅ Redis connected")
	return client, nil
}

func (s *Server) openTenants(ctx context.Context, cfg config.TenantsConfig, reg *capability.Registry) (contracts.TenantConfigProvider, error) {
	switch cfg.Source {
	case "postgres":
		p, err := tenants.OpenPostgres(cfg.DatabaseURL, reg)
		if err != nil {
			return nil, err
		}
		s.onClose("tenants", func(context.Context) error { return p.Close() })
		s.check("tenants", p.HealthCheck)
		for _, t := range cfg.Fixtures {
			if err := p.Upsert(ctx, t); err != nil {
				return nil, err
			}
		}
		log.Info().Int("fixtures", len(cfg.Fixtures)).Msg("✅ Postgres tenant provider ready")
		return p, nil

	default:
		p, err := tenants.NewStaticProvider(nil, reg)
		if cfg.File != "" {
			p, err = tenants.LoadFile(cfg.File, reg)
		}
		if err != nil {
			return nil, err
		}
		for _, t := range cfg.Fixtures {
			if err := p.Put(t, reg); err != nil {
				return nil, err
			}
		}
		all, _ := p.ListTenants(ctx)
		if len(all) == 0 {
			log.Warn().Msg("No tenants configured, every event will be rejected")
		}
		log.Info().Int("tenants", len(all)).Msg("✅ Static tenant provider ready")
		return p, nil
	}
}

func openConversations(cfg config.ConversationsConfig) (contracts.ConversationStore, error) {
	if cfg.Backend == "sqlite" {
		return conversation.NewSQLiteStore(cfg.SQLitePath)
	}
	log.Info().Msg("✅ In-memory conversation store initialized")
	return conversation.NewMemoryStore(), nil
}

func (s *Server) openBreaker(cfg config.BreakerConfig, rdb *redis.Client) (*breaker.Breaker, error) {
	opts := []breaker.Option{
		breaker.WithThreshold(cfg.Threshold),
		breaker.WithCooldown(cfg.Cooldown),
		breaker.WithTimeout(cfg.Timeout),
	}
	switch cfg.Store {
	case "badger":
		st, err := breaker.NewBadgerStore(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		s.onClose("breaker store", func(context.Context) error { return st.Close() })
		opts = append(opts, breaker.WithStore(st))
	case "redis":
		opts = append(opts, breaker.WithStore(breaker.NewRedisStore(rdb, 24*time.Hour)))
	}
	log.Info().Str("store", cfg.Store).Int("threshold", cfg.Threshold).Msg("✅ Circuit breaker ready")
	return breaker.New(opts...), nil
}

func (s *Server) openKnowledge(ctx context.Context, cfg config.KnowledgeConfig) (*knowledge.Retriever, error) {
	emb, err := embeddings.New(embeddings.Settings{
		Kind:       cfg.Embedder,
		Model:      cfg.EmbedModel,
		APIKey:     cfg.EmbedAPIKey,
		Endpoint:   cfg.EmbedEndpoint,
		Dimensions: cfg.Dimensions,
		CacheSize:  cfg.EmbedCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	s.check("embeddings", emb.HealthCheck)

	var store contracts.VectorStoreDriver
	if cfg.Store == "pgvector" {
		pg, err := vectorstore.NewPgvectorStore(ctx, cfg.DatabaseURL, emb.Dimensions())
		if err != nil {
			return nil, err
		}
		s.onClose("knowledge store", func(context.Context) error { pg.Close(); return nil })
		store = pg
	} else {
		store = vectorstore.NewEmbeddedStore()
	}
	s.check("knowledge", store.HealthCheck)

	if cfg.SeedFile != "" {
		n, err := knowledge.SeedFile(ctx, cfg.SeedFile, emb, store)
		if err != nil {
			return nil, fmt.Errorf("seed knowledge: %w", err)
		}
		log.Info().Int("chunks", n).Str("file", cfg.SeedFile).Msg("📚 Knowledge seeded")
	}
	return knowledge.NewRetriever(emb, store, knowledge.WithDefaultThreshold(cfg.Threshold)), nil
}

// toolHandlers binds every registry tool to its HTTP backend. Tools with
// no backend fail softly.
func toolHandlers(reg *capability.Registry, cfg config.ToolsConfig) map[string]tools.Handler {
	client := &http.Client{Timeout: cfg.Timeout}
	backend := func(url string) tools.Handler {
		return tools.NewHTTPBackend(url,
			tools.WithSigningSecret(cfg.SigningSecret),
			tools.WithHTTPClient(client),
		)
	}

	var fallback tools.Handler = tools.Unbound
	if cfg.BackendURL != "" {
		fallback = backend(cfg.BackendURL)
	}
	overrides := make(map[string]tools.Handler, len(cfg.Backends))
	for name, url := range cfg.Backends {
		overrides[name] = backend(url)
	}
	if cfg.BackendURL == "" && len(cfg.Backends) == 0 {
		log.Warn().Msg("No tool backend configured, tool calls will report unavailable")
	}
	return tools.BindAll(reg, fallback, overrides)
}
