package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cascadeflow/cascadeflow/agent"
	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/apikey"
	"github.com/cascadeflow/cascadeflow/internal/durable"
	"github.com/cascadeflow/cascadeflow/internal/health"
	"github.com/cascadeflow/cascadeflow/internal/httpapi"
	"github.com/cascadeflow/cascadeflow/internal/idempotency"
	"github.com/cascadeflow/cascadeflow/internal/ledger"
	"github.com/cascadeflow/cascadeflow/internal/logging"
	"github.com/cascadeflow/cascadeflow/internal/metrics"
	"github.com/cascadeflow/cascadeflow/internal/stats"
	"github.com/cascadeflow/cascadeflow/internal/tracing"
	"github.com/cascadeflow/cascadeflow/internal/tsdb"
	"github.com/cascadeflow/cascadeflow/internal/vault"
)

// Server owns every subsystem behind the HTTP surface.
type Server struct {
	cfg Config

	router  *chi.Mux
	agent   *agent.Agent
	store   *ledger.SQLiteStore
	tsdb    *tsdb.Store
	durable *durable.Manager // nil when Temporal is disabled
	idem    *idempotency.Cache
	logger  *slog.Logger

	traceShutdown func(context.Context) error
}

// NewServer wires the full service: persistence, the agent with its
// observability callbacks, auth, durable batching, and the HTTP router.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: "cascadeflow",
	})
	if err != nil {
		return nil, err
	}

	fileCfg, err := LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	models := fileCfg.ModelConfigs()
	if len(models) == 0 {
		models = DefaultModels()
	}

	store, err := ledger.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info("database initialized", "dsn", cfg.DBDSN)

	tsdbStore, err := tsdb.New(store.DB())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.VaultEnabled {
		if err := unlockVault(v, store, cfg.VaultPassphrase); err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Info("vault unlocked")
	}

	collector := stats.NewCollector()
	registry := metrics.New()
	tracker := health.NewTracker(health.DefaultConfig())

	var qc *agent.QualityConfig
	if fileCfg.Validation != "" || fileCfg.Threshold > 0 {
		qc = &agent.QualityConfig{Method: fileCfg.Validation}
		if fileCfg.Threshold > 0 {
			t := fileCfg.Threshold
			qc.Threshold = &t
		}
	}

	a, err := agent.New(agent.Config{
		Models:  models,
		Quality: qc,
		Cascade: &agent.CascadeConfig{
			Timeout:    time.Duration(cfg.ProviderTimeoutSecs) * time.Second,
			MaxRetries: fileCfg.MaxRetries,
		},
		Domains:    fileCfg.Domains,
		Tiers:      fileCfg.Tiers,
		RateLimits: fileCfg.RateLimits,
		Callbacks: []cascade.Callback{
			registry.Callback(),
			collector.Callback(),
			tsdbStore.Callback(),
			store.Callback(),
			tracker.Callback(),
		},
		Logger: logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rehydrateBudgets(a, store, logger)

	keyMgr := apikey.NewManager(store)
	keyBudget := apikey.NewBudgetChecker(store)

	var durableMgr *durable.Manager
	if cfg.TemporalEnabled {
		durableMgr, err = durable.NewManager(durable.Config{
			HostPort:  cfg.TemporalHost,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, durable.NewActivities(a, store, logger), logger)
		if err != nil {
			// Batches still run in process; the dispatcher handles nil.
			logger.Warn("temporal unavailable, durable batches disabled", "error", err)
			durableMgr = nil
		} else if err := durableMgr.Start(); err != nil {
			logger.Warn("temporal worker failed to start", "error", err)
			durableMgr.Stop()
			durableMgr = nil
		}
	}
	dispatcher := durable.NewDispatcher(a, durableMgr, logger)

	idem := idempotency.New(10*time.Minute, 1000)

	holder, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DBDSN, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.OtelEnabled {
		r.Use(tracing.Middleware())
	}
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).middleware)

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Agent:       a,
		Events:      a.Events(),
		Metrics:     registry,
		Stats:       collector,
		TSDB:        tsdbStore,
		Ledger:      store,
		Health:      tracker,
		Vault:       v,
		Dispatcher:  dispatcher,
		Keys:        keyMgr,
		KeyBudget:   keyBudget,
		Idempotency: idem,
		AdminToken:  holder,
		Logger:      logger,
	})

	return &Server{
		cfg:           cfg,
		router:        r,
		agent:         a,
		store:         store,
		tsdb:          tsdbStore,
		durable:       durableMgr,
		idem:          idem,
		logger:        logger,
		traceShutdown: traceShutdown,
	}, nil
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

// ListenAddr returns the configured bind address.
func (s *Server) ListenAddr() string { return s.cfg.ListenAddr }

// Close stops background workers and releases storage.
func (s *Server) Close() error {
	if s.durable != nil {
		s.durable.Stop()
	}
	if s.idem != nil {
		s.idem.Stop()
	}
	if s.tsdb != nil {
		s.tsdb.Flush()
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// unlockVault restores the persisted salt and ciphertext, unlocks with the
// configured passphrase, and persists the salt on first use.
func unlockVault(v *vault.Vault, store ledger.Store, passphrase string) error {
	salt, data, err := store.LoadVaultBlob(context.Background())
	if err != nil {
		return err
	}
	if len(salt) > 0 {
		v.SetSalt(salt)
	}
	if err := v.Unlock([]byte(passphrase)); err != nil {
		return err
	}
	if len(data) > 0 {
		if err := v.Import(data); err != nil {
			return err
		}
	}
	if len(salt) == 0 {
		return store.SaveVaultBlob(context.Background(), v.Salt(), v.Export())
	}
	return nil
}

// rehydrateBudgets seeds month-to-date spend so tier admission survives
// restarts.
func rehydrateBudgets(a *agent.Agent, store ledger.Store, logger *slog.Logger) {
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	spends, err := store.SpendSince(context.Background(), monthStart)
	if err != nil {
		logger.Warn("budget rehydration failed", "error", err)
		return
	}
	for _, s := range spends {
		a.Budget().Rehydrate(s.UserID, s.TotalUSD)
	}
	if len(spends) > 0 {
		logger.Info("budgets rehydrated", "users", len(spends))
	}
}
