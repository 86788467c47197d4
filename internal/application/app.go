package application

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/memory"
	"github.com/drammen94/mira-OSS/internal/domain/repository"
	"github.com/drammen94/mira-OSS/internal/domain/service"
	"github.com/drammen94/mira-OSS/internal/infrastructure/config"
	"github.com/drammen94/mira-OSS/internal/infrastructure/embedding"
	"github.com/drammen94/mira-OSS/internal/infrastructure/eventbus"
	"github.com/drammen94/mira-OSS/internal/infrastructure/kv"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm/anthropic"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm/openaicompat"
	"github.com/drammen94/mira-OSS/internal/infrastructure/persistence"
	httpserver "github.com/drammen94/mira-OSS/internal/interfaces/http"
	ws "github.com/drammen94/mira-OSS/internal/interfaces/websocket"
	"github.com/drammen94/mira-OSS/internal/workingmemory"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

const defaultSystemPrompt = "You are MIRA, a thoughtful assistant with long-term memory of your conversations with the user."

// App owns every component and their construction order. Shutdown runs in
// reverse.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *gorm.DB
	kvStore  kv.Store
	watcher  *config.Watcher
	failover *llm.FailoverController
	server   *httpserver.Server
}

// New wires the application together.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	kvStore, err := newKVStore(cfg)
	if err != nil {
		return nil, err
	}
	app.kvStore = kvStore

	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, err
	}
	app.db = db

	continuums := persistence.NewGormContinuumRepository(db)
	messages := persistence.NewGormMessageRepository(db)
	memories := persistence.NewGormMemoryRepository(db)
	blocks := persistence.NewGormDomainKnowledgeRepository(db)
	reminders := persistence.NewGormReminderRepository(db)
	uowFactory := persistence.NewGormUnitOfWorkFactory(db)

	embedder := embedding.NewClient(embedding.Config{
		BaseURL:       cfg.Embedding.BaseURL,
		FastModel:     cfg.Embedding.FastModel,
		DeepModel:     cfg.Embedding.DeepModel,
		RerankModel:   cfg.Embedding.RerankModel,
		RerankEnabled: cfg.Embedding.RerankEnabled,
		CacheTTL:      cfg.Embedding.CacheTTL,
	}, kvStore, logger.Named("embedding"))

	bus := eventbus.NewBus(logger.Named("eventbus"))

	knowledge := service.NewDomainKnowledgeService(blocks, kvStore,
		cfg.DomainKnowledge.BlockCacheTTL, cfg.DomainKnowledge.MessageBatchSize,
		logger.Named("knowledge"))
	knowledge.SubscribeTurnCompleted(bus)

	proactiveTrinket := workingmemory.NewProactiveMemoryTrinket()
	wm := workingmemory.New(bus, logger.Named("workingmemory"))
	wm.Register(workingmemory.NewManifestTrinket(continuums, messages))
	wm.Register(workingmemory.NewDomainKnowledgeTrinket(knowledge))
	wm.Register(proactiveTrinket)
	wm.Register(workingmemory.NewReminderTrinket(reminders, 0))
	wm.Register(workingmemory.NewAsyncContextTrinket(kvStore, logger.Named("asynccontext")))

	watcher, err := config.NewWatcher(cfg.Retrieval, nil, logger.Named("config"))
	if err != nil {
		return nil, err
	}
	app.watcher = watcher

	retrieval := memory.NewProactiveService(memories, rerankerAdapter{embedder}, func() memory.Options {
		current := watcher.Current()
		return memory.Options{
			MaxLinkTraversalDepth: current.MaxLinkTraversalDepth,
			MinImportanceScore:    current.MinImportanceScore,
			SimilarityThreshold:   current.SimilarityThreshold,
		}
	}, logger.Named("retrieval"))

	provider, failover, err := newProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.failover = failover

	analysisWire := newAnalysisWire(cfg, logger)
	analysis := llm.NewAnalysisClient(analysisWire, cfg.Analysis.Model, 0)
	touchstones := service.NewTouchstoneGenerator(analysis, embedder, cfg.Analysis.ContextPairs, logger.Named("touchstone"))
	fingerprints := service.NewFingerprintGenerator(analysis, logger.Named("fingerprint"))

	orchestrator := service.NewOrchestrator(
		provider,
		touchstones,
		fingerprints,
		retrieval,
		embedder,
		proactiveTrinket,
		bus,
		cfg.Retrieval.MaxMemories,
		cfg.LLM.ToolLoaderToolName,
		logger.Named("orchestrator"),
	)

	loader := service.NewSessionLoader(messages, cfg.Session.SessionSummaryCount, logger.Named("loader"))
	lock := kv.NewUserRequestLock(kvStore, cfg.Session.LockTTL, logger.Named("userlock"))

	turns := &turnRunner{
		orchestrator: orchestrator,
		uowFactory:   uowFactory,
		systemPrompt: loadSystemPrompt(cfg.Session.SystemPromptPath, logger),
		logger:       logger.Named("turns"),
	}
	wsHandler := ws.NewHandler(
		secretAuthenticator{secret: cfg.Server.AuthSecret},
		&continuumProvider{continuums: continuums, loader: loader},
		turns,
		lock,
		logger.Named("websocket"),
	)

	app.server = httpserver.NewServer(httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Mode: cfg.Server.Mode,
	}, wsHandler, logger.Named("http"))

	return app, nil
}

// Start brings the listener up.
func (a *App) Start(ctx context.Context) error {
	return a.server.Start(ctx)
}

// Stop tears components down in reverse construction order.
func (a *App) Stop(ctx context.Context) error {
	err := a.server.Stop(ctx)
	a.failover.Close()
	if a.watcher != nil {
		a.watcher.Close()
	}
	if sqlDB, dbErr := a.db.DB(); dbErr == nil {
		sqlDB.Close()
	}
	a.kvStore.Close()
	return err
}

func newKVStore(cfg *config.Config) (kv.Store, error) {
	if cfg.KV.Addr == "" {
		return kv.NewMemoryStore(), nil
	}
	return kv.NewRedisStore(context.Background(), cfg.KV.Addr, cfg.KV.Password, cfg.KV.DB)
}

func newProvider(cfg *config.Config, logger *zap.Logger) (*llm.Provider, *llm.FailoverController, error) {
	primary := anthropic.NewClient(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.Timeout, logger.Named("anthropic"))

	var emergency llm.WireClient
	if cfg.LLM.EmergencyFallbackEnabled {
		apiKey := os.Getenv(cfg.LLM.EmergencyFallbackAPIKeyName)
		if apiKey == "" {
			return nil, nil, fmt.Errorf("emergency fallback enabled but %s is not set", cfg.LLM.EmergencyFallbackAPIKeyName)
		}
		emergency = openaicompat.NewClient(cfg.LLM.EmergencyFallbackEndpoint, apiKey, cfg.LLM.Timeout, logger.Named("emergency"))
	}

	failover := llm.NewFailoverController(cfg.LLM.RecoveryDelay, logger.Named("failover"))

	thinkingBudget := 0
	if cfg.LLM.ExtendedThinking {
		thinkingBudget = cfg.LLM.ExtendedThinkingBudget
	}
	provider := llm.NewProvider(primary, emergency, failover, &toolRegistry{}, llm.Options{
		ReasoningModel:      cfg.LLM.ReasoningModel,
		ExecutionModel:      cfg.LLM.ExecutionModel,
		SimpleTools:         cfg.LLM.SimpleTools,
		MaxTokens:           cfg.LLM.MaxTokens,
		Temperature:         cfg.LLM.Temperature,
		EnablePromptCaching: cfg.LLM.EnablePromptCaching,
		ExtendedThinking:    cfg.LLM.ExtendedThinking,
		ThinkingBudget:      thinkingBudget,
		MaxIterations:       cfg.LLM.MaxIterations,
		EmergencyModel:      cfg.LLM.EmergencyFallbackModel,
	}, logger.Named("llm"))

	failover.SetProbe(provider.RecoveryProbe())
	return provider, failover, nil
}

// newAnalysisWire builds the fast-LLM wire client. When the analysis path
// is disabled it falls back to the main endpoint.
func newAnalysisWire(cfg *config.Config, logger *zap.Logger) llm.WireClient {
	if !cfg.Analysis.Enabled || cfg.Analysis.Endpoint == "" {
		return anthropic.NewClient(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.Timeout, logger.Named("analysis"))
	}
	apiKey := os.Getenv(cfg.Analysis.APIKeyName)
	return openaicompat.NewClient(cfg.Analysis.Endpoint, apiKey, cfg.LLM.Timeout, logger.Named("analysis"))
}

func loadSystemPrompt(path string, logger *zap.Logger) string {
	if path == "" {
		return defaultSystemPrompt
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("System prompt file unreadable, using default", zap.String("path", path), zap.Error(err))
		return defaultSystemPrompt
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return defaultSystemPrompt
	}
	return prompt
}

// rerankerAdapter bridges the embedding client's rerank result type to the
// retrieval engine's interface.
type rerankerAdapter struct {
	client *embedding.Client
}

func (a rerankerAdapter) RerankerAvailable() bool { return a.client.RerankerAvailable() }

func (a rerankerAdapter) Rerank(ctx context.Context, query string, passages []string) ([]memory.RankedPassage, error) {
	ranked, err := a.client.Rerank(ctx, query, passages)
	if err != nil {
		return nil, err
	}
	out := make([]memory.RankedPassage, len(ranked))
	for i, r := range ranked {
		out[i] = memory.RankedPassage{Index: r.Index, Score: r.Score, Passage: r.Passage}
	}
	return out, nil
}

// secretAuthenticator validates tokens of the form "<user_id>:<secret>".
// With no configured secret any non-empty token doubles as the user id,
// which keeps local development frictionless.
type secretAuthenticator struct {
	secret string
}

func (a secretAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.NewUnauthorizedError("empty auth token")
	}
	if a.secret == "" {
		return token, nil
	}

	userID, secret, found := strings.Cut(token, ":")
	if !found || userID == "" {
		return "", apperrors.NewUnauthorizedError("malformed auth token")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(a.secret)) != 1 {
		return "", apperrors.NewUnauthorizedError("invalid auth token")
	}
	return userID, nil
}

// continuumProvider loads the user's continuum, creating and hydrating it
// on cold start.
type continuumProvider struct {
	continuums repository.ContinuumRepository
	loader     *service.SessionLoader
}

func (p *continuumProvider) GetOrCreate(ctx context.Context, userID string) (*entity.Continuum, error) {
	continuum, err := p.continuums.FindByUserID(ctx, userID)
	if apperrors.IsNotFound(err) {
		continuum = entity.NewContinuum(userID)
		if err := p.continuums.Create(ctx, continuum); err != nil {
			return nil, err
		}
		return continuum, nil
	}
	if err != nil {
		return nil, err
	}
	if err := p.loader.Load(ctx, continuum); err != nil {
		return nil, err
	}
	return continuum, nil
}

// turnRunner executes one turn: orchestration, unit-of-work commit, and
// rollback of the in-memory cache when the commit fails.
type turnRunner struct {
	orchestrator *service.Orchestrator
	uowFactory   repository.UnitOfWorkFactory
	systemPrompt string
	logger       *zap.Logger
}

func (r *turnRunner) RunTurn(ctx context.Context, continuum *entity.Continuum, content []entity.ContentBlock, callback service.StreamCallback) (*service.TurnResult, error) {
	uow := r.uowFactory.Begin(continuum)

	result, err := r.orchestrator.ProcessMessage(ctx, continuum, content, r.systemPrompt, callback, uow)
	if err != nil {
		return nil, err
	}

	if err := uow.Commit(ctx); err != nil {
		continuum.Restore(result.Snapshot)
		r.logger.Error("Turn commit failed, cache rolled back",
			zap.String("continuum_id", continuum.ID),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

// toolRegistry is the provider's tool surface. The gateway ships without
// built-in tools; external tool servers plug in here.
type toolRegistry struct{}

func (toolRegistry) Definitions() []llm.Tool { return nil }

func (toolRegistry) Execute(_ context.Context, name string, _ map[string]any) (string, error) {
	return "", apperrors.NewNotFoundError("unknown tool: " + name)
}
