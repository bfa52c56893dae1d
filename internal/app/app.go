package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conduit/internal/broker"
	"github.com/ternarybob/conduit/internal/common"
	"github.com/ternarybob/conduit/internal/events"
	"github.com/ternarybob/conduit/internal/flows"
	"github.com/ternarybob/conduit/internal/handlers"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/orchestrator"
	"github.com/ternarybob/conduit/internal/registry"
	"github.com/ternarybob/conduit/internal/scheduler"
	"github.com/ternarybob/conduit/internal/services/auth"
	badgerstorage "github.com/ternarybob/conduit/internal/storage/badger"
	"github.com/ternarybob/conduit/internal/webhooks"
	"github.com/ternarybob/conduit/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	StorageManager interfaces.StorageManager
	EventBus       interfaces.EventBus
	Broker         interfaces.Broker
	Registry       *registry.Registry

	FlowService      *flows.Coordinator
	SchedulerService *scheduler.Service
	AuthService      interfaces.AuthService
	Orchestrator     interfaces.Orchestrator

	WebhookDispatcher *webhooks.Dispatcher
	Pools             []*workers.Pool

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	AuthHandler     *handlers.AuthHandler
	JobHandler      *handlers.JobHandler
	FlowHandler     *handlers.FlowHandler
	ScheduleHandler *handlers.ScheduleHandler
	WebhookHandler  *handlers.WebhookHandler
	ApiKeyHandler   *handlers.ApiKeyHandler
	WSHandler       *handlers.WebSocketHandler

	janitorDone chan struct{}
}

// New wires the application bottom-up: storage, bus, broker, registry,
// services, worker pools, then HTTP handlers.
func New(cfg *common.Config) (*App, error) {
	logger := common.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config:      cfg,
		Logger:      logger,
		ctx:         ctx,
		cancelCtx:   cancel,
		janitorDone: make(chan struct{}),
	}

	if err := a.initStorage(); err != nil {
		cancel()
		return nil, err
	}
	if err := a.initServices(); err != nil {
		cancel()
		a.StorageManager.Close()
		return nil, err
	}
	a.initHandlers()

	logger.Info().Msg("Application initialized")
	return a, nil
}

func (a *App) initStorage() error {
	storage, err := badgerstorage.NewManager(a.Logger, a.Config.Broker.Path, a.Config.Broker.ResetOnStartup)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storage
	return nil
}

func (a *App) initServices() error {
	cfg := a.Config

	a.EventBus = events.NewBus(a.Logger)

	store, ok := a.StorageManager.DB().(*badgerhold.Store)
	if !ok {
		return fmt.Errorf("storage manager does not expose a badgerhold store")
	}

	visibilityTimeout := common.ParseDurationOr(cfg.Broker.VisibilityTimeout, 5*time.Minute)
	brk, err := broker.New(store, a.EventBus, cfg.Queues.Allowed, visibilityTimeout, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	a.Broker = brk

	// Handler registry: built-ins first, then manifest directories, then the
	// filesystem watcher for hot reload.
	reg := registry.New(cfg.Handlers.Directories, cfg.Handlers.Disabled, a.Logger)
	registry.RegisterBuiltins(reg)

	webhookTimeout := time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond
	reg.Register(webhooks.NewDeliveryHandler(webhookTimeout), interfaces.HandlerMeta{
		Description: "Delivers webhook payloads to registered endpoints",
		Version:     "1.0",
	})

	if err := reg.Reload(); err != nil {
		a.Logger.Warn().Err(err).Msg("Initial handler manifest scan failed")
	}
	debounce := int(common.ParseDurationOr(cfg.Handlers.WatchDebounce, 300*time.Millisecond) / time.Millisecond)
	if err := reg.Watch(debounce); err != nil {
		a.Logger.Warn().Err(err).Msg("Handler directory watch unavailable")
	}
	a.Registry = reg

	a.FlowService = flows.NewCoordinator(a.StorageManager.Flows(), a.Broker, a.EventBus, cfg.QueueAllowed, a.Logger)
	a.SchedulerService = scheduler.New(a.Broker, cfg.QueueAllowed, cfg.Scheduler.Timezone, a.Logger)

	accessTTL := common.ParseDurationOr(cfg.Tokens.AccessTTL, 30*time.Minute)
	authSvc, err := auth.NewService(a.StorageManager, cfg.Secrets.TokenSecret, accessTTL, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}
	a.AuthService = authSvc

	a.WebhookDispatcher = webhooks.NewDispatcher(a.EventBus, a.Broker, a.StorageManager, cfg.Webhook.MaxAttempts, a.Logger)

	a.Orchestrator = orchestrator.New(a.Broker, a.Registry, a.FlowService, a.SchedulerService, a.AuthService, a.StorageManager, a.Logger)

	pollInterval := common.ParseDurationOr(cfg.Broker.PollInterval, 250*time.Millisecond)
	backoffBase := common.ParseDurationOr(cfg.Queues.RetryBackoffBase, 500*time.Millisecond)
	backoffCap := common.ParseDurationOr(cfg.Queues.RetryBackoffCap, 30*time.Second)
	for _, queue := range cfg.Queues.Allowed {
		pool := workers.NewPool(workers.PoolConfig{
			Queue:        queue,
			Concurrency:  cfg.ConcurrencyFor(queue),
			PollInterval: pollInterval,
			BackoffBase:  backoffBase,
			BackoffCap:   backoffCap,
		}, a.Broker, a.Registry, a.EventBus, a.Logger)
		a.Pools = append(a.Pools, pool)
	}

	return nil
}

func (a *App) initHandlers() {
	cfg := a.Config
	accessTTL := common.ParseDurationOr(cfg.Tokens.AccessTTL, 30*time.Minute)

	a.APIHandler = handlers.NewAPIHandler()
	a.AuthHandler = handlers.NewAuthHandler(a.AuthService, a.StorageManager, accessTTL, cfg.IsProduction(), a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Orchestrator, a.Logger)
	a.FlowHandler = handlers.NewFlowHandler(a.FlowService, a.Logger)
	a.ScheduleHandler = handlers.NewScheduleHandler(a.SchedulerService, a.Logger)
	a.WebhookHandler = handlers.NewWebhookHandler(a.Orchestrator, a.Logger)
	a.ApiKeyHandler = handlers.NewApiKeyHandler(a.AuthService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventBus, a.AuthService, &cfg.WebSocket, a.Logger)
}

// Start brings up the worker pools, the scheduler, and the stuck-job janitor.
func (a *App) Start() error {
	for _, pool := range a.Pools {
		pool.Start()
	}

	if err := a.SchedulerService.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	sweep := common.ParseDurationOr(a.Config.Broker.StuckSweep, time.Minute)
	common.SafeGo(a.Logger, "stuck-janitor", func() {
		a.runStuckJanitor(sweep)
	})

	a.Logger.Info().
		Int("pools", len(a.Pools)).
		Strs("queues", a.Config.Queues.Allowed).
		Msg("Application started")
	return nil
}

// runStuckJanitor periodically sweeps every queue for active jobs whose claim
// lease expired and transitions them to stuck.
func (a *App) runStuckJanitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.janitorDone:
			return
		case <-ticker.C:
			for _, queue := range a.Config.Queues.Allowed {
				ids, err := a.Broker.MarkStuck(a.ctx, queue)
				if err != nil {
					a.Logger.Warn().Err(err).Str("queue", queue).Msg("Stuck sweep failed")
					continue
				}
				if len(ids) > 0 {
					a.Logger.Warn().
						Str("queue", queue).
						Strs("job_ids", ids).
						Msg("Jobs marked stuck after lease expiry")
				}
			}
		}
	}
}

// Close shuts components down in reverse dependency order.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application...")

	close(a.janitorDone)
	a.cancelCtx()

	for _, pool := range a.Pools {
		pool.Stop()
	}
	a.SchedulerService.Stop()
	a.WebhookDispatcher.Close()
	a.WSHandler.Close()
	a.FlowService.Close()

	if err := a.Registry.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Registry close failed")
	}
	if err := a.Broker.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Broker close failed")
	}
	a.EventBus.Close()

	if err := a.StorageManager.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Storage close failed")
		return err
	}

	a.Logger.Info().Msg("Application stopped")
	return nil
}
