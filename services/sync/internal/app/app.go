package app

import (
	"context"
	"fmt"
	"time"

	"github.com/appetiteclub/apt"
	aptevents "github.com/appetiteclub/apt/events"
	"github.com/appetiteclub/apt/middleware"
	"github.com/tablelink/tablelink/pkg"
	"github.com/tablelink/tablelink/pkg/event"
	"github.com/tablelink/tablelink/services/sync/internal/changelog"
	"github.com/tablelink/tablelink/services/sync/internal/events"
	"github.com/tablelink/tablelink/services/sync/internal/hub"
	"github.com/tablelink/tablelink/services/sync/internal/mongo"
	"github.com/tablelink/tablelink/services/sync/internal/orderentry"
	"github.com/tablelink/tablelink/services/sync/internal/publisher"
	"github.com/tablelink/tablelink/services/sync/internal/reconcile"
	"github.com/tablelink/tablelink/services/sync/internal/redis"
	"github.com/tablelink/tablelink/services/sync/internal/sessions"
	"github.com/tablelink/tablelink/services/sync/internal/tablelink"
)

const (
	AppName    = "tablelink-sync"
	AppVersion = "0.1.0"
)

const (
	sessionsStreamName = "TABLELINK_SESSIONS"
	sessionsConsumer   = "tablelink-sync"
	ticketsStreamName  = "TABLELINK_TICKETS"
	ticketsConsumer    = "tablelink-sync-tickets"
	ticketsRetention   = 24 * time.Hour
)

// App encapsulates the sync service application
type App struct {
	config   *apt.Config
	logger   apt.Logger
	settings Settings
	micro    *apt.Micro
}

func New(config *apt.Config, logger apt.Logger) (*App, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = apt.NewNoopLogger()
	}
	return &App{
		config: config,
		logger: logger,
	}, nil
}

// Initialize sets up all dependencies and components
func (a *App) Initialize(ctx context.Context) error {
	a.settings = LoadSettings(a.config, a.logger)
	s := a.settings

	var lifecycles []interface{}

	// Change log
	var changes changelog.Log
	var memoryLog *changelog.MemoryLog
	if s.ChangeBackend == BackendRedis {
		redisLog := redis.NewChangeLog(a.config, s.ChangeLog, a.logger)
		changes = redisLog
		lifecycles = append(lifecycles, redisLog)
	} else {
		memoryLog = changelog.NewMemoryLog(s.ChangeLog)
		changes = memoryLog
	}

	// NATS: order-entry requests in, session changes out
	var subscriber aptevents.Subscriber
	var closeSubscriber func() error
	if s.NATSEnabled {
		var eventPublisher aptevents.Publisher
		if s.StreamEnabled {
			stream, err := pkg.NewNATSStream(ctx, pkg.NATSStreamConfig{
				URL:          s.NATSURL,
				StreamName:   sessionsStreamName,
				Topic:        event.SessionsTopic,
				ConsumerName: sessionsConsumer,
				MaxAge:       s.ChangeLog.MaxAge,
			})
			if err != nil {
				return fmt.Errorf("cannot create sessions stream: %w", err)
			}
			a.logger.Info("NATS stream initialized for session changes")
			eventPublisher = stream
			lifecycles = append(lifecycles, apt.LifecycleHooks{
				OnStop: func(context.Context) error { return stream.Close() },
			})

			// Only a process-local log needs rebuilding; redis survives restarts.
			if memoryLog != nil {
				lifecycles = append(lifecycles, apt.LifecycleHooks{
					OnStart: func(ctx context.Context) error {
						if _, err := publisher.WarmChanges(ctx, stream, memoryLog, a.logger); err != nil {
							a.logger.Info("failed to warm change log", "error", err)
						}
						return nil
					},
				})
			}
		} else {
			natsPublisher, err := pkg.NewNATSPublisher(s.NATSURL)
			if err != nil {
				return fmt.Errorf("cannot connect to NATS publisher: %w", err)
			}
			eventPublisher = natsPublisher
			lifecycles = append(lifecycles, apt.LifecycleHooks{
				OnStop: func(context.Context) error { return natsPublisher.Close() },
			})
		}
		changes = publisher.NewChangeRelay(changes, eventPublisher, a.logger)

		// Order requests need redelivery when a write fails, which only
		// JetStream provides.
		if s.StreamEnabled {
			queue, err := pkg.NewNATSQueue(ctx, pkg.NATSQueueConfig{
				URL:          s.NATSURL,
				StreamName:   ticketsStreamName,
				Topic:        event.TicketsTopic,
				ConsumerName: ticketsConsumer,
				MaxAge:       ticketsRetention,
			}, a.logger)
			if err != nil {
				return fmt.Errorf("cannot create tickets queue: %w", err)
			}
			a.logger.Info("NATS durable consumer initialized for ticket requests")
			subscriber, closeSubscriber = queue, queue.Close
		} else {
			natsSubscriber, err := pkg.NewNATSSubscriber(s.NATSURL, a.logger)
			if err != nil {
				return fmt.Errorf("cannot connect to NATS subscriber: %w", err)
			}
			a.logger.Info("NATS core subscriber for ticket requests, failed requests are not redelivered")
			subscriber, closeSubscriber = natsSubscriber, natsSubscriber.Close
		}
	}

	// Session store, warmed from Mongo after the repository starts
	var repo sessions.Repository
	if s.MongoEnabled {
		sessionRepo := mongo.NewSessionRepo(a.config, a.logger)
		repo = sessionRepo
		lifecycles = append(lifecycles, sessionRepo)
	}
	store := sessions.NewStore(repo, changes, a.logger)
	if repo != nil {
		lifecycles = append(lifecycles, apt.LifecycleHooks{
			OnStart: func(ctx context.Context) error {
				if err := store.Warm(ctx); err != nil {
					return fmt.Errorf("cannot warm session store: %w", err)
				}
				return nil
			},
		})
	}

	broadcastHub := hub.New(s.Hub, a.logger)
	lifecycles = append(lifecycles, broadcastHub)

	updates := publisher.New(store, broadcastHub, a.logger)
	entry := orderentry.NewService(store, updates, a.logger)

	if subscriber != nil {
		lifecycles = append(lifecycles,
			events.NewTicketSubscriber(subscriber, entry, a.logger),
			apt.LifecycleHooks{
				OnStop: func(context.Context) error { return closeSubscriber() },
			},
		)
	}

	handler := tablelink.NewHandler(tablelink.HandlerDeps{
		OrderEntry:   entry,
		Reconciler:   reconcile.NewService(changes, store, a.logger),
		Sessions:     store,
		Hub:          broadcastHub,
		WriteTimeout: s.WriteTimeout,
		Topic:        publisher.Topic,
	}, a.logger)

	stack := middleware.DefaultStack(middleware.StackOptions{
		Logger: a.logger,
	})

	options := []apt.Option{
		apt.WithConfig(a.config),
		apt.WithLogger(a.logger),
		apt.WithHTTPMiddleware(stack...),
		apt.WithHTTPServerModules("web.port", handler),
		apt.WithLifecycle(lifecycles...),
		apt.WithHealthChecks(AppName),
	}

	a.micro = apt.NewMicro(options...)
	return nil
}

// Run starts the application
func (a *App) Run(ctx context.Context) error {
	if a.micro == nil {
		return fmt.Errorf("app not initialized")
	}
	a.logger.Infof("Starting %s(%s)", AppName, AppVersion)
	if err := a.micro.Run(ctx); err != nil {
		return err
	}
	a.logger.Infof("%s(%s) stopped", AppName, AppVersion)
	return nil
}
