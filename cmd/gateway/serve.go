package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"github.com/EvolutionAPI/evolution-api-sub000/internal/authstate"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/cache"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/config"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/db"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/dispatch"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/handlers"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/healthcheck"
	authchecker "github.com/EvolutionAPI/evolution-api-sub000/internal/healthcheck/checkers/authstate"
	sessionchecker "github.com/EvolutionAPI/evolution-api-sub000/internal/healthcheck/checkers/session"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/instance"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/integration"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/logger"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/protocol/whatsmeow"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/queue"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/repository"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/server"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/session"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/storage/providers/filesystem"
	pgstore "github.com/EvolutionAPI/evolution-api-sub000/internal/storage/providers/postgres"
	redisstore "github.com/EvolutionAPI/evolution-api-sub000/internal/storage/providers/redis"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/webhook"
	"github.com/EvolutionAPI/evolution-api-sub000/internal/websocket"
)

type configPath string

func runServe(path string) error {
	app := fx.New(
		fx.Supply(configPath(path)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBackends,
			provideCache,
			provideRepositories,
			provideAuthManager,
			provideProtocols,
			provideWebhookClient,
			provideBroker,
			provideHub,
			provideConfigs,
			provideRelay,
			provideDispatcher,
			provideRegistry,
			provideService,
			provideHealthChecker,
			provideServerHandler(func(log *slog.Logger) *handlers.PingHandler {
				return handlers.NewPingHandler(log, version)
			}),
			provideServerHandler(handlers.NewInstanceHandler),
			provideServerHandler(handlers.NewConfigHandler),
			provideServerHandler(handlers.NewMessageHandler),
			provideServerHandler(handlers.NewHealthHandler),
			provideServerHandler(provideWebsocketHandler),
			provideServer,
		),
		fx.Invoke(
			bindRelay,
			startRegistry,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig(path configPath) (config.Config, error) {
	cfg, err := config.Load(string(path))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// backends keeps auth state apart from repository documents so instance
// names can never collide with collection names.
type backends struct {
	Auth storage.Backend
	Data storage.Backend
}

func provideBackends(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (backends, error) {
	switch cfg.Database.Provider {
	case config.ProviderPostgres:
		dsn := cfg.Postgres.DSN()
		if err := db.Migrate(dsn); err != nil {
			return backends{}, err
		}
		pool, err := db.Open(context.Background(), cfg.Postgres)
		if err != nil {
			return backends{}, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { pool.Close(); return nil }})
		return postgresBackends(pool), nil
	case config.ProviderRedis:
		client := newRedisClient(cfg.Redis)
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
		return backends{
			Auth: redisstore.New(client, cfg.Redis.Prefix+":auth"),
			Data: redisstore.New(client, cfg.Redis.Prefix+":store"),
		}, nil
	default:
		if cfg.Database.Provider != config.ProviderFilesystem {
			log.Warn("unknown database provider, using filesystem", slog.String("provider", cfg.Database.Provider))
		}
		authFS, err := filesystem.New(filepath.Join(cfg.Database.Root, "auth"))
		if err != nil {
			return backends{}, err
		}
		dataFS, err := filesystem.New(filepath.Join(cfg.Database.Root, "store"))
		if err != nil {
			return backends{}, err
		}
		return backends{Auth: authFS, Data: dataFS}, nil
	}
}

func postgresBackends(pool *pgxpool.Pool) backends {
	return backends{
		Auth: pgstore.New(pool, "auth_state"),
		Data: pgstore.New(pool, "documents"),
	}
}

func newRedisClient(cfg config.RedisConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

type cacheProvider interface {
	Module(name string) cache.Engine
	Close() error
}

func provideCache(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (cacheProvider, error) {
	var provider cacheProvider
	if cfg.Cache.Backend == config.CacheRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := cache.DialRedis(ctx, &goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Cache.Prefix, cfg.Cache.TTL())
		if err != nil {
			return nil, err
		}
		provider = r
	} else {
		provider = cache.NewLocal(cfg.Cache.TTL(), time.Minute)
	}
	log.Info("cache ready", slog.String("backend", cfg.Cache.Backend))
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return provider.Close() }})
	return provider, nil
}

func provideRepositories(b backends) *repository.Repositories {
	return repository.New(b.Data)
}

func provideAuthManager(b backends, log *slog.Logger) *authstate.Manager {
	return authstate.NewManager(b.Auth, log)
}

func provideProtocols(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (*protocol.Registry, error) {
	dir := cfg.Whatsmeow.DeviceDir
	if dir == "" {
		dir = filepath.Join(cfg.Database.Root, "devices")
	}
	factory, err := whatsmeow.NewFactory(whatsmeow.FactoryOptions{
		DeviceStore: cfg.Whatsmeow.DeviceStore,
		DeviceDir:   dir,
		LogLevel:    cfg.Whatsmeow.LogLevel,
	}, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return factory.Close() }})
	registry := protocol.NewRegistry()
	if err := registry.Register(factory); err != nil {
		return nil, err
	}
	return registry, nil
}

func provideWebhookClient(cfg config.Config) *webhook.Client {
	return webhook.New(webhook.Options{
		Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		Retries: cfg.Webhook.Retries,
	})
}

// provideBroker returns nil when rabbitmq is disabled.
func provideBroker(lc fx.Lifecycle, cfg config.Config, log *slog.Logger) (*queue.Topology, error) {
	if !cfg.RabbitMQ.Enabled {
		return nil, nil
	}
	conn, err := queue.Dial(cfg.RabbitMQ.URI, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return conn.Close() }})
	return conn.Topology(queue.ParseMode(cfg.RabbitMQ.Mode), cfg.RabbitMQ.ExchangeName, log), nil
}

func provideHub(log *slog.Logger) *websocket.Hub {
	return websocket.NewHub(log)
}

func provideConfigs(repos *repository.Repositories, c cacheProvider, cfg config.Config, log *slog.Logger) *dispatch.Configs {
	return dispatch.NewConfigs(repos, c.Module(dispatch.CacheModule), cfg.Cache.TTL(), log)
}

func provideRelay(hooks *webhook.Client, log *slog.Logger) *integration.Relay {
	return integration.NewRelay(hooks, log)
}

// bindRelay lets typebot answers go out through the instance service.
func bindRelay(relay *integration.Relay, svc *instance.Service) {
	relay.SetReplier(svc)
}

func provideDispatcher(lc fx.Lifecycle, cfg config.Config, log *slog.Logger, configs *dispatch.Configs, hooks *webhook.Client, relay *integration.Relay, broker *queue.Topology, hub *websocket.Hub) *dispatch.Dispatcher {
	deps := dispatch.Deps{
		Configs:      configs,
		Webhook:      hooks,
		Sockets:      hub,
		Integrations: relay,
		Logger:       log,
	}
	if broker != nil {
		deps.Broker = broker
	}
	d := dispatch.New(dispatch.Options{
		ServerURL:     cfg.Server.URL,
		ExposeAPIKey:  cfg.Server.ExposeAPIKey,
		GlobalWebhook: cfg.Webhook.Global,
		BrokerEnabled: broker != nil,
		SocketEnabled: cfg.Websocket.Enabled,
		Timeout:       cfg.Dispatch.Timeout(),
		Location:      cfg.Dispatch.Location(),
	}, deps)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { d.Wait(); return nil }})
	return d
}

func sessionConfig(cfg config.Config) session.Config {
	sc := session.Config{
		QRLimit:          cfg.Instance.QRLimit,
		ReconnectInitial: time.Duration(cfg.Instance.ReconnectInitialMS) * time.Millisecond,
		ReconnectMax:     time.Duration(cfg.Instance.ReconnectMaxSeconds) * time.Second,
		SendBurst:        cfg.Instance.SendBurst,
		StoreMessages:    cfg.Store.Messages,
		StoreChats:       cfg.Store.Chats,
		StoreContacts:    cfg.Store.Contacts,
	}
	if cfg.Instance.SendRatePerSecond > 0 {
		sc.SendRate = rate.Limit(cfg.Instance.SendRatePerSecond)
	}
	return sc
}

func provideRegistry(cfg config.Config, log *slog.Logger, protocols *protocol.Registry, auth *authstate.Manager, repos *repository.Repositories, dispatcher *dispatch.Dispatcher, configs *dispatch.Configs, broker *queue.Topology) *instance.Registry {
	deps := instance.RegistryDeps{
		Protocols: protocols,
		Auth:      auth,
		Repos:     repos,
		Publisher: dispatcher,
		Configs:   configs,
		Session:   sessionConfig(cfg),
		Logger:    log,
	}
	if broker != nil {
		deps.Topology = broker
	}
	return instance.NewRegistry(deps)
}

func provideService(cfg config.Config, log *slog.Logger, registry *instance.Registry, repos *repository.Repositories, configs *dispatch.Configs, dispatcher *dispatch.Dispatcher, broker *queue.Topology) *instance.Service {
	var topology instance.TopologyApplier
	if broker != nil {
		topology = broker
	}
	return instance.NewService(registry, repos, configs, topology, dispatcher, instance.ServiceOptions{
		AuthType:      cfg.Server.AuthType,
		JWTSecret:     cfg.Server.JWTSecret,
		JWTTTL:        cfg.Server.JWTTTL(),
		IdleMinutes:   cfg.Instance.IdleMinutes,
		BrokerEnabled: broker != nil,
		QRWait:        5 * time.Second,
	}, log)
}

func provideHealthChecker(log *slog.Logger, registry *instance.Registry, auth *authstate.Manager) healthcheck.Checker {
	return healthcheck.Combine(
		sessionchecker.NewChecker(log, registry),
		authchecker.NewChecker(log, auth),
	)
}

func provideWebsocketHandler(log *slog.Logger, hub *websocket.Hub, registry *instance.Registry) *handlers.WebsocketHandler {
	return handlers.NewWebsocketHandler(log, hub, registry)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	Service        *instance.Service
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server, params.Service, params.ServerHandlers...)
}

func startRegistry(lc fx.Lifecycle, cfg config.Config, log *slog.Logger, registry *instance.Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.StartSweep(cfg.Instance.SweepSchedule); err != nil {
				return err
			}
			go func() {
				if err := registry.Reload(context.Background()); err != nil {
					log.Error("reload instances failed", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			registry.Close()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	log.Info("starting gateway", slog.String("version", version), slog.String("commit", commit))
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
