package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/api"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/storage"
	"taskboard/stream"
)

// store is what the server needs from either backend.
type store interface {
	domain.TaskStore
	domain.ProjectStore
	domain.UserDirectory
	api.Profiles
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	var tasks domain.TaskStore = st

	hub := stream.NewHub(0)
	var (
		rc        *redis.Client
		deduper   api.Deduper
		publisher domain.Publisher = hub
	)
	if cfg.Redis.ConnectionString != "" {
		opts, err := config.RedisOptions(cfg.Redis.ConnectionString)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
		deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
		if cfg.Redis.TasksCacheTTL > 0 {
			tasks = storage.NewCache(st, rc, cfg.Redis.TasksCacheTTL)
		}
		// every instance relays the channel to its own hub, this one included
		publisher = stream.RedisPublisher{Client: rc, Channel: cfg.Events.Channel}
		go stream.Relay(ctx, logger, rc, cfg.Events.Channel, hub)
	} else {
		logger.Warn("redis not configured, events stay on this instance and creates are not deduplicated")
	}

	if cfg.Events.Queue != "" {
		q, err := stream.NewQueueClient(cfg.Storage.ConnectionString, cfg.Events.Queue)
		if err != nil {
			logger.Fatalf("events queue: %v", err)
		}
		sink := stream.NewQueueSink(q, logger, stream.SinkOptions{HandoffTimeout: 15 * time.Millisecond})
		defer sink.Close()
		publisher = stream.Fanout{publisher, sink}
	}

	auth, err := newAuth(cfg, logger)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	svc := domain.NewTaskService(tasks, st, st, publisher, logger, domain.WithMaxAttempts(cfg.MoveMaxAttempts))

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	if cfg.Debug {
		pprof.Register(e)
	}

	api.Register(e, api.Deps{
		Tasks:    svc,
		Auth:     auth,
		Deduper:  deduper,
		Profiles: st,
		Logger:   logger,
		Health: func(ctx context.Context) error {
			if err := st.Ping(ctx); err != nil {
				return err
			}
			if rc != nil {
				return rc.Ping(ctx).Err()
			}
			return nil
		},
	})
	sh := &stream.Handler{Hub: hub, Auth: auth, Access: domain.ProjectAuthorizer{Projects: st}, Logger: logger}
	sh.Register(e)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("shutdown")
		}
	}()

	logger.WithFields(log.Fields{"port": cfg.Port, "store": cfg.Storage.Driver}).Info("taskboard listening")
	if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
}

func newLogger(cfg *config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		return storage.OpenSQLite(ctx, cfg.Storage.SQLitePath)
	default:
		return storage.NewTableStore(cfg.Storage.ConnectionString, cfg.Storage.TasksTable, cfg.Storage.ProjectsTable, cfg.Storage.UsersTable)
	}
}

func newAuth(cfg *config.Config, logger *log.Logger) (*api.Auth, error) {
	opts := api.AuthOptions{Audience: cfg.Auth.Audience}
	if cfg.Auth.Domain != "" {
		opts.Issuer = cfg.Auth.Issuer()
	}
	if cfg.Auth.LocalMode {
		logger.Warn("local auth mode: accepting HS256 tokens signed with the shared secret")
		opts.SharedSecret = []byte(cfg.Auth.SharedSecret)
		return api.NewAuth(opts), nil
	}
	jwks, err := api.LoadJWKS(cfg.Auth.JWKSURL(), cfg.Auth.JWKSRefresh, logger)
	if err != nil {
		return nil, err
	}
	opts.JWKS = jwks
	return api.NewAuth(opts), nil
}
