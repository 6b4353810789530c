package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"examprep-server/apiclient"
	"examprep-server/config"
	"examprep-server/db"
	"examprep-server/handlers"
	"examprep-server/logger"
	"examprep-server/metrics"
	"examprep-server/middleware"
	"examprep-server/session"
	"examprep-server/store"
)

// closer is a resource released on shutdown.
type closer struct {
	name  string
	close func() error
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("examprep-server", cfg.LogLevel)

	snapshots, pool, closers, err := openStorage(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Unable to open snapshot storage")
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	observers := session.Observers{m}
	var history handlers.EventHistory
	if pool != nil && cfg.EventLog {
		eventLog := db.NewEventLog(pool, log)
		observers = append(observers, eventLog)
		history = eventLog
	}

	client := apiclient.New(apiclient.Options{
		BaseURL:      strings.TrimRight(cfg.BackendURL, "/") + "/api",
		SharedSecret: cfg.SecretLocalToken,
		Timeout:      cfg.RequestTimeout,
	})

	callers := handlers.NewCallers(cfg.DefaultLocale, log)
	registry := session.NewRegistry(handlers.MachineFactory(callers, session.Deps{
		Questions: client,
		Submitter: client,
		Store:     snapshots,
		Observer:  observers,
		Log:       log,
	}, session.Options{ExamDuration: cfg.Exam.Duration, AutoTick: true}))

	// Evict idle machines; their snapshots stay in the store
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go handlers.SweepIdle(sweepCtx, registry, callers, handlers.IdleConfig{
		Interval:   cfg.Session.SweepInterval,
		Idle:       cfg.Session.IdleTTL,
		ActiveIdle: cfg.Session.ActiveTTL,
	}, log)

	// Set Gin mode
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.HTMLRender = handlers.NewRenderer()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Metrics(m))
	router.Use(middleware.Identify(middleware.IdentifyConfig{
		SigningKey: cfg.JWT.SigningKey,
		Issuer:     cfg.JWT.Issuer,
		Users:      client,
		CacheTTL:   cfg.JWT.IdentityTTL,
	}, log))

	router.GET("/healthz", handlers.Health(registry))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Same-origin forwarding to the upstream API
	router.Any("/api/proxy/*path", handlers.Proxy(handlers.ProxyConfig{
		BackendURL: cfg.BackendURL,
		Secret:     cfg.SecretLocalToken,
		Timeout:    cfg.RequestTimeout,
	}, m, log))

	// API Routes (version 1)
	apiV1 := router.Group("/api/v1")
	{
		apiV1.GET("/sections", handlers.Sections(client, callers, log))
		handlers.NewSessions(registry, callers, log).Register(apiV1.Group("/sessions"))
	}
	router.GET("/results/:mode", handlers.Results(registry, callers))

	// Admin routes; the upstream API enforces the admin role again on every write
	admin := router.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	{
		admin.GET("/dashboard", handlers.AdminDashboard(registry, history, log))
		admin.POST("/questions/import", handlers.ImportQuestions(client, log))
	}

	srv := &http.Server{
		Addr:    cfg.ServerPort,
		Handler: router,
	}

	// Goroutine to gracefully shut down the server
	done := make(chan struct{})
	go func() {
		defer close(done)
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var result *multierror.Error
		if err := srv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http server: %w", err))
		}
		stopSweep()
		registry.Close()
		for _, c := range closers {
			if err := c.close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", c.name, err))
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			log.WithError(err).Error("Shutdown finished with errors")
		}
	}()

	log.WithFields(logrus.Fields{"addr": cfg.ServerPort, "snapshots": cfg.Snapshot.Backend}).Info("Exam prep server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("Server startup error")
	}
	<-done
	log.Info("Server exited gracefully.")
}

// openStorage builds the configured snapshot store and, when postgres is needed
// for snapshots or the event log, the connection pool.
func openStorage(cfg *config.Config, log *logrus.Entry) (session.SnapshotStore, *pgxpool.Pool, []closer, error) {
	var (
		pool    *pgxpool.Pool
		closers []closer
	)
	if cfg.Snapshot.Backend == "postgres" || cfg.EventLog {
		var err error
		pool, err = db.InitDB(cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, closer{"postgres", func() error { pool.Close(); return nil }})
		// Ensure database schema is set up
		if err := db.CreateSchema(pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
	}

	ttl := cfg.Snapshot.TTL
	switch cfg.Snapshot.Backend {
	case "file":
		s, err := store.NewFile(cfg.Snapshot.Dir, ttl)
		if err != nil {
			return nil, pool, closers, err
		}
		return s, pool, closers, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, pool, closers, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		closers = append(closers, closer{"redis", rdb.Close})
		return store.NewRedis(rdb, ttl), pool, closers, nil
	case "postgres":
		return store.NewPostgres(pool, ttl), pool, closers, nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath, ttl)
		if err != nil {
			return nil, pool, closers, err
		}
		closers = append(closers, closer{"sqlite", s.Close})
		return s, pool, closers, nil
	default:
		return store.NewMemory(ttl), pool, closers, nil
	}
}
