package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/api"
	"taskboard/app"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/hub"
	"taskboard/hubclient"
	"taskboard/storage"
)

type store interface {
	domain.TaskRepository
	storage.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	repo, closeStore, err := openStore(cfg, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		opts, err := cfg.RedisOptions()
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		if cfg.CacheTTL > 0 {
			repo = storage.NewCache(repo, rc, cfg.CacheTTL)
		}
	}

	var feed *storage.Feed
	if cfg.ChangeFeedQueue != "" {
		send, err := storage.NewQueueSender(cfg.StorageConnectionString, cfg.ChangeFeedQueue)
		if err != nil {
			log.Fatalf("change feed: %v", err)
		}
		feed = storage.NewFeed(repo, send, logger, storage.FeedOptions{Workers: cfg.FeedWorkers, Buffer: cfg.FeedBuffer})
		repo = feed
	}

	h := hub.New(hub.Options{
		KeepAliveInterval: cfg.HubKeepAlive,
		ClientTimeout:     cfg.HubClientTimeout,
		HandshakeTimeout:  cfg.HubHandshakeTimeout,
	}, logger)
	backplaneCtx, stopBackplane := context.WithCancel(context.Background())
	backplaneDone := make(chan struct{})
	if rc != nil {
		h.UseBackplane(hub.NewBackplane(rc, cfg.HubChannel, logger))
	}
	go func() {
		defer close(backplaneDone)
		h.RunBackplane(backplaneCtx)
	}()

	// The listener exists before the sessions dial the hub so their first
	// connect waits in the accept queue instead of failing.
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	var registry *prometheus.Registry
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	e := api.NewServer(logger, api.ServerOptions{Metrics: registry, Pprof: cfg.PprofEnabled})
	e.Listener = ln

	delays, _ := cfg.ReconnectDelays()
	hubURL := cfg.HubURL()
	sessions := api.NewSessions(app.NewHandlers(repo), func() app.Relay {
		return hubclient.New(hubclient.Options{
			URL:               hubURL,
			ReconnectDelays:   delays,
			KeepAliveInterval: cfg.HubKeepAlive,
			ServerTimeout:     cfg.HubClientTimeout,
			HandshakeTimeout:  cfg.HubHandshakeTimeout,
		}, logger)
	}, logger)

	api.Register(e, api.Deps{
		Sessions: sessions,
		Hub:      h.Handle,
		Health:   repo,
		Readme:   api.NewReadme(cfg.ReadmePath),
		Logger:   logger,
	})

	go func() {
		logger.WithFields(log.Fields{"addr": ln.Addr().String(), "backend": cfg.StorageBackend}).Info("taskboard listening")
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"taskboard": func(ctx context.Context) error {
			// stream handlers return once their session closes, so sessions go
			// before the HTTP server
			var errs []error
			if err := sessions.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("sessions: %w", err))
			}
			if err := h.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("hub: %w", err))
			}
			if err := e.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http: %w", err))
			}
			stopBackplane()
			<-backplaneDone
			if feed != nil {
				if err := feed.Close(ctx); err != nil {
					errs = append(errs, fmt.Errorf("change feed: %w", err))
				}
			}
			if rc != nil {
				if err := rc.Close(); err != nil {
					errs = append(errs, fmt.Errorf("redis: %w", err))
				}
			}
			if err := closeStore(); err != nil {
				errs = append(errs, fmt.Errorf("storage: %w", err))
			}
			return errors.Join(errs...)
		},
	})
	code := <-wait
	logger.WithField("code", code).Info("taskboard stopped")
	os.Exit(code)
}

func openStore(cfg *config.Config, logger *log.Logger) (store, func() error, error) {
	switch cfg.StorageBackend {
	case config.BackendTables:
		client, err := storage.NewTableClient(cfg.StorageConnectionString, cfg.TasksTable)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewTableStore(client, cfg.TasksPartition), func() error { return nil }, nil
	default:
		db, err := storage.OpenSQLite(cfg.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		s := storage.NewSQLStore(db)
		if err := s.Migrate(context.Background()); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}
