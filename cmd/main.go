package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/campusworker/internal/config"
	"github.com/l0p7/campusworker/internal/expr"
	"github.com/l0p7/campusworker/internal/logging"
	"github.com/l0p7/campusworker/internal/metrics"
	"github.com/l0p7/campusworker/internal/platform"
	"github.com/l0p7/campusworker/internal/runtime"
	"github.com/l0p7/campusworker/internal/runtime/cache"
	"github.com/l0p7/campusworker/internal/runtime/fetch"
	"github.com/l0p7/campusworker/internal/runtime/lifecycle"
	"github.com/l0p7/campusworker/internal/runtime/network"
	"github.com/l0p7/campusworker/internal/runtime/push"
	"github.com/l0p7/campusworker/internal/server"
	"github.com/l0p7/campusworker/internal/subscription"
	"github.com/l0p7/campusworker/internal/templates"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CAMPUSWORKER", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	storage := buildStorage(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := storage.Close(closeCtx); err != nil {
			logger.Error("cache storage close failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	app, err := buildApp(cfg, logger, storage, metricsRecorder)
	if err != nil {
		logger.Error("unable to assemble worker", slog.Any("error", err))
		os.Exit(1)
	}

	if _, err := app.worker.Deploy(ctx, cfg.Manifest); err != nil {
		// Without an active generation every request passes through to the network.
		logger.Error("initial deployment failed",
			slog.String("generation", cfg.Manifest.Generation),
			slog.String("manifest_source", cfg.ManifestSource),
			slog.Any("error", err),
		)
	}

	if path := strings.TrimSpace(cfg.Worker.ManifestFile); path != "" {
		watcher, err := config.WatchManifest(ctx, path, cfg.Manifest, func(change config.ManifestChange) {
			report, err := app.worker.Deploy(ctx, change.Current)
			if err != nil {
				logger.Error("manifest redeploy failed",
					slog.String("generation", change.Current.Generation),
					slog.Any("error", err),
				)
				return
			}
			logger.Info("manifest redeployed",
				slog.String("generation", report.Generation),
				slog.String("previous", report.Previous),
				slog.Int("deleted", len(report.Deleted)),
			)
		}, func(err error) {
			if errors.Is(err, config.ErrGenerationNotBumped) {
				logger.Warn("manifest changed without a generation bump", slog.Any("error", err))
				return
			}
			logger.Error("manifest watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewHandler(server.Routes{
		Worker:     app.worker,
		Push:       app.pushService,
		Subscriber: app.subscriber,
		Backend:    app.backend,
		Windows:    app.windows,
		Metrics:    metricsRecorder.Handler(),
		Logger:     logger,
	})

	srv, err := server.New(cfg, logger, handler, app.worker.Shutdown)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

type app struct {
	worker      *runtime.Worker
	pushService *platform.PushService
	windows     *platform.Windows
	subscriber  *subscription.Client
	backend     *subscription.Backend
}

func buildApp(cfg config.Config, logger *slog.Logger, storage cache.Storage, rec *metrics.Recorder) (*app, error) {
	origin, err := network.ParseOrigin(cfg.Worker.Origin)
	if err != nil {
		return nil, err
	}
	client := network.NewClient(cfg.Worker.NetworkTimeoutDuration())

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	bypass, err := expr.CompileRules(env, cfg.Worker.Bypass)
	if err != nil {
		return nil, err
	}

	offline, err := buildOfflinePage(logger, cfg.Server.Templates)
	if err != nil {
		return nil, err
	}

	manager, err := lifecycle.NewManager(lifecycle.Options{
		Storage:     storage,
		Client:      client,
		Origin:      origin,
		Concurrency: cfg.Worker.PrecacheConcurrency,
		Logger:      logger,
		Metrics:     rec,
	})
	if err != nil {
		return nil, err
	}
	router, err := fetch.NewRouter(fetch.Config{Client: client, Bypass: bypass, Logger: logger, Metrics: rec})
	if err != nil {
		return nil, err
	}

	center := push.NewCenter()
	windows := platform.NewWindows()
	receiver, err := push.NewReceiver(push.ReceiverConfig{
		Displayer:         center,
		Origin:            origin,
		DefaultTitle:      cfg.Push.DefaultTitle,
		Icon:              cfg.Push.Icon,
		Badge:             cfg.Push.Badge,
		AllowExternalURLs: cfg.Push.AllowExternalURLs,
		Logger:            logger,
		Metrics:           rec,
	})
	if err != nil {
		return nil, err
	}
	clicks, err := push.NewClickRouter(push.ClickConfig{
		Tray:    center,
		Opener:  windows,
		Origin:  origin,
		Logger:  logger,
		Metrics: rec,
	})
	if err != nil {
		return nil, err
	}

	worker, err := runtime.NewWorker(logger, runtime.WorkerOptions{
		Manager:           manager,
		Router:            router,
		Receiver:          receiver,
		Clicks:            clicks,
		Center:            center,
		Origin:            origin,
		Offline:           offline,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	if err != nil {
		return nil, err
	}

	pushService, err := platform.NewPushService(origin.String() + "/push")
	if err != nil {
		return nil, err
	}
	pushService.Attach(worker)

	subscriber := subscription.NewClient(subscription.ClientConfig{
		Container:            platform.NewContainer(origin, pushService),
		ScriptPath:           cfg.Worker.ScriptPath,
		Scope:                cfg.Worker.Scope,
		ApplicationServerKey: cfg.Push.ApplicationServerKey,
	})

	var backend *subscription.Backend
	if apiURL := strings.TrimSpace(cfg.Backend.APIURL); apiURL != "" {
		backend, err = subscription.NewBackend(subscription.BackendConfig{
			APIURL:  apiURL,
			Timeout: cfg.Backend.TimeoutDuration(),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info("no backend configured, subscriptions stay local")
	}

	return &app{
		worker:      worker,
		pushService: pushService,
		windows:     windows,
		subscriber:  subscriber,
		backend:     backend,
	}, nil
}

func buildOfflinePage(logger *slog.Logger, cfg config.TemplatesConfig) (*templates.OfflinePage, error) {
	var renderer *templates.Renderer
	if folder := strings.TrimSpace(cfg.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder, cfg.TemplatesAllowEnv, cfg.TemplatesAllowedEnv)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			renderer = templates.NewRenderer(sandbox)
		}
	}
	page := strings.TrimSpace(cfg.OfflinePage)
	if renderer == nil && page != "" {
		logger.Warn("offline page ignored without a template sandbox", slog.String("offline_page", page))
		page = ""
	}
	return templates.NewOfflinePage(renderer, page)
}

func buildStorage(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Storage {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory generation storage")
		}
		return cache.NewMemory()
	case "leveldb":
		storage, err := cache.NewLevelDB(cfg.LevelDB.Path)
		if err != nil {
			if logger != nil {
				logger.Error("leveldb storage initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory storage")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using leveldb generation storage", slog.String("path", cfg.LevelDB.Path))
		}
		return storage
	case "redis":
		storage, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis storage initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory storage")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis generation storage", slog.String("address", cfg.Redis.Address))
		}
		return storage
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}
