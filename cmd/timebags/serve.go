// serve.go — режим HTTP-сервиса: API, планировщик завершения,
// сверка реестра, мониторинг зависимостей и работа нескольких
// экземпляров над общим каталогом данных.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/TimeBags/timebags/internal/api/generated"
	"github.com/TimeBags/timebags/internal/api/handlers"
	"github.com/TimeBags/timebags/internal/api/middleware"
	"github.com/TimeBags/timebags/internal/asic"
	"github.com/TimeBags/timebags/internal/config"
	"github.com/TimeBags/timebags/internal/replica"
	"github.com/TimeBags/timebags/internal/server"
	"github.com/TimeBags/timebags/internal/service"
	"github.com/TimeBags/timebags/internal/storage/filestore"
	"github.com/TimeBags/timebags/internal/storage/index"
	"github.com/TimeBags/timebags/internal/storage/wal"
)

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("timebags serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Ошибка конфигурации: %v\n", err)
		return exitError
	}

	logger := config.SetupLogger(cfg)
	logger.Info("TimeBags запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.String("replica_mode", cfg.ReplicaMode),
	)

	if err := serve(cfg, logger); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		return exitError
	}
	logger.Info("TimeBags остановлен")
	return exitOK
}

// serve собирает компоненты и блокируется до завершения HTTP-сервера.
func serve(cfg *config.Config, logger *slog.Logger) error {
	// --- Инициализация компонентов ---

	// 1. Каталог данных
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("создание каталога данных %s: %w", cfg.DataDir, err)
	}

	// 2. WAL: восстанавливается только экземпляром, пишущим в каталог
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		return fmt.Errorf("инициализация WAL: %w", err)
	}

	// 3. Входящий каталог загрузок
	inbox, err := filestore.New(cfg.InboxDir)
	if err != nil {
		return fmt.Errorf("инициализация входящего каталога: %w", err)
	}
	inbox.SetJournal(walEngine)

	// 4. Реестр контейнеров
	idx := index.New(logger)
	if err := idx.BuildFromDir(cfg.DataDir); err != nil {
		return fmt.Errorf("построение реестра: %w", err)
	}
	reg := service.NewRegistry(idx, cfg.DataDir, logger)
	reg.PublishMetrics()

	// 5. Автомат завершения и обработчик ввода
	engine, tsaClient, otsClient, err := newEngine(cfg, walEngine, logger)
	if err != nil {
		return err
	}
	locks := service.NewPathLocks()
	proc := service.NewProcessor(asic.NewBuilder(cfg.DataDir, logger), engine, locks, logger)

	// 6. Сервисы
	uploadSvc := service.NewUploadService(inbox, proc, reg, cfg.MaxUploadSize, logger)
	downloadSvc := service.NewDownloadService(reg, logger)
	cache := service.NewStatusCache(cfg.StatusCacheSize, cfg.StatusCacheTTL)

	upgradeSvc := service.NewUpgradeService(proc, reg, cfg.UpgradeWorkers, cfg.UpgradeInterval, logger)
	upgradeSvc.SetStepHook(cache.Invalidate)

	reconcileSvc := service.NewReconcileService(reg, engine, locks, inbox, cfg.ReconcileInterval, logger)

	// 7. Фоновые процессы
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// startWriter запускает всё, что пишет в каталог данных
	startWriter := func() error {
		if err := recoverJournal(walEngine, logger); err != nil {
			return err
		}
		// Контейнеры, появившиеся без attr.json, регистрируются до приёма запросов
		reconcileSvc.RunOnce()
		reconcileSvc.Start(ctx)
		upgradeSvc.Start(ctx)
		return nil
	}

	var (
		roles    replica.RoleProvider = replica.Standalone{}
		election *replica.Election
		refresh  *replica.FollowerRefresh
	)
	if cfg.Replicated() {
		refresh = replica.NewFollowerRefresh(idx, cfg.DataDir, cfg.IndexRefreshInterval, reg.PublishMetrics, logger)
		election = replica.NewElection(replica.ElectionConfig{
			DataDir: cfg.DataDir,
			Addr:    cfg.AdvertiseAddr,
			OnLeader: func() {
				refresh.Stop()
				// Реестр мог устареть, пока экземпляр был follower
				if err := idx.BuildFromDir(cfg.DataDir); err != nil {
					logger.Error("Ошибка перестроения реестра", slog.String("error", err.Error()))
				}
				if err := startWriter(); err != nil {
					logger.Error("Ошибка запуска записи leader", slog.String("error", err.Error()))
				}
			},
			OnFollower: func() { refresh.Start(ctx) },
		}, logger)
		if err := election.Start(); err != nil {
			return fmt.Errorf("выбор leader: %w", err)
		}
		roles = election
	} else {
		replica.MarkStandalone()
		if err := startWriter(); err != nil {
			return err
		}
	}

	// 7.1 topologymetrics — мониторинг TSA и календарей
	var deps handlers.DependencyHealth
	dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
		Instance:  dephealthInstance(cfg),
		Group:     cfg.DephealthGroup,
		TSA:       tsaClient.URLs(),
		Calendars: otsClient.Calendars(),
		Interval:  cfg.DephealthCheckInterval,
	}, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		dephealthSvc = nil
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		dephealthSvc = nil
	} else {
		deps = dephealthSvc
	}

	// 8. Handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewContainersHandler(uploadSvc, downloadSvc, proc, reg, engine, cache),
		handlers.NewSystemHandler(reg, roles, tsaClient.URLs(), otsClient.Calendars(), diskUsageFn(cfg.DataDir)),
		handlers.NewMaintenanceHandler(upgradeSvc, reconcileSvc),
		handlers.NewHealthHandler(cfg.DataDir, cfg.WALDir, idx, deps),
		server.Metrics(),
	)

	// 9. Middleware: request id, логирование, метрики, JWT, проверка параметров
	middlewares := []func(http.Handler) http.Handler{
		chimw.RequestID,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	}

	if cfg.JWKSUrl != "" {
		jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			TLSSkipVerify:   cfg.TLSSkipVerify,
			RefreshInterval: cfg.JWKSRefreshInterval,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			return fmt.Errorf("инициализация JWT: %w", err)
		}
		defer jwtAuth.Close()

		authChain := func(next http.Handler) http.Handler {
			return jwtAuth.Middleware()(middleware.RequireMethodScope()(next))
		}
		middlewares = append(middlewares,
			server.Except(authChain, "/health/", "/metrics", "/api/v1/info"),
		)
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("TB_JWKS_URL не задан, API без аутентификации")
	}

	swagger, err := generated.GetSwagger()
	if err != nil {
		return err
	}
	validator, err := middleware.OpenAPIValidator(swagger)
	if err != nil {
		return err
	}
	middlewares = append(middlewares, validator)

	if election != nil {
		proxy := replica.NewLeaderProxy(election, replica.ProxyConfig{
			TLS:           cfg.TLSEnabled(),
			TLSSkipVerify: cfg.TLSSkipVerify,
		}, logger)
		middlewares = append(middlewares, proxy.Middleware)
	}

	// 10. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler, middlewares...)
	runErr := srv.Run(ctx)

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")
	// Сначала выборы: follower не должен стать leader во время остановки
	if election != nil {
		election.Stop()
		refresh.Stop()
	}
	upgradeSvc.Stop()
	reconcileSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	return runErr
}

// recoverJournal удаляет временные файлы незавершённых перезаписей.
func recoverJournal(walEngine *wal.WAL, logger *slog.Logger) error {
	stats, err := walEngine.Recover()
	if err != nil {
		return fmt.Errorf("восстановление WAL: %w", err)
	}
	logger.Debug("WAL проверен",
		slog.Int("rolled_back", stats.RolledBack),
		slog.Int("removed", stats.Removed),
	)
	return nil
}
