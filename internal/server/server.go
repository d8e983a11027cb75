// Пакет server поднимает HTTP(S)-листенер TimeBags и останавливает его
// по сигналу или отмене контекста.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	apierrors "github.com/TimeBags/timebags/internal/api/errors"
	"github.com/TimeBags/timebags/internal/api/generated"
	"github.com/TimeBags/timebags/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
)

// Server — листенер API.
type Server struct {
	srv    *http.Server
	router chi.Router
	cfg    *config.Config
	logger *slog.Logger
}

// New монтирует маршруты api на chi. Первый middleware в списке
// внешний: он видит запрос раньше остальных.
func New(cfg *config.Config, logger *slog.Logger, api generated.ServerInterface, middlewares ...func(http.Handler) http.Handler) *Server {
	r := chi.NewRouter()
	r.Use(middlewares...)
	generated.HandlerWithOptions(api, generated.ChiServerOptions{
		BaseRouter: r,
		ErrorHandlerFunc: func(w http.ResponseWriter, _ *http.Request, err error) {
			apierrors.ValidationError(w, err.Error())
		},
	})

	// Таймаутов чтения и записи нет: загрузка и скачивание больших
	// контейнеров, а также синхронный upgrade длятся минутами.
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		srv:    srv,
		router: r,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler — корневой обработчик, для httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics отдаёт реестр Prometheus по умолчанию.
func Metrics() http.Handler {
	return promhttp.Handler()
}

// Except применяет mw ко всем запросам, кроме путей с указанными
// префиксами. Так пробы и /metrics остаются открытыми при включённом JWT.
func Except(mw func(http.Handler) http.Handler, prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		guarded := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open(r.URL.Path, prefixes) {
				next.ServeHTTP(w, r)
				return
			}
			guarded.ServeHTTP(w, r)
		})
	}
}

func open(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Run слушает порт до SIGINT, SIGTERM или отмены ctx, после чего
// дожидается активных запросов не дольше cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.srv.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)
		if err := s.listen(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Остановка HTTP-сервера", slog.String("cause", context.Cause(gctx).Error()))

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("ошибка при graceful shutdown: %w", err)
		}
		s.logger.Info("HTTP-сервер остановлен")
		return nil
	})
	return g.Wait()
}

func (s *Server) listen() error {
	if s.cfg.TLSEnabled() {
		return s.srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	return s.srv.ListenAndServe()
}
