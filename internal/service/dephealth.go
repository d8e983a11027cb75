// dephealth.go — мониторинг TSA и календарей через topologymetrics.
//
// Каждая зависимость проверяется HTTP GET корня хоста. TSA критичны,
// календари нет: штампу достаточно кворума. Метрики app_dependency_*
// публикуются на /metrics вместе с остальными.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks" // фабрики checker-ов
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig — параметры мониторинга.
type DephealthConfig struct {
	// Instance — вершина графа (TB_INSTANCE_ID или владелец пода)
	Instance string
	Group    string
	// TSA — URL точек RFC 3161
	TSA []string
	// Calendars — URL календарей OpenTimestamps
	Calendars []string
	Interval  time.Duration
	// Registerer — nil для глобального registry
	Registerer prometheus.Registerer
}

// ErrNoDependencies — не настроено ни TSA, ни календарей.
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthService — периодическая проверка внешних сервисов.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService регистрирует зависимости. URL одного хоста
// проверяются один раз.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}
	if cfg.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(cfg.Registerer))
	}

	seen := make(map[string]struct{})
	groups := []struct {
		kind     string
		urls     []string
		critical bool
	}{
		{"tsa", cfg.TSA, true},
		{"ots", cfg.Calendars, false},
	}
	for _, g := range groups {
		for _, raw := range g.urls {
			base, name, err := dependencyEndpoint(g.kind, raw)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			opts = append(opts, dephealth.HTTP(name,
				dephealth.FromURL(base),
				dephealth.WithHTTPHealthPath("/"),
				dephealth.CheckInterval(cfg.Interval),
				dephealth.Critical(g.critical),
			))
		}
	}
	if len(seen) == 0 {
		return nil, ErrNoDependencies
	}

	dh, err := dephealth.New(cfg.Instance, cfg.Group, opts...)
	if err != nil {
		return nil, fmt.Errorf("topologymetrics: %w", err)
	}
	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// dependencyEndpoint: https://freetsa.org/tsr → https://freetsa.org, tsa-freetsa-org.
func dependencyEndpoint(kind, raw string) (base, name string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", fmt.Errorf("некорректный URL зависимости: %q", raw)
	}
	host := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, strings.ToLower(u.Hostname()))

	name = kind + "-" + host
	if port := u.Port(); port != "" {
		name += "-" + port
	}
	return u.Scheme + "://" + u.Host, name, nil
}

// Start запускает проверки в фоне.
func (ds *DephealthService) Start(ctx context.Context) error {
	if err := ds.dh.Start(ctx); err != nil {
		return err
	}
	ds.logger.Info("Мониторинг TSA и календарей запущен")
	return nil
}

// Stop останавливает проверки.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг TSA и календарей остановлен")
}

// Health — последнее состояние по имени зависимости.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
