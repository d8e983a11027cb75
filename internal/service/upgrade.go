// upgrade.go — планировщик завершения контейнеров.
//
// По тикеру (TB_UPGRADE_INTERVAL) выполняет по одному шагу для каждого
// контейнера реестра, ещё не достигшего UPGRADED. Разные контейнеры
// обрабатываются параллельно (TB_UPGRADE_WORKERS), шаги над одним
// путём сериализуются блокировкой пути.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/TimeBags/timebags/internal/domain/phase"
)

// Prometheus метрики планировщика
var (
	// upgradeRunsTotal — количество проходов планировщика.
	upgradeRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tb_upgrade_runs_total",
		Help: "Общее количество проходов планировщика завершения",
	})

	// stepsTotal — шаги автомата по итоговой фазе.
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_steps_total",
		Help: "Общее количество шагов завершения по итоговой фазе",
	}, []string{"phase"})

	// stepErrorsTotal — отказы внешних сервисов и файловой системы.
	stepErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_step_errors_total",
		Help: "Общее количество ошибок шагов завершения",
	}, []string{"source"})

	// upgradeDurationSeconds — длительность прохода.
	upgradeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tb_upgrade_duration_seconds",
		Help:    "Длительность прохода планировщика в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	})
)

// UpgradeSummary — итог одного прохода.
type UpgradeSummary struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	// Checked — число обработанных контейнеров
	Checked int `json:"checked"`
	// Progressed — фаза продвинулась
	Progressed int `json:"progressed"`
	// Upgraded — достигли UPGRADED в этом проходе
	Upgraded int `json:"upgraded"`
	// Failed — шаги с ошибкой внешнего сервиса или диска
	Failed int `json:"failed"`
}

// UpgradeService — планировщик шагов завершения.
type UpgradeService struct {
	proc     *Processor
	reg      *Registry
	workers  int
	interval time.Duration
	logger   *slog.Logger

	// onStep вызывается после каждого шага (сброс кэша статусов)
	onStep func(name string)

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
}

// NewUpgradeService создаёт планировщик.
func NewUpgradeService(
	proc *Processor,
	reg *Registry,
	workers int,
	interval time.Duration,
	logger *slog.Logger,
) *UpgradeService {
	if workers < 1 {
		workers = 1
	}
	return &UpgradeService{
		proc:     proc,
		reg:      reg,
		workers:  workers,
		interval: interval,
		logger:   logger.With(slog.String("component", "upgrade")),
	}
}

// SetStepHook задаёт функцию, вызываемую после шага над контейнером.
func (us *UpgradeService) SetStepHook(fn func(name string)) {
	us.onStep = fn
}

// Start запускает фоновую горутину с периодическим тикером.
func (us *UpgradeService) Start(ctx context.Context) {
	usCtx, cancel := context.WithCancel(ctx)
	us.cancel = cancel

	go us.run(usCtx)

	us.logger.Info("Планировщик завершения запущен",
		slog.String("interval", us.interval.String()),
		slog.Int("workers", us.workers),
	)
}

// Stop останавливает фоновый процесс.
func (us *UpgradeService) Stop() {
	if us.cancel != nil {
		us.cancel()
	}
	us.logger.Info("Планировщик завершения остановлен")
}

// IsInProgress возвращает true, если проход выполняется.
func (us *UpgradeService) IsInProgress() bool {
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.inProcess
}

// run — основной цикл фоновой горутины.
func (us *UpgradeService) run(ctx context.Context) {
	// Первый проход — сразу после старта
	us.RunOnce(ctx)

	ticker := time.NewTicker(us.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			us.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход по незавершённым контейнерам.
// Если проход уже выполняется, возвращает nil, true.
func (us *UpgradeService) RunOnce(ctx context.Context) (*UpgradeSummary, bool) {
	us.mu.Lock()
	if us.inProcess {
		us.mu.Unlock()
		us.logger.Warn("Проход планировщика уже выполняется, пропуск")
		return nil, true
	}
	us.inProcess = true
	us.mu.Unlock()

	defer func() {
		us.mu.Lock()
		us.inProcess = false
		us.mu.Unlock()
	}()

	summary := &UpgradeSummary{StartedAt: time.Now().UTC()}
	names := us.reg.Index().NonTerminal()

	var (
		smu sync.Mutex
		wg  sync.WaitGroup
	)
	sem := semaphore.NewWeighted(int64(us.workers))

	for _, name := range names {
		// Контекст отменён: новые шаги не начинаем
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			before, after, failed := us.stepOne(ctx, name)

			smu.Lock()
			defer smu.Unlock()
			summary.Checked++
			if failed {
				summary.Failed++
			}
			if after != before {
				summary.Progressed++
			}
			if after == phase.Upgraded && before != phase.Upgraded {
				summary.Upgraded++
			}
		}()
	}
	wg.Wait()

	summary.CompletedAt = time.Now().UTC()
	duration := summary.CompletedAt.Sub(summary.StartedAt)

	upgradeRunsTotal.Inc()
	upgradeDurationSeconds.Observe(duration.Seconds())
	us.reg.PublishMetrics()

	us.logger.Info("Проход планировщика завершён",
		slog.Int("checked", summary.Checked),
		slog.Int("progressed", summary.Progressed),
		slog.Int("upgraded", summary.Upgraded),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", duration),
	)
	return summary, false
}

// stepOne выполняет шаг над одним контейнером и обновляет реестр.
func (us *UpgradeService) stepOne(ctx context.Context, name string) (before, after phase.Phase, failed bool) {
	path := us.reg.Path(name)
	if rec := us.reg.Index().Get(name); rec != nil {
		before = rec.Phase
	}

	res, err := us.proc.Step(ctx, path)
	if err != nil {
		us.logger.Error("Ошибка шага завершения",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
		stepErrorsTotal.WithLabelValues("filesystem").Inc()
		return before, before, true
	}

	after = res.Status.Result
	stepsTotal.WithLabelValues(string(after)).Inc()

	if _, err := us.reg.Record(path, res.Status, res.Failure, nil); err != nil {
		us.logger.Error("Ошибка обновления реестра",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
	if us.onStep != nil {
		us.onStep(name)
	}
	return before, after, res.Failure != nil
}
