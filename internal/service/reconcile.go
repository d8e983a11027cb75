// reconcile.go — сервис фоновой сверки реестра с каталогом данных.
//
// Reconciliation сравнивает:
//   - *.zip в каталоге данных с attr.json и реестром
//   - фазу и контрольную сумму записи с текущим содержимым архива
//
// Обнаруживает и исправляет:
//   - new_container: архив без attr.json (регистрируется)
//   - missing_container: attr.json или запись без архива (удаляются)
//   - phase_changed: офлайн-фаза отличается от записанной
//   - checksum_mismatch: архив изменён вне сервиса
//
// Фазы выводятся без обращения к сети. Заодно удаляются брошенные
// загрузки во входящем каталоге.
package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/TimeBags/timebags/internal/storage/attr"
	"github.com/TimeBags/timebags/internal/storage/filestore"
)

// Prometheus метрики Reconciliation
var (
	// reconcileRunsTotal — количество запусков reconciliation.
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tb_reconcile_runs_total",
		Help: "Общее количество запусков reconciliation",
	})

	// reconcileIssuesTotal — количество обнаруженных расхождений по типу.
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_reconcile_issues_total",
		Help: "Общее количество расхождений, обнаруженных reconciliation",
	}, []string{"type"})

	// reconcileDurationSeconds — длительность выполнения reconciliation.
	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tb_reconcile_duration_seconds",
		Help:    "Длительность выполнения reconciliation в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// IssueType — тип расхождения.
type IssueType string

const (
	IssueNewContainer     IssueType = "new_container"
	IssueMissingContainer IssueType = "missing_container"
	IssuePhaseChanged     IssueType = "phase_changed"
	IssueChecksumMismatch IssueType = "checksum_mismatch"
)

// ReconcileIssue — одно расхождение.
type ReconcileIssue struct {
	Type        IssueType `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
}

// ReconcileSummary — счётчики по типам расхождений.
type ReconcileSummary struct {
	Registered         int `json:"registered"`
	Removed            int `json:"removed"`
	PhaseChanges       int `json:"phase_changes"`
	ChecksumMismatches int `json:"checksum_mismatches"`
	Ok                 int `json:"ok"`
	StaleUploads       int `json:"stale_uploads"`
}

// ReconcileResult — итог сверки.
type ReconcileResult struct {
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       time.Time        `json:"completed_at"`
	ContainersChecked int              `json:"containers_checked"`
	Issues            []ReconcileIssue `json:"issues"`
	Summary           ReconcileSummary `json:"summary"`
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	reg      *Registry
	engine   *CompletionEngine
	locks    *PathLocks
	inbox    *filestore.Inbox
	staleAge time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool       // reconciliation в процессе выполнения
	cancel    context.CancelFunc
}

// NewReconcileService создаёт сервис reconciliation.
// inbox может быть nil (CLI без входящего каталога).
func NewReconcileService(
	reg *Registry,
	engine *CompletionEngine,
	locks *PathLocks,
	inbox *filestore.Inbox,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		reg:      reg,
		engine:   engine,
		locks:    locks,
		inbox:    inbox,
		staleAge: 24 * time.Hour,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину reconciliation с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Reconciliation запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновой процесс reconciliation.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Reconciliation остановлена")
}

// IsInProgress возвращает true, если reconciliation выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

// run — основной цикл фоновой горутины.
func (rs *ReconcileService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл reconciliation.
// Если reconciliation уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce() (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Reconciliation уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	result := &ReconcileResult{StartedAt: time.Now().UTC()}
	rs.logger.Info("Reconciliation начата")

	checked, issues := rs.reconcile()
	result.ContainersChecked = checked
	result.Issues = issues

	for _, issue := range issues {
		switch issue.Type {
		case IssueNewContainer:
			result.Summary.Registered++
		case IssueMissingContainer:
			result.Summary.Removed++
		case IssuePhaseChanged:
			result.Summary.PhaseChanges++
		case IssueChecksumMismatch:
			result.Summary.ChecksumMismatches++
		}
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}
	result.Summary.Ok = checked - result.Summary.Registered - result.Summary.PhaseChanges - result.Summary.ChecksumMismatches
	if result.Summary.Ok < 0 {
		result.Summary.Ok = 0
	}

	if rs.inbox != nil {
		cleaned, err := rs.inbox.Sweep(rs.staleAge)
		if err != nil {
			rs.logger.Warn("Ошибка очистки входящего каталога", slog.String("error", err.Error()))
		}
		result.Summary.StaleUploads = cleaned
	}

	result.CompletedAt = time.Now().UTC()
	duration := result.CompletedAt.Sub(result.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	rs.reg.PublishMetrics()

	rs.logger.Info("Reconciliation завершена",
		slog.Int("containers_checked", checked),
		slog.Int("issues", len(issues)),
		slog.Int("ok", result.Summary.Ok),
		slog.Duration("duration", duration),
	)
	return result, false
}

// reconcile сверяет каталог данных с реестром. Возвращает число
// проверенных архивов и найденные расхождения.
func (rs *ReconcileService) reconcile() (int, []ReconcileIssue) {
	var issues []ReconcileIssue
	dataDir := rs.reg.DataDir()

	containers := make(map[string]bool)
	attrFiles := make(map[string]bool)

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		rs.logger.Error("Ошибка чтения директории данных",
			slog.String("error", err.Error()),
		)
		return 0, issues
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		// Служебные и временные файлы перезаписи архивов
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}

		switch {
		case attr.IsRecordFile(name):
			attrFiles[strings.TrimSuffix(name, attr.Suffix)] = true
		case strings.EqualFold(filepath.Ext(name), ".zip"):
			containers[name] = true
		}
	}

	idx := rs.reg.Index()
	tracker := rs.engine.Tracker()

	// 1. attr.json или запись реестра без архива
	gone := make(map[string]bool)
	for name := range attrFiles {
		if !containers[name] {
			gone[name] = true
		}
	}
	for _, name := range idx.Names() {
		if !containers[name] {
			gone[name] = true
		}
	}
	for name := range gone {
		if err := rs.reg.Forget(name); err != nil {
			rs.logger.Warn("Ошибка удаления записи",
				slog.String("container", name),
				slog.String("error", err.Error()),
			)
		}
		tracker.Forget(rs.reg.Path(name))
		issues = append(issues, ReconcileIssue{
			Type:        IssueMissingContainer,
			Name:        name,
			Description: "Запись реестра без архива на диске",
		})
	}

	// 2. Архивы: регистрация новых и обновление фаз
	for name := range containers {
		if issue := rs.check(name, attrFiles[name]); issue != nil {
			issues = append(issues, *issue)
		}
	}

	return len(containers), issues
}

// check сверяет один архив под блокировкой пути.
func (rs *ReconcileService) check(name string, hasAttr bool) *ReconcileIssue {
	path := rs.reg.Path(name)
	unlock := rs.locks.Lock(path)
	defer unlock()

	idx := rs.reg.Index()
	st := rs.engine.Status(path)

	if err := rs.engine.Tracker().Observe(path, st.Result); err != nil {
		rs.logger.Warn("Фаза контейнера изменилась вне сервиса",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}

	rec := idx.Get(name)
	if rec == nil && hasAttr {
		// attr.json появился после построения реестра
		if stored, err := attr.Read(attr.PathFor(path)); err == nil {
			idx.Put(stored)
			rec = stored
		}
	}

	if rec == nil {
		if _, err := rs.reg.Register(path, st.Result); err != nil {
			rs.logger.Warn("Ошибка регистрации контейнера",
				slog.String("container", name),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return &ReconcileIssue{
			Type:        IssueNewContainer,
			Name:        name,
			Description: "Архив на диске без attr.json",
		}
	}

	prevPhase, prevSum := rec.Phase, rec.Checksum
	changed, err := rs.reg.Refresh(path, st.Result)
	if err != nil {
		rs.logger.Warn("Ошибка обновления записи",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !changed {
		return nil
	}

	fresh := idx.Get(name)
	switch {
	case fresh == nil:
		return nil
	case fresh.Phase != prevPhase:
		return &ReconcileIssue{
			Type:        IssuePhaseChanged,
			Name:        name,
			Description: "Фаза " + string(prevPhase) + " → " + string(fresh.Phase),
		}
	case prevSum != "" && fresh.Checksum != prevSum:
		return &ReconcileIssue{
			Type:        IssueChecksumMismatch,
			Name:        name,
			Description: "Архив изменён вне сервиса",
		}
	}
	return nil
}
