// maintenance.go — обработчики POST /api/v1/maintenance/upgrade и /reconcile.
// Делегируют проходы в UpgradeService и ReconcileService.
package handlers

import (
	"context"
	"net/http"

	"github.com/TimeBags/timebags/internal/api/errors"
	"github.com/TimeBags/timebags/internal/service"
)

// UpgradeRunner — запуск прохода планировщика завершения.
type UpgradeRunner interface {
	// RunOnce выполняет один проход. Возвращает итог и флаг "уже выполняется".
	RunOnce(ctx context.Context) (*service.UpgradeSummary, bool)
}

// ReconcileRunner — интерфейс для запуска reconciliation.
// Позволяет тестировать handler без полного ReconcileService.
type ReconcileRunner interface {
	// RunOnce выполняет один цикл reconciliation.
	// Возвращает результат и флаг "уже выполняется".
	RunOnce() (*service.ReconcileResult, bool)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	upgrader   UpgradeRunner
	reconciler ReconcileRunner
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(upgrader UpgradeRunner, reconciler ReconcileRunner) *MaintenanceHandler {
	return &MaintenanceHandler{
		upgrader:   upgrader,
		reconciler: reconciler,
	}
}

// RunUpgrade обрабатывает POST /api/v1/maintenance/upgrade.
// Запускает синхронный проход по незавершённым контейнерам.
// Если проход уже выполняется — 409 UPGRADE_IN_PROGRESS.
func (h *MaintenanceHandler) RunUpgrade(w http.ResponseWriter, r *http.Request) {
	summary, inProgress := h.upgrader.RunOnce(r.Context())
	if inProgress {
		errors.Write(w, errors.CodeUpgradeInProgress, "Проход планировщика уже выполняется")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// RunReconcile обрабатывает POST /api/v1/maintenance/reconcile.
// Если reconciliation уже выполняется — 409 RECONCILE_IN_PROGRESS.
func (h *MaintenanceHandler) RunReconcile(w http.ResponseWriter, _ *http.Request) {
	result, inProgress := h.reconciler.RunOnce()
	if inProgress {
		errors.Write(w, errors.CodeReconcileInProgress, "Reconciliation уже выполняется")
		return
	}
	if result.Issues == nil {
		result.Issues = []service.ReconcileIssue{}
	}
	writeJSON(w, http.StatusOK, result)
}
