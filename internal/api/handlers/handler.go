// handler.go — сборка generated.ServerInterface из обработчиков по областям.
package handlers

import (
	"net/http"

	"github.com/TimeBags/timebags/internal/api/generated"
)

// APIHandler реализует generated.ServerInterface. Методы операций
// поднимаются из встроенных обработчиков, свой только GetMetrics.
type APIHandler struct {
	*ContainersHandler
	*SystemHandler
	*MaintenanceHandler
	*HealthHandler
	metrics http.Handler
}

// NewAPIHandler собирает обработчики; metrics отдаёт /metrics.
func NewAPIHandler(
	containers *ContainersHandler,
	system *SystemHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
	metrics http.Handler,
) *APIHandler {
	return &APIHandler{
		ContainersHandler:  containers,
		SystemHandler:      system,
		MaintenanceHandler: maintenance,
		HealthHandler:      health,
		metrics:            metrics,
	}
}

// GetMetrics обрабатывает GET /metrics.
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

var _ generated.ServerInterface = (*APIHandler)(nil)
