// system.go — обработчик GET /api/v1/info (сведения о сервисе).
// Публичный endpoint (без аутентификации) для service discovery и мониторинга.
package handlers

import (
	"net/http"

	"github.com/TimeBags/timebags/internal/config"
	"github.com/TimeBags/timebags/internal/replica"
	"github.com/TimeBags/timebags/internal/service"
)

// serviceInfo — ответ GET /api/v1/info.
type serviceInfo struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Role         replica.Role   `json:"role"`
	Leader       string         `json:"leader,omitempty"`
	TSA          []string       `json:"tsa"`
	Calendars    []string       `json:"calendars"`
	Containers   int            `json:"containers"`
	Phases       map[string]int `json:"phases"`
	StorageBytes int64          `json:"storage_bytes"`
	Disk         *diskInfo      `json:"disk,omitempty"`
}

// diskInfo — ёмкость файловой системы каталога данных.
type diskInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// DiskUsageFunc возвращает total, used, available в байтах.
type DiskUsageFunc func() (total, used, available int64, err error)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	reg       *service.Registry
	roles     replica.RoleProvider
	tsa       []string
	calendars []string
	diskUsage DiskUsageFunc
}

// NewSystemHandler создаёт обработчик системных endpoints.
// tsa и calendars — URL настроенных внешних сервисов, diskUsage может быть nil.
func NewSystemHandler(
	reg *service.Registry,
	roles replica.RoleProvider,
	tsa, calendars []string,
	diskUsage DiskUsageFunc,
) *SystemHandler {
	return &SystemHandler{
		reg:       reg,
		roles:     roles,
		tsa:       tsa,
		calendars: calendars,
		diskUsage: diskUsage,
	}
}

// GetInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, _ *http.Request) {
	idx := h.reg.Index()

	phases := make(map[string]int)
	for p, n := range idx.CountByPhase() {
		phases[string(p)] = n
	}
	h.reg.PublishMetrics()

	resp := serviceInfo{
		Name:         "timebags",
		Version:      config.Version,
		Role:         h.roles.CurrentRole(),
		Leader:       h.roles.LeaderAddr(),
		TSA:          nonNil(h.tsa),
		Calendars:    nonNil(h.calendars),
		Containers:   idx.Count(),
		Phases:       phases,
		StorageBytes: idx.TotalSize(),
	}
	if h.diskUsage != nil {
		if total, used, available, err := h.diskUsage(); err == nil {
			resp.Disk = &diskInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
