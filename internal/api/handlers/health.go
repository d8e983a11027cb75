// health.go — пробы Kubernetes: /health/live и /health/ready.
package handlers

import (
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/TimeBags/timebags/internal/config"
)

// Состояния проверок в порядке ухудшения.
const (
	stateOK       = "ok"
	stateDegraded = "degraded"
	stateFail     = "fail"
)

func worse(a, b string) string {
	rank := map[string]int{stateOK: 0, stateDegraded: 1, stateFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// IndexReadinessChecker сообщает, построен ли реестр.
type IndexReadinessChecker interface {
	IsReady() bool
}

// DependencyHealth — состояние TSA и календарей по имени зависимости.
type DependencyHealth interface {
	Health() map[string]bool
}

type check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type probeResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version"`
	Service   string           `json:"service"`
	Checks    map[string]check `json:"checks,omitempty"`
}

// HealthHandler обслуживает пробы.
type HealthHandler struct {
	dataDir string
	walDir  string
	idx     IndexReadinessChecker
	// deps nil, если мониторинг зависимостей не запущен
	deps DependencyHealth
}

// NewHealthHandler создаёт обработчик проб.
func NewHealthHandler(dataDir, walDir string, idx IndexReadinessChecker, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{dataDir: dataDir, walDir: walDir, idx: idx, deps: deps}
}

func probe(status string, checks map[string]check) probeResponse {
	return probeResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "timebags",
		Checks:    checks,
	}
}

// HealthLive: процесс жив. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probe(stateOK, nil))
}

// HealthReady проверяет каталог данных, каталог WAL, реестр и
// внешние зависимости. Неготов экземпляр только без каталога данных
// или реестра. WAL и недоступные TSA или календари дают degraded:
// шаги завершения повторятся позже.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]check{
		"filesystem": writable(h.dataDir, "Каталог данных", stateFail),
		"wal":        writable(h.walDir, "Каталог WAL", stateDegraded),
		"registry":   {Status: stateOK},
	}
	if h.idx != nil && !h.idx.IsReady() {
		checks["registry"] = check{Status: stateFail, Message: "Реестр не построен"}
	}
	if h.deps != nil {
		checks["dependencies"] = dependencies(h.deps.Health())
	}

	status := stateOK
	for _, c := range checks {
		status = worse(status, c.Status)
	}
	code := http.StatusOK
	if status == stateFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, probe(status, checks))
}

func dependencies(health map[string]bool) check {
	var down []string
	for name, ok := range health {
		if !ok {
			down = append(down, name)
		}
	}
	if len(down) == 0 {
		return check{Status: stateOK}
	}
	slices.Sort(down)
	return check{Status: stateDegraded, Message: "Недоступны: " + strings.Join(down, ", ")}
}

// writable пробует создать файл в dir; при неудаче проверка получает onFail.
func writable(dir, what, onFail string) check {
	if dir == "" {
		return check{Status: stateOK, Message: "Проверка не настроена"}
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return check{Status: onFail, Message: what + " недоступен для записи: " + err.Error()}
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return check{Status: stateOK}
}
