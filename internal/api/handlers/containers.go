// containers.go — HTTP handlers операций над контейнерами.
// Upload, List, Status, Download, Step.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/TimeBags/timebags/internal/api/errors"
	"github.com/TimeBags/timebags/internal/api/generated"
	"github.com/TimeBags/timebags/internal/api/middleware"
	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
	"github.com/TimeBags/timebags/internal/service"
)

// StatusProvider — офлайн-вывод статуса контейнера (реализация: service.CompletionEngine).
type StatusProvider interface {
	Status(path string) *model.Status
}

// ContainersHandler — обработчик endpoints контейнеров.
type ContainersHandler struct {
	uploadSvc   *service.UploadService
	downloadSvc *service.DownloadService
	proc        *service.Processor
	reg         *service.Registry
	status      StatusProvider
	cache       *service.StatusCache
}

// NewContainersHandler создаёт обработчик endpoints контейнеров.
func NewContainersHandler(
	uploadSvc *service.UploadService,
	downloadSvc *service.DownloadService,
	proc *service.Processor,
	reg *service.Registry,
	status StatusProvider,
	cache *service.StatusCache,
) *ContainersHandler {
	return &ContainersHandler{
		uploadSvc:   uploadSvc,
		downloadSvc: downloadSvc,
		proc:        proc,
		reg:         reg,
		status:      status,
		cache:       cache,
	}
}

// containerList — страница реестра.
type containerList struct {
	Items  []*model.ContainerRecord `json:"items"`
	Total  int                      `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// stepResponse — итог шага автомата.
type stepResponse struct {
	Status  *model.Status        `json:"status"`
	Actions []service.StepAction `json:"actions"`
	Before  phase.Phase          `json:"before"`
	Failure string               `json:"failure,omitempty"`
}

// UploadContainer обрабатывает POST /api/v1/containers?name=<file>.
// Тело запроса — сырые данные файла.
func (h *ContainersHandler) UploadContainer(w http.ResponseWriter, r *http.Request, params generated.UploadContainerParams) {
	name, ok := validName(params.Name)
	if !ok {
		errors.ValidationError(w, fmt.Sprintf("Некорректное имя файла: %q", params.Name))
		return
	}

	result, uploadErr := h.uploadSvc.Upload(r.Context(), service.UploadParams{
		Reader:           r.Body,
		OriginalFilename: name,
		Size:             r.ContentLength,
		UploadedBy:       middleware.SubjectFromContext(r.Context()),
	})
	if uploadErr != nil {
		errors.Respond(w, uploadErr)
		return
	}

	if result.Record != nil {
		h.cache.Invalidate(result.Record.Name)
		w.Header().Set("Location", "/api/v1/containers/"+url.PathEscape(result.Record.Name))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(result.Status)
}

// ListContainers обрабатывает GET /api/v1/containers.
// Пагинация: limit, offset. Фильтр: phase.
func (h *ContainersHandler) ListContainers(w http.ResponseWriter, r *http.Request, params generated.ListContainersParams) {
	limit := 50
	offset := 0
	var phaseFilter phase.Phase

	if params.Limit != nil {
		limit = *params.Limit
		if limit <= 0 || limit > 1000 {
			errors.ValidationError(w, "Параметр limit должен быть от 1 до 1000")
			return
		}
	}
	if params.Offset != nil {
		offset = *params.Offset
		if offset < 0 {
			errors.ValidationError(w, "Параметр offset не может быть отрицательным")
			return
		}
	}
	if params.Phase != nil {
		if !params.Phase.Valid() {
			errors.ValidationError(w, fmt.Sprintf("Недопустимая фаза: %s", *params.Phase))
			return
		}
		phaseFilter = phase.Phase(*params.Phase)
	}

	items, total := h.reg.Index().List(limit, offset, phaseFilter)
	if items == nil {
		items = []*model.ContainerRecord{}
	}

	writeJSON(w, http.StatusOK, containerList{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetContainer обрабатывает GET /api/v1/containers/{name}.
// Снимок статуса выводится из архива и кэшируется до следующего шага.
func (h *ContainersHandler) GetContainer(w http.ResponseWriter, r *http.Request, name generated.ContainerName) {
	if h.reg.Index().Get(name) == nil {
		errors.NotFound(w, fmt.Sprintf("Контейнер %s не найден", name))
		return
	}

	st, ok := h.cache.Get(name)
	if !ok {
		st = h.status.Status(h.reg.Path(name))
		h.cache.Set(name, st)
	}

	writeJSON(w, http.StatusOK, st)
}

// DownloadContainer обрабатывает GET /api/v1/containers/{name}/download.
// Поддерживает Range requests (206) и ETag (If-None-Match → 304).
func (h *ContainersHandler) DownloadContainer(w http.ResponseWriter, r *http.Request, name generated.ContainerName) {
	if downloadErr := h.downloadSvc.Serve(w, r, name); downloadErr != nil {
		errors.Respond(w, downloadErr)
	}
}

// StepContainer обрабатывает POST /api/v1/containers/{name}/step.
// Отказ TSA или календарей не является ошибкой запроса: он
// возвращается в поле failure, фаза сохраняется.
func (h *ContainersHandler) StepContainer(w http.ResponseWriter, r *http.Request, name generated.ContainerName) {
	if h.reg.Index().Get(name) == nil {
		errors.NotFound(w, fmt.Sprintf("Контейнер %s не найден", name))
		return
	}

	path := h.reg.Path(name)
	res, err := h.proc.Step(r.Context(), path)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("step", "error").Inc()
		errors.InternalError(w, "Ошибка шага завершения")
		return
	}
	h.cache.Invalidate(name)

	if _, err := h.reg.Record(path, res.Status, res.Failure, nil); err != nil {
		middleware.OperationsTotal.WithLabelValues("step", "error").Inc()
		errors.InternalError(w, "Ошибка обновления реестра")
		return
	}

	resp := stepResponse{
		Status:  res.Status,
		Actions: res.Actions,
		Before:  res.Before,
	}
	if resp.Actions == nil {
		resp.Actions = []service.StepAction{}
	}
	result := "success"
	if res.Failure != nil {
		resp.Failure = res.Failure.Error()
		result = "failure"
	}
	middleware.OperationsTotal.WithLabelValues("step", result).Inc()

	writeJSON(w, http.StatusOK, resp)
}

// validName проверяет, что имя загрузки — одиночное имя файла.
func validName(name string) (string, bool) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return "", false
	}
	return filepath.Base(name), true
}

// writeJSON записывает JSON-ответ.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
