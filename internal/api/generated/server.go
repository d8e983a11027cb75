// Пакет generated — типы и маршрутизация HTTP API по openapi.yaml
// в формате oapi-codegen (chi-server, embedded-spec).
// При изменении openapi.yaml обновляется вместе с ним.
package generated

import (
	_ "embed"
	"fmt"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

//go:embed openapi.yaml
var rawSpec []byte

// Phase defines model for Phase.
type Phase string

// Defines values for Phase.
const (
	PhaseUNKNOWN    Phase = "UNKNOWN"
	PhaseINCOMPLETE Phase = "INCOMPLETE"
	PhasePENDING    Phase = "PENDING"
	PhaseUPGRADED   Phase = "UPGRADED"
)

// Valid проверяет, что значение входит в перечисление.
func (p Phase) Valid() bool {
	switch p {
	case PhaseUNKNOWN, PhaseINCOMPLETE, PhasePENDING, PhaseUPGRADED:
		return true
	}
	return false
}

// ContainerName defines model for ContainerName.
type ContainerName = string

// ListContainersParams defines parameters for ListContainers.
type ListContainersParams struct {
	Phase  *Phase `form:"phase,omitempty" json:"phase,omitempty"`
	Limit  *int   `form:"limit,omitempty" json:"limit,omitempty"`
	Offset *int   `form:"offset,omitempty" json:"offset,omitempty"`
}

// UploadContainerParams defines parameters for UploadContainer.
type UploadContainerParams struct {
	Name string `form:"name" json:"name"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// Список контейнеров реестра
	// (GET /api/v1/containers)
	ListContainers(w http.ResponseWriter, r *http.Request, params ListContainersParams)
	// Загрузка данных и создание контейнера
	// (POST /api/v1/containers)
	UploadContainer(w http.ResponseWriter, r *http.Request, params UploadContainerParams)
	// Статус контейнера
	// (GET /api/v1/containers/{name})
	GetContainer(w http.ResponseWriter, r *http.Request, name ContainerName)
	// Скачивание архива
	// (GET /api/v1/containers/{name}/download)
	DownloadContainer(w http.ResponseWriter, r *http.Request, name ContainerName)
	// Один шаг автомата завершения
	// (POST /api/v1/containers/{name}/step)
	StepContainer(w http.ResponseWriter, r *http.Request, name ContainerName)
	// Сведения о сервисе
	// (GET /api/v1/info)
	GetInfo(w http.ResponseWriter, r *http.Request)
	// Сверка реестра с каталогом данных
	// (POST /api/v1/maintenance/reconcile)
	RunReconcile(w http.ResponseWriter, r *http.Request)
	// Проход планировщика завершения
	// (POST /api/v1/maintenance/upgrade)
	RunUpgrade(w http.ResponseWriter, r *http.Request)
	// (GET /health/live)
	HealthLive(w http.ResponseWriter, r *http.Request)
	// (GET /health/ready)
	HealthReady(w http.ResponseWriter, r *http.Request)
	// (GET /metrics)
	GetMetrics(w http.ResponseWriter, r *http.Request)
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

// MiddlewareFunc — middleware отдельной операции.
type MiddlewareFunc func(http.Handler) http.Handler

// ListContainers operation middleware
func (siw *ServerInterfaceWrapper) ListContainers(w http.ResponseWriter, r *http.Request) {
	var params ListContainersParams

	if err := runtime.BindQueryParameter("form", true, false, "phase", r.URL.Query(), &params.Phase); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "phase", Err: err})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &params.Limit); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "limit", Err: err})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", r.URL.Query(), &params.Offset); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "offset", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.ListContainers(w, r, params)
	})
}

// UploadContainer operation middleware
func (siw *ServerInterfaceWrapper) UploadContainer(w http.ResponseWriter, r *http.Request) {
	var params UploadContainerParams

	if !r.URL.Query().Has("name") {
		siw.ErrorHandlerFunc(w, r, &RequiredParamError{ParamName: "name"})
		return
	}
	if err := runtime.BindQueryParameter("form", true, true, "name", r.URL.Query(), &params.Name); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "name", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.UploadContainer(w, r, params)
	})
}

// GetContainer operation middleware
func (siw *ServerInterfaceWrapper) GetContainer(w http.ResponseWriter, r *http.Request) {
	name, ok := siw.bindName(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.GetContainer(w, r, name)
	})
}

// DownloadContainer operation middleware
func (siw *ServerInterfaceWrapper) DownloadContainer(w http.ResponseWriter, r *http.Request) {
	name, ok := siw.bindName(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.DownloadContainer(w, r, name)
	})
}

// StepContainer operation middleware
func (siw *ServerInterfaceWrapper) StepContainer(w http.ResponseWriter, r *http.Request) {
	name, ok := siw.bindName(w, r)
	if !ok {
		return
	}
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.StepContainer(w, r, name)
	})
}

// GetInfo operation middleware
func (siw *ServerInterfaceWrapper) GetInfo(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetInfo)
}

// RunReconcile operation middleware
func (siw *ServerInterfaceWrapper) RunReconcile(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.RunReconcile)
}

// RunUpgrade operation middleware
func (siw *ServerInterfaceWrapper) RunUpgrade(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.RunUpgrade)
}

// HealthLive operation middleware
func (siw *ServerInterfaceWrapper) HealthLive(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.HealthLive)
}

// HealthReady operation middleware
func (siw *ServerInterfaceWrapper) HealthReady(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.HealthReady)
}

// GetMetrics operation middleware
func (siw *ServerInterfaceWrapper) GetMetrics(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, siw.Handler.GetMetrics)
}

// bindName извлекает path-параметр name.
func (siw *ServerInterfaceWrapper) bindName(w http.ResponseWriter, r *http.Request) (ContainerName, bool) {
	var name ContainerName
	err := runtime.BindStyledParameterWithOptions("simple", "name", chi.URLParam(r, "name"), &name,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "name", Err: err})
		return "", false
	}
	return name, true
}

// serve применяет middleware операции и вызывает обработчик.
func (siw *ServerInterfaceWrapper) serve(w http.ResponseWriter, r *http.Request, fn http.HandlerFunc) {
	handler := http.Handler(fn)
	for _, middleware := range siw.HandlerMiddlewares {
		handler = middleware(handler)
	}
	handler.ServeHTTP(w, r)
}

// UnescapedCookieParamError — ошибка разбора cookie-параметра.
type UnescapedCookieParamError struct {
	ParamName string
	Err       error
}

func (e *UnescapedCookieParamError) Error() string {
	return fmt.Sprintf("error unescaping cookie parameter '%s'", e.ParamName)
}

func (e *UnescapedCookieParamError) Unwrap() error {
	return e.Err
}

// RequiredParamError — отсутствует обязательный параметр.
type RequiredParamError struct {
	ParamName string
}

func (e *RequiredParamError) Error() string {
	return fmt.Sprintf("Query argument %s is required, but not found", e.ParamName)
}

// InvalidParamFormatError — параметр не разобран.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

// Handler creates http.Handler with routing matching OpenAPI spec.
func Handler(si ServerInterface) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{})
}

// ChiServerOptions — параметры маршрутизации.
type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerFromMux creates http.Handler with routing matching OpenAPI spec based on the provided mux.
func HandlerFromMux(si ServerInterface, r chi.Router) http.Handler {
	return HandlerWithOptions(si, ChiServerOptions{
		BaseRouter: r,
	})
}

// HandlerWithOptions creates http.Handler with additional options
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter

	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/v1/containers", wrapper.ListContainers)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/v1/containers", wrapper.UploadContainer)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/v1/containers/{name}", wrapper.GetContainer)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/v1/containers/{name}/download", wrapper.DownloadContainer)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/v1/containers/{name}/step", wrapper.StepContainer)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/api/v1/info", wrapper.GetInfo)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/v1/maintenance/reconcile", wrapper.RunReconcile)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/api/v1/maintenance/upgrade", wrapper.RunUpgrade)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health/live", wrapper.HealthLive)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/health/ready", wrapper.HealthReady)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/metrics", wrapper.GetMetrics)
	})

	return r
}

var (
	swaggerOnce sync.Once
	swagger     *openapi3.T
	swaggerErr  error
)

// GetSwagger returns the OpenAPI document embedded in the package.
func GetSwagger() (*openapi3.T, error) {
	swaggerOnce.Do(func() {
		loader := openapi3.NewLoader()
		swagger, swaggerErr = loader.LoadFromData(rawSpec)
		if swaggerErr != nil {
			swaggerErr = fmt.Errorf("error loading embedded spec: %w", swaggerErr)
			return
		}
		if err := swagger.Validate(loader.Context); err != nil {
			swaggerErr = fmt.Errorf("error validating embedded spec: %w", err)
		}
	})
	return swagger, swaggerErr
}
