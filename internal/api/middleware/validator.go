// validator.go — проверка запросов по встроенному OpenAPI документу (kin-openapi).
// Проверяются path- и query-параметры; тело загрузки не читается.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/TimeBags/timebags/internal/api/errors"
)

// OpenAPIValidator возвращает middleware, отклоняющий запросы с
// некорректными параметрами ответом 400 VALIDATION_ERROR.
// Запросы вне документа передаются роутеру без проверки (404/405).
func OpenAPIValidator(swagger *openapi3.T) (func(http.Handler) http.Handler, error) {
	// Сервер в документе не должен влиять на сопоставление путей
	swagger.Servers = nil

	router, err := legacy.NewRouter(swagger)
	if err != nil {
		return nil, fmt.Errorf("ошибка построения OpenAPI роутера: %w", err)
	}

	opts := &openapi3filter.Options{
		ExcludeRequestBody: true,
		// Аутентификация проверяется JWT middleware
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				var routeErr *routers.RouteError
				if errors.As(err, &routeErr) {
					next.ServeHTTP(w, r)
					return
				}
				apierrors.ValidationError(w, err.Error())
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options:    opts,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				apierrors.ValidationError(w, validationMessage(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

// validationMessage сокращает ошибку kin-openapi до первой строки.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) && reqErr.Parameter != nil {
		reason := reqErr.Reason
		if reason == "" && reqErr.Err != nil {
			reason = reqErr.Err.Error()
		}
		msg := fmt.Sprintf("Некорректный параметр %s: %s", reqErr.Parameter.Name, reason)
		first, _, _ := strings.Cut(msg, "\n")
		return first
	}
	first, _, _ := strings.Cut(err.Error(), "\n")
	return first
}
