// Пакет errors — ошибки API TimeBags и их запись в ответ.
//
// Тело ошибки: {"error": {"code": "...", "message": "..."}}.
// HTTP-статус определяется кодом по таблице statusByCode.
package errors //nolint:revive // имя пакета совпадает со stdlib, импортируется как apierrors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Коды ошибок из OpenAPI контракта.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeNoValidInput        = "NO_VALID_INPUT"
	CodeCollision           = "COLLISION"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeUpgradeInProgress   = "UPGRADE_IN_PROGRESS"
	CodeReconcileInProgress = "RECONCILE_IN_PROGRESS"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeLeaderUnknown       = "LEADER_UNKNOWN"
	CodeProxyError          = "PROXY_ERROR"
)

var statusByCode = map[string]int{
	CodeValidationError:     http.StatusBadRequest,
	CodeNotFound:            http.StatusNotFound,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeNoValidInput:        http.StatusUnprocessableEntity,
	CodeCollision:           http.StatusConflict,
	CodeFileTooLarge:        http.StatusRequestEntityTooLarge,
	CodeUpgradeInProgress:   http.StatusConflict,
	CodeReconcileInProgress: http.StatusConflict,
	CodeInternalError:       http.StatusInternalServerError,
	CodeLeaderUnknown:       http.StatusServiceUnavailable,
	CodeProxyError:          http.StatusBadGateway,
}

// StatusFor возвращает HTTP-статус кода ошибки. Неизвестный код — 500.
func StatusFor(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error — ошибка, которую сервисный слой отдаёт клиенту как есть.
type Error struct {
	Code    string
	Message string
}

// New создаёт ошибку API.
func New(code, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Message: msg}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Status — HTTP-статус ответа.
func (e *Error) Status() int {
	return StatusFor(e.Code)
}

type body struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Write записывает ошибку с кодом code.
func Write(w http.ResponseWriter, code, message string) {
	var b body
	b.Error.Code = code
	b.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(code))
	_ = json.NewEncoder(w).Encode(b)
}

// Respond записывает err. Ошибка не типа *Error скрывается за INTERNAL_ERROR.
func Respond(w http.ResponseWriter, err error) {
	var apiErr *Error
	if stderrors.As(err, &apiErr) {
		Write(w, apiErr.Code, apiErr.Message)
		return
	}
	Write(w, CodeInternalError, "Внутренняя ошибка сервиса")
}

// ValidationError — 400.
func ValidationError(w http.ResponseWriter, message string) {
	Write(w, CodeValidationError, message)
}

// NotFound — 404.
func NotFound(w http.ResponseWriter, message string) {
	Write(w, CodeNotFound, message)
}

// Unauthorized — 401.
func Unauthorized(w http.ResponseWriter, message string) {
	Write(w, CodeUnauthorized, message)
}

// Forbidden — 403.
func Forbidden(w http.ResponseWriter, message string) {
	Write(w, CodeForbidden, message)
}

// InternalError — 500.
func InternalError(w http.ResponseWriter, message string) {
	Write(w, CodeInternalError, message)
}
