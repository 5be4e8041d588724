// Пакет apierrors — классификация ошибок клиента сервиса обработки.
//
// Таксономия:
//   - ValidationError — локальная ошибка валидации, до сети не доходит
//   - AuthError — отказ в аутентификации или невалидный сохранённый токен
//   - TransportError — запрос отправлен, ответ не получен
//   - ServerError — ответ получен со статусом вне 2xx
//   - PartialSuccessError — обработка успешна, скачивание артефакта не удалось
//
// Все типы реализуют error и различаются через errors.As.
package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody — предел чтения тела ответа с ошибкой.
const maxErrorBody = 64 * 1024

// ValidationError — ошибка локальной валидации (расширение, размер, отсутствие файла).
// Никогда не приводит к сетевому запросу.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidation создаёт ValidationError с форматированием.
func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// AuthError — ошибка аутентификации: отклонённый login или
// невалидный/просроченный сохранённый токен.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TransportError — запрос отправлен, но ответ не получен (сеть, таймаут).
// Пользователю показывается общее сообщение, исходная ошибка — только в логи.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "Ошибка соединения. Проверьте подключение к сети."
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError — ответ сервера со статусом вне диапазона 2xx.
// Message берётся из поля detail структурированного ответа, если оно есть,
// иначе — общее сообщение по статусу.
type ServerError struct {
	// Status — HTTP статус-код ответа
	Status int
	// Detail — поле detail из тела ответа (пустая строка, если отсутствует)
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	switch e.Status {
	case http.StatusBadRequest:
		return "Некорректный запрос"
	case http.StatusNotFound:
		return "Ресурс не найден"
	case http.StatusInternalServerError:
		return "Внутренняя ошибка сервера"
	default:
		return fmt.Sprintf("Ошибка сервера (%d)", e.Status)
	}
}

// PartialSuccessError — обработка на сервере успешна, но скачивание
// артефакта не удалось. Не считается ошибкой всей операции: артефакт
// остаётся доступен через историю обработки.
type PartialSuccessError struct {
	Err error
}

func (e *PartialSuccessError) Error() string {
	return "Файл обработан, но автоматическое скачивание не удалось — скачайте его из истории обработки"
}

func (e *PartialSuccessError) Unwrap() error {
	return e.Err
}

// detailBody — структурированное тело ошибки сервера ({"detail": "..."}).
type detailBody struct {
	Detail string `json:"detail"`
}

// FromResponse строит ServerError из ответа со статусом вне 2xx.
// Вычитывает тело ответа (ограниченно) и извлекает поле detail, если оно есть.
func FromResponse(resp *http.Response) *ServerError {
	serr := &ServerError{Status: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return serr
	}

	var detail detailBody
	if err := json.Unmarshal(body, &detail); err == nil {
		serr.Detail = detail.Detail
	}

	return serr
}

// WrapTransport оборачивает сетевую ошибку в TransportError.
func WrapTransport(err error) *TransportError {
	return &TransportError{Err: err}
}

// IsValidation сообщает, является ли ошибка ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuth сообщает, является ли ошибка AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransport сообщает, является ли ошибка TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsPartialSuccess сообщает, является ли ошибка PartialSuccessError.
func IsPartialSuccess(err error) bool {
	var pe *PartialSuccessError
	return errors.As(err, &pe)
}
