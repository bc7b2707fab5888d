package middleware

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
)

// ErrorResponse описывает тело ответа с ошибкой.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

var classStatus = map[apperr.Class]int{
	apperr.ClassPermission:  http.StatusForbidden,
	apperr.ClassRateLimited: http.StatusTooManyRequests,
	apperr.ClassConflict:    http.StatusConflict,
	apperr.ClassNotFound:    http.StatusNotFound,
	apperr.ClassIntegrity:   http.StatusInternalServerError,
	apperr.ClassResource:    http.StatusBadGateway,
	apperr.ClassInvalid:     http.StatusBadRequest,
}

// StatusFor возвращает HTTP-статус для класса ошибки.
func StatusFor(class apperr.Class) int {
	if status, ok := classStatus[class]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON пишет ответ в формате JSON.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError пишет ошибку ядра. Статус выбирается только по виду ошибки.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		log.Error("unhandled error", zap.Error(err))
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "INTERNAL",
			Message: http.StatusText(http.StatusInternalServerError),
		})
		return
	}

	status := StatusFor(e.Kind.Class())
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}

	msg := e.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("kind", string(e.Kind)), zap.String("subject", e.Subject))
	}

	WriteJSON(w, status, ErrorResponse{Error: string(e.Kind), Message: msg, Subject: e.Subject})
}
