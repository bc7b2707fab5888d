// Package apperr описывает машинно-проверяемые виды ошибок сервиса.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind — машинно-проверяемый вид ошибки. Обработчики ветвятся только по нему,
// но никогда по тексту сообщения.
type Kind string

const (
	KindBlacklisted           Kind = "BLACKLISTED"
	KindNonHuman              Kind = "NON_HUMAN"
	KindRateLimited           Kind = "RATE_LIMITED"
	KindForbidden             Kind = "FORBIDDEN"
	KindNotFound              Kind = "NOT_FOUND"
	KindItemNotFound          Kind = "ITEM_NOT_FOUND"
	KindOutOfStock            Kind = "OUT_OF_STOCK"
	KindAlreadyHasSession     Kind = "ALREADY_HAS_SESSION"
	KindAlreadyCompleted      Kind = "ALREADY_COMPLETED"
	KindInvalidState          Kind = "INVALID_STATE"
	KindCategoryNotConfigured Kind = "CATEGORY_NOT_CONFIGURED"
	KindNotPurchased          Kind = "NOT_PURCHASED"
	KindNoContent             Kind = "NO_CONTENT"
	KindDecryptFailure        Kind = "DECRYPT_FAILURE"
	KindIntegrityViolation    Kind = "INTEGRITY_VIOLATION"
	KindExpired               Kind = "EXPIRED"
	KindBadSignature          Kind = "BAD_SIGNATURE"
	KindResource              Kind = "RESOURCE_FAILURE"
	KindInvalidInput          Kind = "INVALID_INPUT"
)

// Class группирует виды ошибок по способу обработки.
type Class string

const (
	ClassPermission  Class = "permission"
	ClassRateLimited Class = "rate_limited"
	ClassConflict    Class = "conflict"
	ClassNotFound    Class = "not_found"
	ClassIntegrity   Class = "integrity"
	ClassResource    Class = "resource"
	ClassInvalid     Class = "invalid"
)

// Class возвращает класс вида ошибки.
func (k Kind) Class() Class {
	switch k {
	case KindBlacklisted, KindNonHuman, KindForbidden, KindNotPurchased, KindExpired, KindBadSignature:
		return ClassPermission
	case KindRateLimited:
		return ClassRateLimited
	case KindAlreadyHasSession, KindAlreadyCompleted, KindInvalidState, KindOutOfStock:
		return ClassConflict
	case KindNotFound, KindItemNotFound, KindNoContent:
		return ClassNotFound
	case KindDecryptFailure, KindIntegrityViolation:
		return ClassIntegrity
	case KindResource, KindCategoryNotConfigured:
		return ClassResource
	default:
		return ClassInvalid
	}
}

// Error — ошибка ядра с видом и идентификатором затронутого субъекта
// (пользователя, тикета, продажи).
type Error struct {
	Kind       Kind
	Subject    string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Subject != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Subject)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по виду, что позволяет писать
// errors.Is(err, apperr.New(apperr.KindNotFound, "", "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Subject == "" || t.Subject == e.Subject)
}

// New создаёт ошибку указанного вида.
func New(kind Kind, subject, message string) *Error {
	return &Error{Kind: kind, Subject: subject, Message: message}
}

// Wrap создаёт ошибку указанного вида поверх причины.
func Wrap(kind Kind, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// KindOf извлекает вид ошибки из цепочки. Для прочих ошибок возвращает пустую строку.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind сообщает, содержит ли цепочка ошибку указанного вида.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
