package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind: таксономия отказов, которую видит вызывающий код.
type ErrorKind string

const (
	KindMalformedContext  ErrorKind = "MalformedContext"
	KindPermissionDenied  ErrorKind = "PermissionDenied"
	KindRateLimitExceeded ErrorKind = "RateLimitExceeded"
	KindIntegrityError    ErrorKind = "IntegrityError"
	KindOperationFailure  ErrorKind = "OperationFailure"
	KindStoreError        ErrorKind = "StoreError"
)

// ErrorClass разделяет отказы на безопасные для повтора и фатальные (эскалация).
type ErrorClass string

const (
	ClassNone      ErrorClass = ""
	ClassTransient ErrorClass = "transient"
	ClassFatal     ErrorClass = "fatal"
)

// Sentinel-значения для errors.Is: сравнение идет только по Kind.
var (
	ErrMalformedContext  = &Error{Kind: KindMalformedContext}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrRateLimitExceeded = &Error{Kind: KindRateLimitExceeded}
	ErrIntegrity         = &Error{Kind: KindIntegrityError}
	ErrOperationFailure  = &Error{Kind: KindOperationFailure}
	ErrStore             = &Error{Kind: KindStoreError}
)

// Error: единый тип ошибки на публичной границе ядра.
// Причина (cause) хранится только для внутреннего аудита и наружу не раскрывается:
// Unwrap намеренно не реализован.
type Error struct {
	Kind    ErrorKind
	Class   ErrorClass
	Message string
	Tags    []string

	// Событие угрозы, которое операция сама пометила (например, security_breach)
	Event EventType

	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Class != ClassNone {
		b.WriteString(" (" + string(e.Class) + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// Is позволяет писать errors.Is(err, domain.ErrPermissionDenied).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Cause отдает исходную ошибку. Используется только внутри ядра (аудит, логи).
func (e *Error) Cause() error { return e.cause }

// HasTag проверяет наличие метки, например "timeout".
func (e *Error) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NewError создает ошибку заданного вида.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap сохраняет причину и класс.
func Wrap(kind ErrorKind, class ErrorClass, msg string, cause error) *Error {
	return &Error{Kind: kind, Class: class, Message: msg, cause: cause}
}

// WithTags возвращает копию с дополнительными метками.
func (e *Error) WithTags(tags ...string) *Error {
	cp := *e
	cp.Tags = append(append([]string(nil), e.Tags...), tags...)
	return &cp
}

// transientError: маркер, которым доменный код помечает повторяемые отказы.
type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Transient помечает ошибку операции как безопасную для повтора (например, конфликт блокировок).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Breach помечает ошибку операции как событие из критического набора.
func Breach(event EventType, msg string) error {
	return &Error{Kind: KindOperationFailure, Class: ClassFatal, Message: msg, Event: event}
}

// IsTransient определяет класс ошибки: явная метка, Temporary() или истекший дедлайн.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	var de *Error
	if errors.As(err, &de) && de.Class == ClassTransient {
		return true
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// TypeName: имя типа ошибки для аудита (без текста, текст может содержать секреты).
func TypeName(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return "domain." + string(de.Kind)
	}
	var te transientError
	if errors.As(err, &te) {
		return TypeName(te.err)
	}
	return fmt.Sprintf("%T", err)
}
