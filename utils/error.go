package utils

import (
	"errors"
	"fmt"
	"net/http"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type ErrorKind string

const (
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindPolicyBlocked     ErrorKind = "policy_blocked"
	KindDependencyFailure ErrorKind = "dependency_failure"
	KindDataError         ErrorKind = "data_error"
	KindValidation        ErrorKind = "validation"
)

var (
	ErrorRecordNotFound     = &DomainError{Kind: KindNotFound, Message: "record not found"}
	ErrInvalidTransition    = &DomainError{Kind: KindInvalidTransition, Message: "status transition not allowed"}
	ErrConflict             = &DomainError{Kind: KindConflict, Message: "conflict"}
	ErrPolicyBlocked        = &DomainError{Kind: KindPolicyBlocked, Message: "blocked by policy"}
	ErrDependencyFailure    = &DomainError{Kind: KindDependencyFailure, Message: "dependency failure"}
	ErrDataError            = &DomainError{Kind: KindDataError, Message: "data error"}
	ErrValidation           = &DomainError{Kind: KindValidation, Message: "validation failed"}
	ErrServiceNotConfigured = errors.New("service not configured")
)

// DomainError carries a kind so transports can map it without string matching.
type DomainError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error { return e.Err }

// Is matches any DomainError of the same kind, so errors.Is(err, ErrConflict) works
// for every conflict regardless of message.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newKind(kind ErrorKind, format string, args ...any) *DomainError {
	return &DomainError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(format string, args ...any) error {
	return newKind(KindInvalidTransition, format, args...)
}

func NotFound(format string, args ...any) error {
	return newKind(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return newKind(KindConflict, format, args...)
}

func PolicyBlocked(format string, args ...any) error {
	return newKind(KindPolicyBlocked, format, args...)
}

func ValidationError(format string, args ...any) error {
	return newKind(KindValidation, format, args...)
}

// DependencyFailure wraps an error from an external system (IMAP, SMTP, replica, pubsub).
func DependencyFailure(err error, format string, args ...any) error {
	e := newKind(KindDependencyFailure, format, args...)
	e.Err = err
	return e
}

func DataError(err error, format string, args ...any) error {
	e := newKind(KindDataError, format, args...)
	e.Err = err
	return e
}

func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KindNotFound
	}
	if IsDuplicateKeyErr(err) {
		return KindConflict
	}
	return ""
}

// HTTPStatus maps domain errors to transport codes.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidTransition, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPolicyBlocked:
		return http.StatusOK
	case KindDependencyFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsDuplicateKeyErr recognises unique violations on MySQL (1062) and Postgres (23505).
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqlDriver.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

// TranslateDBError turns storage errors into domain kinds, leaving others untouched.
func TranslateDBError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound("%s not found", what)
	}
	if IsDuplicateKeyErr(err) {
		e := newKind(KindConflict, "%s already exists", what)
		e.Err = err
		return e
	}
	return err
}
