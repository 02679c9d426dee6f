package utils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestKindOfAndHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		kind   ErrorKind
		status int
	}{
		{InvalidTransition("new -> finished"), KindInvalidTransition, http.StatusBadRequest},
		{ValidationError("missing"), KindValidation, http.StatusBadRequest},
		{NotFound("order 1"), KindNotFound, http.StatusNotFound},
		{gorm.ErrRecordNotFound, KindNotFound, http.StatusNotFound},
		{Conflict("dup"), KindConflict, http.StatusConflict},
		{&mysqlDriver.MySQLError{Number: 1062}, KindConflict, http.StatusConflict},
		{fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), KindConflict, http.StatusConflict},
		{DependencyFailure(errors.New("timeout"), "imap"), KindDependencyFailure, http.StatusServiceUnavailable},
		{DataError(errors.New("bad json"), "metadata"), KindDataError, http.StatusInternalServerError},
		{errors.New("plain"), "", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("KindOf(%v) expected %q, got %q", tc.err, tc.kind, got)
		}
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("HTTPStatus(%v) expected %d, got %d", tc.err, tc.status, got)
		}
	}
}

func TestDomainErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Conflict("payment exceeds total"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrorRecordNotFound)

	cause := errors.New("connection refused")
	dep := DependencyFailure(cause, "smtp %s", "mail.example.com")
	assert.ErrorIs(t, dep, cause)
	assert.Equal(t, "smtp mail.example.com: connection refused", dep.Error())
}

func TestTranslateDBError(t *testing.T) {
	assert.NoError(t, TranslateDBError(nil, "order"))
	assert.Equal(t, "order 7 not found", TranslateDBError(gorm.ErrRecordNotFound, "order 7").Error())
	assert.Equal(t, KindConflict, KindOf(TranslateDBError(&mysqlDriver.MySQLError{Number: 1062}, "invoice")))

	other := errors.New("deadlock")
	assert.Equal(t, other, TranslateDBError(other, "x"))
}
