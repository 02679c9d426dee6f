package utils

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEmail(t *testing.T) {
	cases := map[string]string{
		"  Jonas@Example.LT ":               "jonas@example.lt",
		"Jonas Jonaitis <Jonas@Example.lt>": "jonas@example.lt",
		"":                                  "",
	}
	for in, expected := range cases {
		if got := NormalizeEmail(in); got != expected {
			t.Fatalf("NormalizeEmail(%q) expected %q, got %q", in, expected, got)
		}
	}
	assert.Equal(t, "example.lt", EmailDomain("Info <INFO@example.lt>"))
	assert.Equal(t, "", EmailDomain("nobody"))
}

func TestDateOnlyAndDaysBetween(t *testing.T) {
	late := time.Date(2024, 9, 10, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 9, 10, 0, 0, 0, 0, time.UTC), DateOnly(late))

	due := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 9, DaysBetween(due, late))
	assert.Equal(t, -9, DaysBetween(late, due))
	assert.Equal(t, 0, DaysBetween(late, late.Add(-time.Hour)))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.10:41000"
	assert.Equal(t, "192.0.2.10", ClientIP(r))

	r.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(r))
	assert.Equal(t, "", ClientIP(nil))
}

func TestExecTemplate(t *testing.T) {
	out, err := ExecTemplate(`Sąskaita {{.invoice_number}}{{if .order_number}} (užs. {{.order_number}}){{end}}`,
		map[string]interface{}{"invoice_number": "LOG-0000001", "order_number": ""})
	require.NoError(t, err)
	assert.Equal(t, "Sąskaita LOG-0000001", out)

	_, err = ExecTemplate(`{{.broken`, nil)
	assert.Error(t, err)
}

func TestUniqueSliceKeepsOrder(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, UniqueSlice([]string{"b", "a", "b", "c", "a"}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "Vėž", Truncate("Vėžėjas", 3))
	assert.Equal(t, "abc", Truncate("abc", 10))
}

func TestJSONSafe(t *testing.T) {
	type payload struct {
		Amount decimal.Decimal `json:"amount"`
		Note   string          `json:"note"`
	}
	at := time.Date(2024, 9, 10, 12, 0, 0, 0, time.FixedZone("EEST", 3*3600))
	got := JSONSafeMap(map[string]any{
		"total": decimal.RequireFromString("121.00"),
		"at":    &at,
		"ids":   []int{1, 2},
		"nil":   (*time.Time)(nil),
		"obj":   payload{Amount: decimal.NewFromInt(5), Note: "x"},
	})
	assert.Equal(t, "121", got["total"])
	assert.Equal(t, "2024-09-10T09:00:00Z", got["at"])
	assert.Equal(t, []any{1, 2}, got["ids"])
	assert.Nil(t, got["nil"])
	assert.Equal(t, map[string]any{"amount": "5", "note": "x"}, got["obj"])
	assert.Equal(t, map[string]any{}, JSONSafeMap(nil))
}

func TestContextHelpers(t *testing.T) {
	ctx := SetUserIdInContext(context.Background(), 3)
	ctx = SetSkipReplicationInContext(ctx, true)
	id, ok := GetUserIdFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, 3, id)
	skip, _ := GetSkipReplicationFromContext(ctx)
	assert.True(t, skip)

	_, ok = GetUserNameFromContext(ctx)
	assert.False(t, ok)
}
