package replication

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	assert.Len(t, reg.Entities(), 9)

	inv, ok := reg.Lookup("salesinvoice")
	require.True(t, ok)
	assert.Equal(t, "sales_invoices", inv.Table)
	assert.Equal(t, []string{"id"}, inv.PKColumns)

	byTable, ok := reg.Lookup("order_carriers")
	require.True(t, ok)
	assert.Equal(t, "OrderCarrier", byTable.Name)

	link, ok := reg.Lookup("PurchaseInvoiceOrder")
	require.True(t, ok)
	assert.Equal(t, []string{"purchase_invoice_id", "order_id"}, link.PKColumns)

	owner, ok := reg.joinOwners["sales_invoice_orders"]
	require.True(t, ok)
	assert.Equal(t, "SalesInvoice", owner.Entity.Name)

	_, ok = reg.Lookup("MailMessage")
	assert.False(t, ok, "mail is not mirrored")
}

func TestJobID(t *testing.T) {
	a := Job{Table: "purchase_invoice_orders", Keys: map[string]any{"order_id": 7, "purchase_invoice_id": 3}}
	b := Job{Table: "purchase_invoice_orders", Keys: map[string]any{"purchase_invoice_id": int64(3), "order_id": int64(7)}}
	assert.Equal(t, a.ID(), b.ID(), "key order and integer width must not matter")
	assert.Equal(t, "purchase_invoice_orders|order_id=7|purchase_invoice_id=3", a.ID())
}

func TestJobsFor(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	inv, _ := reg.Lookup("SalesInvoice")

	jobs := jobsFor(inv, []string{"sales_invoice_id"}, []map[string]any{
		{"sales_invoice_id": int64(4)},
		{"sales_invoice_id": int64(5)},
	})
	require.Len(t, jobs, 2)
	assert.Equal(t, Job{Table: "sales_invoices", Keys: map[string]any{"id": int64(4)}}, jobs[0])
}

func TestEnqueueCoalesces(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	r := New(nil, reg)

	r.Enqueue(Job{Table: "partners", Keys: map[string]any{"id": 1}})
	r.Enqueue(Job{Table: "partners", Keys: map[string]any{"id": int64(1)}})
	r.Enqueue(Job{Table: "partners", Keys: map[string]any{"id": 2}})
	assert.Equal(t, 2, r.Pending())

	p, next := r.takeReady()
	require.NotNil(t, p)
	assert.True(t, next.IsZero())
	assert.Equal(t, "partners|id=1", p.job.ID())
	assert.Equal(t, 2, r.Pending(), "in-flight jobs still count")

	r.RetryBackoff = time.Hour
	r.finish(p, errors.New("boom"))
	assert.Equal(t, 2, r.Pending())

	// the retried job waits for its backoff; id=2 is ready first
	p2, _ := r.takeReady()
	require.NotNil(t, p2)
	assert.Equal(t, "partners|id=2", p2.job.ID())
	r.finish(p2, nil)

	none, next := r.takeReady()
	assert.Nil(t, none)
	assert.False(t, next.IsZero())
}

func TestFinishGivesUp(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	r := New(nil, reg)
	r.MaxAttempts = 2
	r.RetryBackoff = 0

	r.Enqueue(Job{Table: "partners", Keys: map[string]any{"id": 1}})
	for i := 0; i < 2; i++ {
		p, _ := r.takeReady()
		require.NotNil(t, p)
		r.finish(p, errors.New("replica down"))
	}
	assert.Zero(t, r.Pending())
	require.NoError(t, r.Flush(context.Background()))
}

func TestRetryBackoff(t *testing.T) {
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{4, 4 * time.Second},
		{20, time.Minute},
	}
	for _, tc := range cases {
		if got := retryBackoff(500*time.Millisecond, tc.attempt); got != tc.expected {
			t.Fatalf("attempt %d expected %s, got %s", tc.attempt, tc.expected, got)
		}
	}
}

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{driver.ErrBadConn, true},
		{fmt.Errorf("exec: %w", mysql.ErrInvalidConn), true},
		{&pgconn.PgError{Code: "08006"}, true},
		{&pgconn.PgError{Code: "57P01"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"), true},
		{errors.New("Error 1146: Table 'x' doesn't exist"), false},
	}
	for _, tc := range cases {
		if got := IsConnectionError(tc.err); got != tc.expected {
			t.Fatalf("IsConnectionError(%v) expected %v, got %v", tc.err, tc.expected, got)
		}
	}
}

func TestIsEmptySlice(t *testing.T) {
	assert.True(t, isEmptySlice(&[]salesInvoiceOrder{}))
	assert.False(t, isEmptySlice(&[]salesInvoiceOrder{{SalesInvoiceId: 1, OrderId: 2}}))
}
