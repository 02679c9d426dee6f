package models_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/internal/testenv"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, ctx context.Context, name string) *models.Partner {
	t.Helper()
	p := &models.Partner{Name: name, Email: "info@" + name + ".lt", IsClient: true}
	require.NoError(t, models.CreatePartner(ctx, p))
	return p
}

func TestNumbering_SeedsFromHistoryAndNeverRepeats(t *testing.T) {
	testenv.Setup(t)
	ctx := context.Background()
	client := newClient(t, ctx, "seed")

	// an imported invoice predates the sequence row
	imported := &models.SalesInvoice{
		InvoiceNumber: "LOG-0000041",
		PartnerId:     client.ID,
		AmountNet:     decimal.NewFromInt(10),
		DueDate:       utils.DateOnly(time.Now()).AddDate(0, 0, 30),
	}
	require.NoError(t, models.CreateSalesInvoice(ctx, imported))

	n, err := models.NextNumber(ctx, models.ScopeSales, "LOG", 7)
	require.NoError(t, err)
	assert.Equal(t, "LOG-0000042", n)

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := models.NextNumber(ctx, models.ScopeSales, "LOG", 7)
			if err != nil {
				t.Errorf("NextNumber: %v", err)
				return
			}
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Strings(got)
	require.Len(t, got, 8)
	assert.Equal(t, "LOG-0000043", got[0])
	assert.Equal(t, "LOG-0000050", got[7])
	for i := 1; i < len(got); i++ {
		assert.NotEqual(t, got[i-1], got[i])
	}

	gaps, err := models.FindGaps(ctx, models.ScopeSales, "LOG", 7, 10)
	require.NoError(t, err)
	assert.Empty(t, gaps, "allocated but unused numbers are not stored rows")
}

func TestChangeStatus(t *testing.T) {
	testenv.Setup(t)
	ctx := utils.SetUserNameInContext(context.Background(), "tester")
	client := newClient(t, ctx, "status")
	order := &models.Order{ClientId: client.ID}
	require.NoError(t, models.CreateOrder(ctx, order))
	assert.Equal(t, models.OrderStatusNew, order.Status)

	_, err := models.ChangeStatus(ctx, models.ChangeStatusInput{
		EntityType: models.EntityTypeOrder, EntityId: order.ID, NewStatus: "finished",
	})
	assert.Equal(t, utils.KindInvalidTransition, utils.KindOf(err))

	res, err := models.ChangeStatus(ctx, models.ChangeStatusInput{
		EntityType: models.EntityTypeOrder, EntityId: order.ID, NewStatus: "assigned", Reason: "carrier found",
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "new", res.OldStatus)

	// same status is a no-op without an audit row
	res, err = models.ChangeStatus(ctx, models.ChangeStatusInput{
		EntityType: models.EntityTypeOrder, EntityId: order.ID, NewStatus: "assigned",
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	logs, err := models.ActivityFor(ctx, models.EntityTypeOrder, order.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ActionOrderStatusChanged, logs[0].ActionType)
	assert.Equal(t, "tester", logs[0].UserName)

	_, err = models.ChangeStatus(ctx, models.ChangeStatusInput{
		EntityType: models.EntityTypeOrder, EntityId: 999999, NewStatus: "assigned",
	})
	assert.Equal(t, utils.KindNotFound, utils.KindOf(err))

	allowed, err := models.AllowedTransitions(ctx, models.EntityTypeOrder, "assigned")
	require.NoError(t, err)
	assert.Contains(t, allowed, "executing")
}

func TestNumbering_UnderscorePrefixIsLiteral(t *testing.T) {
	testenv.Setup(t)
	ctx := context.Background()
	client := newClient(t, ctx, "underscore")

	for _, number := range []string{"T_X-0000001", "TAX-0000002", "T_X-0000003", "TBX-0000090"} {
		require.NoError(t, models.CreateSalesInvoice(ctx, &models.SalesInvoice{
			InvoiceNumber: number,
			PartnerId:     client.ID,
			AmountNet:     decimal.NewFromInt(10),
			DueDate:       utils.DateOnly(time.Now()).AddDate(0, 0, 30),
		}))
	}

	gaps, err := models.FindGaps(ctx, models.ScopeSales, "T_X", 7, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "T_X-0000002", gaps[0].FromNumber)
	assert.Equal(t, "T_X-0000002", gaps[0].ToNumber)

	n, err := models.NextNumber(ctx, models.ScopeSales, "T_X", 7)
	require.NoError(t, err)
	assert.Equal(t, "T_X-0000004", n)
}

func TestStatusRules_UpdateIsVisibleImmediately(t *testing.T) {
	testenv.Setup(t)
	ctx := context.Background()

	before, err := models.AllowedTransitions(ctx, models.EntityTypeOrder, "assigned")
	require.NoError(t, err)
	require.NotEmpty(t, before)

	var rule models.StatusTransitionRule
	require.NoError(t, config.GetDB().
		Where("entity_type = ? AND current_status = ?", models.EntityTypeOrder, "assigned").
		First(&rule).Error)
	rule.SetAllowedNext([]string{"canceled"})
	require.NoError(t, models.SaveStatusRule(ctx, &rule))

	after, err := models.AllowedTransitions(ctx, models.EntityTypeOrder, "assigned")
	require.NoError(t, err)
	assert.Equal(t, []string{"canceled"}, after)

	require.NoError(t, models.DeleteStatusRule(ctx, rule.ID))
	gone, err := models.AllowedTransitions(ctx, models.EntityTypeOrder, "assigned")
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestPayments_ReconcileThroughHooks(t *testing.T) {
	testenv.Setup(t)
	ctx := context.Background()
	client := newClient(t, ctx, "payer")
	inv := &models.SalesInvoice{
		PartnerId: client.ID,
		AmountNet: decimal.NewFromInt(100),
		VatRate:   decimal.NewFromInt(21),
		DueDate:   utils.DateOnly(time.Now()).AddDate(0, 0, -5),
	}
	require.NoError(t, models.CreateSalesInvoice(ctx, inv))
	assert.Equal(t, models.PaymentStatusOverdue, inv.PaymentStatus)

	reload := func() *models.SalesInvoice {
		got, err := models.GetSalesInvoice(ctx, inv.ID)
		require.NoError(t, err)
		return got
	}

	first := &models.InvoicePayment{SalesInvoiceId: &inv.ID, Amount: decimal.NewFromInt(21)}
	require.NoError(t, models.AddInvoicePayment(ctx, first))
	got := reload()
	assert.Equal(t, models.PaymentStatusPartiallyPaid, got.PaymentStatus)
	assert.Equal(t, 5, got.OverdueDays)

	err := models.AddInvoicePayment(ctx, &models.InvoicePayment{SalesInvoiceId: &inv.ID, Amount: decimal.NewFromInt(200)})
	assert.Equal(t, utils.KindConflict, utils.KindOf(err))

	require.NoError(t, models.AddInvoicePayment(ctx, &models.InvoicePayment{SalesInvoiceId: &inv.ID, Amount: decimal.NewFromInt(100)}))
	got = reload()
	assert.Equal(t, models.PaymentStatusPaid, got.PaymentStatus)
	assert.True(t, got.PaidAmount.Equal(decimal.NewFromInt(121)))
	assert.NotNil(t, got.PaymentDate)
	assert.Zero(t, got.OverdueDays)

	require.NoError(t, models.DeleteInvoicePayment(ctx, first.ID))
	got = reload()
	assert.Equal(t, models.PaymentStatusPartiallyPaid, got.PaymentStatus)
	assert.Nil(t, got.PaymentDate)

	// reconcile twice changes nothing
	changed, err := models.Reconcile(ctx, &models.SalesInvoice{ID: inv.ID})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPurchaseInvoice_MarksCarriersAndFinishesOrder(t *testing.T) {
	testenv.Setup(t)
	ctx := context.Background()
	client := newClient(t, ctx, "shipper")
	carrier := &models.Partner{Name: "Vežėjas", IsSupplier: true}
	require.NoError(t, models.CreatePartner(ctx, carrier))

	order := &models.Order{
		ClientId: client.ID,
		Carriers: []models.OrderCarrier{{PartnerId: &carrier.ID, PriceNet: decimal.NewFromInt(400)}},
	}
	require.NoError(t, models.CreateOrder(ctx, order))
	require.NotNil(t, order.Carriers[0].ExpeditionNumber)

	received := utils.DateOnly(time.Now()).AddDate(0, 0, -1)
	pinv := &models.PurchaseInvoice{
		PartnerId:             carrier.ID,
		ReceivedInvoiceNumber: "VZ-778",
		ReceivedDate:          &received,
		AmountNet:             decimal.NewFromInt(400),
		VatRate:               decimal.NewFromInt(21),
	}
	require.NoError(t, models.CreatePurchaseInvoice(ctx, pinv, []models.OrderSplit{{OrderId: order.ID, Amount: decimal.NewFromInt(400)}}))

	got, err := models.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFinished, got.Status)
	require.Len(t, got.Carriers, 1)
	assert.True(t, got.Carriers[0].InvoiceReceived)
	require.NotNil(t, got.Carriers[0].InvoiceReceivedDate)
	assert.True(t, utils.DateOnly(*got.Carriers[0].InvoiceReceivedDate).Equal(received))

	// finished is terminal; another run is a no-op
	res, err := models.AutoUpdateOrderStatus(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, res)

	var n int64
	require.NoError(t, config.GetDB().Model(&models.PurchaseInvoiceOrder{}).Where("purchase_invoice_id = ?", pinv.ID).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}
