package models

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentState is the derived payment view of an invoice.
type PaymentState struct {
	PaidAmount  decimal.Decimal
	Status      PaymentStatus
	PaymentDate *time.Time
	OverdueDays int
}

func (s PaymentState) Equal(o PaymentState) bool {
	if !s.PaidAmount.Equal(o.PaidAmount) || s.Status != o.Status || s.OverdueDays != o.OverdueDays {
		return false
	}
	if (s.PaymentDate == nil) != (o.PaymentDate == nil) {
		return false
	}
	return s.PaymentDate == nil || utils.DateOnly(*s.PaymentDate).Equal(utils.DateOnly(*o.PaymentDate))
}

type PaymentLine struct {
	Amount      decimal.Decimal
	PaymentDate time.Time
}

type invoiceRef struct {
	Kind EntityType
	ID   int
}

// Invoice is the field set shared by sales and purchase invoices that reconciliation needs.
type Invoice interface {
	invoiceRef() invoiceRef
	paymentFields() *PaymentState
	totals() (decimal.Decimal, time.Time)
	setPaymentState(PaymentState)
	OrderIDs(tx *gorm.DB) ([]int, error)
}

// ComputePaymentState derives status from the payment set. A partially paid invoice
// stays partially_paid past its due date; overdue_days still counts while unpaid.
func ComputePaymentState(total decimal.Decimal, due time.Time, payments []PaymentLine, today time.Time) PaymentState {
	paid := decimal.Zero
	var last *time.Time
	for _, p := range payments {
		paid = paid.Add(p.Amount)
		d := utils.DateOnly(p.PaymentDate)
		if last == nil || d.After(*last) {
			last = &d
		}
	}

	st := PaymentState{PaidAmount: paid}
	today = utils.DateOnly(today)
	due = utils.DateOnly(due)
	switch {
	case paid.IsPositive() && paid.GreaterThanOrEqual(total):
		st.Status = PaymentStatusPaid
		st.PaymentDate = last
	case paid.IsPositive():
		st.Status = PaymentStatusPartiallyPaid
	case due.Before(today):
		st.Status = PaymentStatusOverdue
	default:
		st.Status = PaymentStatusUnpaid
	}
	if st.Status != PaymentStatusPaid && due.Before(today) {
		st.OverdueDays = utils.DaysBetween(due, today)
	}
	return st
}

func paymentColumn(kind EntityType) string {
	if kind == EntityTypePurchaseInvoice {
		return "purchase_invoice_id"
	}
	return "sales_invoice_id"
}

func statusActionFor(kind EntityType) string {
	if kind == EntityTypePurchaseInvoice {
		return ActionCostStatusChanged
	}
	return ActionInvoiceStatusChanged
}

// Reconcile recomputes payment fields of one invoice in its own transaction.
func Reconcile(ctx context.Context, inv Invoice) (bool, error) {
	var changed bool
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = ReconcileTx(tx, inv)
		return err
	})
	return changed, err
}

// ReconcileTx locks the invoice row, sums its payments and writes the derived
// fields when they differ. Running it twice with the same payments is a no-op.
func ReconcileTx(tx *gorm.DB, inv Invoice) (bool, error) {
	ref := inv.invoiceRef()
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(inv, ref.ID).Error; err != nil {
		return false, utils.TranslateDBError(err, string(ref.Kind))
	}

	var lines []PaymentLine
	if err := tx.Model(&InvoicePayment{}).
		Select("amount, payment_date").
		Where(paymentColumn(ref.Kind)+" = ?", ref.ID).
		Find(&lines).Error; err != nil {
		return false, err
	}

	before := *inv.paymentFields()
	total, due := inv.totals()
	after := ComputePaymentState(total, due, lines, Today())
	if before.Equal(after) {
		return false, nil
	}

	if err := tx.Model(inv).UpdateColumns(map[string]interface{}{
		"paid_amount":    after.PaidAmount,
		"payment_status": after.Status,
		"payment_date":   after.PaymentDate,
		"overdue_days":   after.OverdueDays,
	}).Error; err != nil {
		return false, err
	}
	inv.setPaymentState(after)

	if before.Status != after.Status {
		err := LogTx(tx, LogEntry{
			ActionType:  statusActionFor(ref.Kind),
			Description: fmt.Sprintf("Payment status changed from %s to %s", before.Status, after.Status),
			EntityType:  ref.Kind,
			ObjectId:    ref.ID,
			Metadata: map[string]any{
				"old_status":   before.Status,
				"new_status":   after.Status,
				"paid_amount":  after.PaidAmount,
				"overdue_days": after.OverdueDays,
				"source":       "reconciler",
			},
		})
		if err != nil {
			return false, err
		}
		if after.Status == PaymentStatusPaid {
			if err := AddOutboxEvent(tx, EventInvoicePaid, ref.Kind, ref.ID, map[string]any{
				"paid_amount":  after.PaidAmount,
				"payment_date": after.PaymentDate,
			}); err != nil {
				return false, err
			}
		}
	}

	if err := propagatePaymentState(tx, inv, after); err != nil {
		return false, err
	}
	return true, nil
}

// propagatePaymentState mirrors invoice payment state onto orders (sales) or carrier legs (purchase).
func propagatePaymentState(tx *gorm.DB, inv Invoice, st PaymentState) error {
	orderIDs, err := inv.OrderIDs(tx)
	if err != nil || len(orderIDs) == 0 {
		return err
	}
	switch v := inv.(type) {
	case *SalesInvoice:
		for _, id := range orderIDs {
			if err := refreshOrderPaymentStatus(tx, id); err != nil {
				return err
			}
		}
	case *PurchaseInvoice:
		var carriers []OrderCarrier
		if err := tx.Where("order_id IN ? AND partner_id = ?", orderIDs, v.PartnerId).Find(&carriers).Error; err != nil {
			return err
		}
		target := CarrierStatusFromInvoice(st.Status)
		for i := range carriers {
			if carriers[i].PaymentStatus == target {
				continue
			}
			if err := tx.Model(&carriers[i]).UpdateColumn("payment_status", target).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// AggregateOrderPaymentStatus folds the statuses of an order's sales invoices.
func AggregateOrderPaymentStatus(statuses []PaymentStatus) PaymentStatus {
	if len(statuses) == 0 {
		return PaymentStatusUnpaid
	}
	allPaid, anyOverdue, anyPaid := true, false, false
	for _, s := range statuses {
		switch s {
		case PaymentStatusPaid:
			anyPaid = true
		case PaymentStatusPartiallyPaid:
			anyPaid = true
			allPaid = false
		case PaymentStatusOverdue:
			anyOverdue = true
			allPaid = false
		default:
			allPaid = false
		}
	}
	switch {
	case allPaid:
		return PaymentStatusPaid
	case anyOverdue:
		return PaymentStatusOverdue
	case anyPaid:
		return PaymentStatusPartiallyPaid
	}
	return PaymentStatusUnpaid
}

func refreshOrderPaymentStatus(tx *gorm.DB, orderID int) error {
	var statuses []PaymentStatus
	err := tx.Model(&SalesInvoice{}).
		Where("related_order_id = ? OR id IN (?)", orderID,
			tx.Table("sales_invoice_orders").Select("sales_invoice_id").Where("order_id = ?", orderID)).
		Pluck("payment_status", &statuses).Error
	if err != nil {
		return err
	}
	var order Order
	if err := tx.Select("id", "payment_status").First(&order, orderID).Error; err != nil {
		return utils.TranslateDBError(err, "order")
	}
	next := AggregateOrderPaymentStatus(statuses)
	if order.PaymentStatus == next {
		return nil
	}
	return tx.Model(&order).UpdateColumn("payment_status", next).Error
}
