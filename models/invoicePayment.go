package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InvoicePayment is a manual cash posting against exactly one invoice.
type InvoicePayment struct {
	ID                int             `gorm:"primary_key" json:"id"`
	SalesInvoiceId    *int            `gorm:"index" json:"sales_invoice_id"`
	PurchaseInvoiceId *int            `gorm:"index" json:"purchase_invoice_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	PaymentDate       time.Time       `gorm:"type:date;not null" json:"payment_date"`
	Method            string          `gorm:"size:50;default:null" json:"method"`
	Reference         string          `gorm:"size:255;default:null" json:"reference"`
	Notes             string          `gorm:"type:text;default:null" json:"notes"`
	CreatedById       *int            `gorm:"index" json:"created_by_id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Target returns the invoice this payment belongs to (not loaded).
func (p *InvoicePayment) Target() (Invoice, error) {
	switch {
	case p.SalesInvoiceId != nil && p.PurchaseInvoiceId == nil:
		return &SalesInvoice{ID: *p.SalesInvoiceId}, nil
	case p.PurchaseInvoiceId != nil && p.SalesInvoiceId == nil:
		return &PurchaseInvoice{ID: *p.PurchaseInvoiceId}, nil
	}
	return nil, utils.ValidationError("payment must reference exactly one invoice")
}

func (p *InvoicePayment) BeforeCreate(tx *gorm.DB) error {
	if !p.Amount.IsPositive() {
		return utils.ValidationError("payment amount must be positive")
	}
	if p.PaymentDate.IsZero() {
		p.PaymentDate = Today()
	}
	inv, err := p.Target()
	if err != nil {
		return err
	}
	ref := inv.invoiceRef()

	// lock the invoice so concurrent payments cannot both pass the bound check
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(inv, ref.ID).Error; err != nil {
		return utils.TranslateDBError(err, string(ref.Kind))
	}
	var paid decimal.NullDecimal
	if err := tx.Model(&InvoicePayment{}).
		Select("SUM(amount)").
		Where(paymentColumn(ref.Kind)+" = ?", ref.ID).
		Row().Scan(&paid); err != nil {
		return err
	}
	total, _ := inv.totals()
	if paid.Decimal.Add(p.Amount).GreaterThan(total) {
		return utils.Conflict("payment %s exceeds outstanding amount %s", p.Amount.StringFixed(2), total.Sub(paid.Decimal).StringFixed(2))
	}
	if uid, ok := utils.GetUserIdFromContext(tx.Statement.Context); ok && p.CreatedById == nil {
		p.CreatedById = &uid
	}
	return nil
}

func AddInvoicePayment(ctx context.Context, p *InvoicePayment) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(p).Error
	})
}

// DeleteInvoicePayment loads the row first so delete hooks know the target invoice.
func DeleteInvoicePayment(ctx context.Context, id int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p InvoicePayment
		if err := tx.First(&p, id).Error; err != nil {
			return utils.TranslateDBError(err, "payment")
		}
		return tx.Delete(&p).Error
	})
}
