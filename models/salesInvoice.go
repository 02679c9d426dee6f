package models

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SalesInvoice struct {
	ID                  int                 `gorm:"primary_key" json:"id"`
	InvoiceNumber       string              `gorm:"size:50;uniqueIndex;not null" json:"invoice_number"`
	PartnerId           int                 `gorm:"index;not null" json:"partner_id" validate:"required"`
	Partner             *Partner            `gorm:"foreignKey:PartnerId;constraint:OnDelete:RESTRICT" json:"partner,omitempty"`
	RelatedOrderId      *int                `gorm:"index" json:"related_order_id"`
	RelatedOrder        *Order              `gorm:"foreignKey:RelatedOrderId;constraint:OnDelete:SET NULL" json:"related_order,omitempty"`
	RelatedOrders       []Order             `gorm:"many2many:sales_invoice_orders;" json:"related_orders"`
	IssueDate           time.Time           `gorm:"type:date;not null" json:"issue_date"`
	DueDate             time.Time           `gorm:"type:date;not null;index" json:"due_date"`
	AmountNet           decimal.Decimal     `gorm:"type:decimal(20,2);not null;default:0" json:"amount_net"`
	VatRate             decimal.Decimal     `gorm:"type:decimal(5,2);not null;default:0" json:"vat_rate"`
	AmountTotal         decimal.Decimal     `gorm:"type:decimal(20,2);not null;default:0" json:"amount_total"`
	PaidAmount          decimal.Decimal     `gorm:"type:decimal(20,2);not null;default:0" json:"paid_amount"`
	PaymentStatus       PaymentStatus       `gorm:"size:20;not null;default:unpaid;index" json:"payment_status"`
	PaymentDate         *time.Time          `gorm:"type:date" json:"payment_date"`
	OverdueDays         int                 `gorm:"not null;default:0" json:"overdue_days"`
	OverdueReminderMode OverdueReminderMode `gorm:"size:20;not null;default:automatic" json:"overdue_reminder_mode"`
	PdfKey              string              `gorm:"size:500;default:null" json:"pdf_key"`
	Notes               string              `gorm:"type:text;default:null" json:"notes"`
	Payments            []InvoicePayment    `gorm:"foreignKey:SalesInvoiceId;constraint:OnDelete:CASCADE" json:"payments"`
	CreatedAt           time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (inv *SalesInvoice) BeforeSave(tx *gorm.DB) error {
	inv.InvoiceNumber = strings.TrimSpace(inv.InvoiceNumber)
	inv.AmountTotal = GrossAmount(inv.AmountNet, inv.VatRate)
	if inv.PaymentStatus == "" {
		inv.PaymentStatus = PaymentStatusUnpaid
	}
	if inv.OverdueReminderMode == "" {
		inv.OverdueReminderMode = OverdueReminderModeAutomatic
	}
	return nil
}

func (inv *SalesInvoice) invoiceRef() invoiceRef {
	return invoiceRef{Kind: EntityTypeSalesInvoice, ID: inv.ID}
}

func (inv *SalesInvoice) paymentFields() *PaymentState {
	return &PaymentState{
		PaidAmount:  inv.PaidAmount,
		Status:      inv.PaymentStatus,
		PaymentDate: inv.PaymentDate,
		OverdueDays: inv.OverdueDays,
	}
}

func (inv *SalesInvoice) totals() (decimal.Decimal, time.Time) {
	return inv.AmountTotal, inv.DueDate
}

func (inv *SalesInvoice) setPaymentState(s PaymentState) {
	inv.PaidAmount = s.PaidAmount
	inv.PaymentStatus = s.Status
	inv.PaymentDate = s.PaymentDate
	inv.OverdueDays = s.OverdueDays
}

// OrderIDs merges the FK and M2M order links.
func (inv *SalesInvoice) OrderIDs(tx *gorm.DB) ([]int, error) {
	var ids []int
	if err := tx.Table("sales_invoice_orders").Where("sales_invoice_id = ?", inv.ID).Pluck("order_id", &ids).Error; err != nil {
		return nil, err
	}
	if inv.RelatedOrderId != nil {
		ids = append(ids, *inv.RelatedOrderId)
	}
	return utils.UniqueSlice(ids), nil
}

// CreateSalesInvoice allocates the invoice number from the sales scope when empty.
func CreateSalesInvoice(ctx context.Context, inv *SalesInvoice) error {
	if err := utils.ValidateStruct(inv); err != nil {
		return err
	}
	settings, err := GetNotificationSettings(ctx)
	if err != nil {
		return err
	}
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var partner Partner
		if err := tx.First(&partner, inv.PartnerId).Error; err != nil {
			return utils.TranslateDBError(err, "partner")
		}
		if inv.IssueDate.IsZero() {
			inv.IssueDate = Today()
		}
		if inv.DueDate.IsZero() {
			inv.DueDate = calculateDueDate(inv.IssueDate, partner.PaymentTermDays)
		}
		if inv.InvoiceNumber == "" {
			n, err := NextNumberTx(tx, ScopeSales, settings.InvoiceNumberPrefix, settings.InvoiceNumberWidth)
			if err != nil {
				return err
			}
			inv.InvoiceNumber = n
		}
		orders := inv.RelatedOrders
		inv.RelatedOrders = nil
		if err := tx.Omit("RelatedOrders", "Payments").Create(inv).Error; err != nil {
			return utils.TranslateDBError(err, "invoice number "+inv.InvoiceNumber)
		}
		if len(orders) > 0 {
			loaded, err := loadOrders(tx, orders)
			if err != nil {
				return err
			}
			if err := tx.Model(inv).Association("RelatedOrders").Append(loaded); err != nil {
				return err
			}
			inv.RelatedOrders = loaded
		}
		// status reflects the due date straight away
		if _, err := ReconcileTx(tx, inv); err != nil {
			return err
		}
		orderIDs, err := inv.OrderIDs(tx)
		if err != nil {
			return err
		}
		for _, id := range orderIDs {
			if err := refreshOrderPaymentStatus(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func GetSalesInvoice(ctx context.Context, id int) (*SalesInvoice, error) {
	return utils.FetchModel[SalesInvoice](ctx, id, "Partner", "RelatedOrder", "RelatedOrders")
}

func GetSalesInvoiceByNumber(ctx context.Context, number string) (*SalesInvoice, error) {
	db := config.GetDB()
	var inv SalesInvoice
	if err := db.WithContext(ctx).Where("invoice_number = ?", strings.TrimSpace(number)).First(&inv).Error; err != nil {
		return nil, utils.TranslateDBError(err, "sales invoice")
	}
	return &inv, nil
}
