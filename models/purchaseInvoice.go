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

// PurchaseInvoice is a supplier invoice (carrier cost or other expense).
type PurchaseInvoice struct {
	ID                    int              `gorm:"primary_key" json:"id"`
	InvoiceNumber         string           `gorm:"size:50;index;default:null" json:"invoice_number"`
	ReceivedInvoiceNumber string           `gorm:"size:100;index;default:null" json:"received_invoice_number"`
	PartnerId             int              `gorm:"index;not null" json:"partner_id" validate:"required"`
	Partner               *Partner         `gorm:"foreignKey:PartnerId;constraint:OnDelete:RESTRICT" json:"partner,omitempty"`
	RelatedOrderId        *int             `gorm:"index" json:"related_order_id"`
	RelatedOrder          *Order           `gorm:"foreignKey:RelatedOrderId;constraint:OnDelete:SET NULL" json:"related_order,omitempty"`
	RelatedOrders         []Order          `gorm:"many2many:purchase_invoice_orders;" json:"related_orders"`
	IssueDate             time.Time        `gorm:"type:date;not null" json:"issue_date"`
	ReceivedDate          *time.Time       `gorm:"type:date" json:"received_date"`
	DueDate               time.Time        `gorm:"type:date;not null;index" json:"due_date"`
	ExpenseCategory       string           `gorm:"size:100;default:null" json:"expense_category"`
	AmountNet             decimal.Decimal  `gorm:"type:decimal(20,2);not null;default:0" json:"amount_net"`
	VatRate               decimal.Decimal  `gorm:"type:decimal(5,2);not null;default:0" json:"vat_rate"`
	AmountTotal           decimal.Decimal  `gorm:"type:decimal(20,2);not null;default:0" json:"amount_total"`
	PaidAmount            decimal.Decimal  `gorm:"type:decimal(20,2);not null;default:0" json:"paid_amount"`
	PaymentStatus         PaymentStatus    `gorm:"size:20;not null;default:unpaid;index" json:"payment_status"`
	PaymentDate           *time.Time       `gorm:"type:date" json:"payment_date"`
	OverdueDays           int              `gorm:"not null;default:0" json:"overdue_days"`
	Notes                 string           `gorm:"type:text;default:null" json:"notes"`
	Payments              []InvoicePayment `gorm:"foreignKey:PurchaseInvoiceId;constraint:OnDelete:CASCADE" json:"payments"`
	CreatedAt             time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// PurchaseInvoiceOrder is the join row of PurchaseInvoice.RelatedOrders carrying the
// part of the invoice booked against each order.
type PurchaseInvoiceOrder struct {
	PurchaseInvoiceId int             `gorm:"primaryKey" json:"purchase_invoice_id"`
	OrderId           int             `gorm:"primaryKey;index" json:"order_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"amount"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// OrderSplit is the input form of a PurchaseInvoiceOrder row.
type OrderSplit struct {
	OrderId int             `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}

func (inv *PurchaseInvoice) BeforeSave(tx *gorm.DB) error {
	inv.InvoiceNumber = strings.TrimSpace(inv.InvoiceNumber)
	inv.ReceivedInvoiceNumber = strings.TrimSpace(inv.ReceivedInvoiceNumber)
	inv.AmountTotal = GrossAmount(inv.AmountNet, inv.VatRate)
	if inv.PaymentStatus == "" {
		inv.PaymentStatus = PaymentStatusUnpaid
	}
	return nil
}

func (inv *PurchaseInvoice) invoiceRef() invoiceRef {
	return invoiceRef{Kind: EntityTypePurchaseInvoice, ID: inv.ID}
}

func (inv *PurchaseInvoice) paymentFields() *PaymentState {
	return &PaymentState{
		PaidAmount:  inv.PaidAmount,
		Status:      inv.PaymentStatus,
		PaymentDate: inv.PaymentDate,
		OverdueDays: inv.OverdueDays,
	}
}

func (inv *PurchaseInvoice) totals() (decimal.Decimal, time.Time) {
	return inv.AmountTotal, inv.DueDate
}

func (inv *PurchaseInvoice) setPaymentState(s PaymentState) {
	inv.PaidAmount = s.PaidAmount
	inv.PaymentStatus = s.Status
	inv.PaymentDate = s.PaymentDate
	inv.OverdueDays = s.OverdueDays
}

// ReceivedOn is the date a carrier invoice counts as received.
func (inv *PurchaseInvoice) ReceivedOn() time.Time {
	if inv.ReceivedDate != nil {
		return *inv.ReceivedDate
	}
	return inv.IssueDate
}

// OrderIDs merges the FK and M2M order links.
func (inv *PurchaseInvoice) OrderIDs(tx *gorm.DB) ([]int, error) {
	var ids []int
	if err := tx.Model(&PurchaseInvoiceOrder{}).Where("purchase_invoice_id = ?", inv.ID).Pluck("order_id", &ids).Error; err != nil {
		return nil, err
	}
	if inv.RelatedOrderId != nil {
		ids = append(ids, *inv.RelatedOrderId)
	}
	return utils.UniqueSlice(ids), nil
}

// CreatePurchaseInvoice stores the invoice and its order split rows; lifecycle hooks
// on both rows propagate to carriers and order status.
func CreatePurchaseInvoice(ctx context.Context, inv *PurchaseInvoice, splits []OrderSplit) error {
	if err := utils.ValidateStruct(inv); err != nil {
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
		for _, o := range inv.RelatedOrders {
			splits = append(splits, OrderSplit{OrderId: o.ID})
		}
		inv.RelatedOrders = nil
		if err := tx.Omit("RelatedOrders", "Payments").Create(inv).Error; err != nil {
			return utils.TranslateDBError(err, "purchase invoice")
		}
		if err := addPurchaseInvoiceOrders(tx, inv.ID, splits); err != nil {
			return err
		}
		_, err := ReconcileTx(tx, inv)
		return err
	})
}

// SetPurchaseInvoiceOrders replaces the order split of an invoice.
func SetPurchaseInvoiceOrders(ctx context.Context, invoiceID int, splits []OrderSplit) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := utils.FetchModelForUpdate[PurchaseInvoice](tx, invoiceID)
		if err != nil {
			return err
		}
		previous, err := inv.OrderIDs(tx)
		if err != nil {
			return err
		}
		if err := tx.Where("purchase_invoice_id = ?", invoiceID).Delete(&PurchaseInvoiceOrder{}).Error; err != nil {
			return err
		}
		if err := addPurchaseInvoiceOrders(tx, invoiceID, splits); err != nil {
			return err
		}
		// touch the invoice so update observers (replication) see the new link set
		if err := tx.Model(inv).Update("updated_at", time.Now().UTC()).Error; err != nil {
			return err
		}
		for _, id := range previous {
			if _, err := AutoUpdateOrderStatusTx(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func addPurchaseInvoiceOrders(tx *gorm.DB, invoiceID int, splits []OrderSplit) error {
	seen := map[int]bool{}
	for _, s := range splits {
		if s.OrderId == 0 || seen[s.OrderId] {
			continue
		}
		seen[s.OrderId] = true
		var count int64
		if err := tx.Model(&Order{}).Where("id = ?", s.OrderId).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return utils.NotFound("order %d not found", s.OrderId)
		}
		row := PurchaseInvoiceOrder{PurchaseInvoiceId: invoiceID, OrderId: s.OrderId, Amount: s.Amount}
		if err := tx.Create(&row).Error; err != nil {
			return utils.TranslateDBError(err, "purchase invoice order link")
		}
	}
	return nil
}

func GetPurchaseInvoice(ctx context.Context, id int) (*PurchaseInvoice, error) {
	return utils.FetchModel[PurchaseInvoice](ctx, id, "Partner", "RelatedOrders")
}

// UpdatePurchaseInvoice saves scalar fields; hooks re-run the carrier propagation.
func UpdatePurchaseInvoice(ctx context.Context, inv *PurchaseInvoice) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("RelatedOrders", "Payments", "Partner", "RelatedOrder").Save(inv).Error; err != nil {
			return utils.TranslateDBError(err, "purchase invoice")
		}
		_, err := ReconcileTx(tx, inv)
		return err
	})
}

func loadOrders(tx *gorm.DB, orders []Order) ([]Order, error) {
	ids := make([]int, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	ids = utils.UniqueSlice(ids)
	var loaded []Order
	if err := tx.Where("id IN ?", ids).Find(&loaded).Error; err != nil {
		return nil, err
	}
	if len(loaded) != len(ids) {
		return nil, utils.NotFound("related order not found")
	}
	return loaded, nil
}

// SetupJoinTables registers join models that carry extra columns.
func SetupJoinTables(db *gorm.DB) error {
	return db.SetupJoinTable(&PurchaseInvoice{}, "RelatedOrders", &PurchaseInvoiceOrder{})
}
