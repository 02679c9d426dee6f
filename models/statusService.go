package models

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ChangeStatusInput struct {
	EntityType     EntityType    `json:"entity_type" validate:"required"`
	EntityId       int           `json:"entity_id" validate:"required"`
	NewStatus      string        `json:"new_status" validate:"required"`
	Reason         string        `json:"reason"`
	ActorId        *int          `json:"-"`
	ActorName      string        `json:"-"`
	SkipValidation bool          `json:"-"`
	Request        *http.Request `json:"-"`
}

type ChangeStatusResult struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Changed   bool   `json:"changed"`
}

// statusSubject adapts each status-bearing entity to the service.
type statusSubject interface {
	currentStatus() string
	statusColumn() string
	validStatus(s string) bool
}

func (o *Order) currentStatus() string { return string(o.Status) }
func (o *Order) statusColumn() string  { return "status" }
func (o *Order) validStatus(s string) bool {
	return OrderStatus(s).IsValid()
}

func (c *OrderCarrier) currentStatus() string { return string(c.PaymentStatus) }
func (c *OrderCarrier) statusColumn() string  { return "payment_status" }
func (c *OrderCarrier) validStatus(s string) bool {
	switch CarrierPaymentStatus(s) {
	case CarrierPaymentStatusNotPaid, CarrierPaymentStatusPartiallyPaid, CarrierPaymentStatusPaid:
		return true
	}
	return false
}

func (inv *SalesInvoice) currentStatus() string     { return string(inv.PaymentStatus) }
func (inv *SalesInvoice) statusColumn() string      { return "payment_status" }
func (inv *SalesInvoice) validStatus(s string) bool { return PaymentStatus(s).IsValid() }

func (inv *PurchaseInvoice) currentStatus() string     { return string(inv.PaymentStatus) }
func (inv *PurchaseInvoice) statusColumn() string      { return "payment_status" }
func (inv *PurchaseInvoice) validStatus(s string) bool { return PaymentStatus(s).IsValid() }

func newStatusSubject(entity EntityType) (statusSubject, string, error) {
	switch entity {
	case EntityTypeOrder:
		return &Order{}, ActionOrderStatusChanged, nil
	case EntityTypeOrderCarrier:
		return &OrderCarrier{}, ActionCarrierStatusChanged, nil
	case EntityTypeSalesInvoice:
		return &SalesInvoice{}, ActionInvoiceStatusChanged, nil
	case EntityTypePurchaseInvoice:
		return &PurchaseInvoice{}, ActionCostStatusChanged, nil
	}
	return nil, "", utils.ValidationError("unsupported entity type %q", entity)
}

// ChangeStatus validates against the rule table and writes status plus one audit
// entry in a single transaction.
func ChangeStatus(ctx context.Context, in ChangeStatusInput) (*ChangeStatusResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	var res *ChangeStatusResult
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = ChangeStatusTx(tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func ChangeStatusTx(tx *gorm.DB, in ChangeStatusInput) (*ChangeStatusResult, error) {
	subject, action, err := newStatusSubject(in.EntityType)
	if err != nil {
		return nil, err
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(subject, in.EntityId).Error; err != nil {
		return nil, utils.TranslateDBError(err, fmt.Sprintf("%s %d", in.EntityType, in.EntityId))
	}

	current := subject.currentStatus()
	res := &ChangeStatusResult{OldStatus: current, NewStatus: in.NewStatus}
	if !subject.validStatus(in.NewStatus) {
		return nil, utils.InvalidTransition("%q is not a %s status", in.NewStatus, in.EntityType)
	}
	if current == in.NewStatus {
		return res, nil
	}
	if !in.SkipValidation {
		allowed, err := allowedTx(tx, in.EntityType, current)
		if err != nil {
			return nil, err
		}
		if !IsTransitionAllowed(allowed, in.NewStatus) {
			return nil, utils.InvalidTransition("%s %d: %s -> %s is not allowed", in.EntityType, in.EntityId, current, in.NewStatus)
		}
	}

	if err := tx.Model(subject).Update(subject.statusColumn(), in.NewStatus).Error; err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("Status changed from %s to %s", current, in.NewStatus)
	if in.Reason != "" {
		desc += ": " + in.Reason
	}
	if err := LogTx(tx, LogEntry{
		ActionType:  action,
		Description: desc,
		ActorId:     in.ActorId,
		ActorName:   in.ActorName,
		EntityType:  in.EntityType,
		ObjectId:    in.EntityId,
		Request:     in.Request,
		Metadata: map[string]any{
			"old_status":      current,
			"new_status":      in.NewStatus,
			"reason":          in.Reason,
			"skip_validation": in.SkipValidation,
		},
	}); err != nil {
		return nil, err
	}
	if err := AddOutboxEvent(tx, EventStatusChanged, in.EntityType, in.EntityId, map[string]any{
		"old_status": current,
		"new_status": in.NewStatus,
	}); err != nil {
		return nil, err
	}
	res.Changed = true
	return res, nil
}

// AllCarriersInvoiced is true when every carrier partner has a purchase invoice.
// An order without partnered carriers never qualifies.
func AllCarriersInvoiced(carrierPartners []int, invoicedPartners []int) bool {
	if len(carrierPartners) == 0 {
		return false
	}
	have := make(map[int]struct{}, len(invoicedPartners))
	for _, p := range invoicedPartners {
		have[p] = struct{}{}
	}
	for _, p := range carrierPartners {
		if _, ok := have[p]; !ok {
			return false
		}
	}
	return true
}

func AutoUpdateOrderStatus(ctx context.Context, orderID int) (*ChangeStatusResult, error) {
	var res *ChangeStatusResult
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = AutoUpdateOrderStatusTx(tx, orderID)
		return err
	})
	return res, err
}

// AutoUpdateOrderStatusTx finishes a non-terminal order once every carrier with a
// partner has a purchase invoice from that partner linked to the order (by FK or
// M2M). Returns nil when nothing applies; waiting_for_docs orders simply stay.
func AutoUpdateOrderStatusTx(tx *gorm.DB, orderID int) (*ChangeStatusResult, error) {
	var order Order
	if err := tx.Select("id", "status").First(&order, orderID).Error; err != nil {
		return nil, utils.TranslateDBError(err, "order")
	}
	if order.Status.IsTerminal() {
		return nil, nil
	}

	var carrierPartners []int
	if err := tx.Model(&OrderCarrier{}).
		Where("order_id = ? AND partner_id IS NOT NULL", orderID).
		Distinct().Pluck("partner_id", &carrierPartners).Error; err != nil {
		return nil, err
	}
	if len(carrierPartners) == 0 {
		return nil, nil
	}

	var invoicedPartners []int
	if err := tx.Model(&PurchaseInvoice{}).
		Where("partner_id IN ?", carrierPartners).
		Where("related_order_id = ? OR id IN (?)", orderID,
			tx.Model(&PurchaseInvoiceOrder{}).Select("purchase_invoice_id").Where("order_id = ?", orderID)).
		Distinct().Pluck("partner_id", &invoicedPartners).Error; err != nil {
		return nil, err
	}
	if !AllCarriersInvoiced(carrierPartners, invoicedPartners) {
		return nil, nil
	}

	return ChangeStatusTx(tx, ChangeStatusInput{
		EntityType:     EntityTypeOrder,
		EntityId:       orderID,
		NewStatus:      string(OrderStatusFinished),
		Reason:         "all carrier invoices received",
		ActorName:      "system",
		SkipValidation: true,
	})
}
