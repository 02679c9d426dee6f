package models

import (
	"fmt"

	"github.com/mmdatafocus/tms_backend/config"
	"gorm.io/gorm"
)

// Hooks run inside the writer's transaction, so every write path (HTTP, CLI,
// importers) triggers them and a failing hook rolls the write back.

func (inv *PurchaseInvoice) AfterSave(tx *gorm.DB) (err error) {
	return syncCarriersFromPurchaseInvoice(tx, inv)
}

func (l *PurchaseInvoiceOrder) AfterCreate(tx *gorm.DB) (err error) {
	var inv PurchaseInvoice
	if err := tx.First(&inv, l.PurchaseInvoiceId).Error; err != nil {
		return err
	}
	return syncCarriersFromPurchaseInvoice(tx, &inv)
}

func (l *PurchaseInvoiceOrder) AfterDelete(tx *gorm.DB) (err error) {
	// batch deletes carry no keys; callers re-check the orders themselves
	if l.OrderId == 0 {
		return nil
	}
	_, err = AutoUpdateOrderStatusTx(tx, l.OrderId)
	return err
}

// syncCarriersFromPurchaseInvoice marks the carrier legs the invoice covers
// (linked order and same partner) as invoiced, mirrors its payment state onto
// them and re-evaluates each order.
func syncCarriersFromPurchaseInvoice(tx *gorm.DB, inv *PurchaseInvoice) error {
	if inv.ID == 0 || inv.PartnerId == 0 {
		return nil
	}
	orderIDs, err := inv.OrderIDs(tx)
	if err != nil || len(orderIDs) == 0 {
		return err
	}

	var carriers []OrderCarrier
	if err := tx.Where("order_id IN ? AND partner_id = ? AND invoice_received = ?", orderIDs, inv.PartnerId, false).
		Find(&carriers).Error; err != nil {
		return err
	}
	received := inv.ReceivedOn()
	for i := range carriers {
		c := &carriers[i]
		if err := tx.Model(c).UpdateColumns(map[string]interface{}{
			"invoice_received":      true,
			"invoice_received_date": received,
		}).Error; err != nil {
			return err
		}
		if err := LogTx(tx, LogEntry{
			ActionType:  ActionInvoiceReceived,
			Description: fmt.Sprintf("Carrier invoice %s received", inv.displayNumber()),
			EntityType:  EntityTypeOrderCarrier,
			ObjectId:    c.ID,
			Metadata: map[string]any{
				"purchase_invoice_id": inv.ID,
				"order_id":            c.OrderId,
				"received_date":       received,
			},
		}); err != nil {
			return err
		}
	}

	if err := propagatePaymentState(tx, inv, *inv.paymentFields()); err != nil {
		return err
	}
	for _, id := range orderIDs {
		if _, err := AutoUpdateOrderStatusTx(tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (inv *PurchaseInvoice) displayNumber() string {
	if inv.ReceivedInvoiceNumber != "" {
		return inv.ReceivedInvoiceNumber
	}
	if inv.InvoiceNumber != "" {
		return inv.InvoiceNumber
	}
	return fmt.Sprintf("#%d", inv.ID)
}

func (p *InvoicePayment) AfterCreate(tx *gorm.DB) (err error) {
	return onPaymentChanged(tx, p, ActionPaymentAdded)
}

func (p *InvoicePayment) AfterDelete(tx *gorm.DB) (err error) {
	if p.ID == 0 {
		return nil
	}
	return onPaymentChanged(tx, p, ActionPaymentDeleted)
}

func onPaymentChanged(tx *gorm.DB, p *InvoicePayment, action string) error {
	inv, err := p.Target()
	if err != nil {
		return err
	}
	if _, err := ReconcileTx(tx, inv); err != nil {
		return err
	}
	ref := inv.invoiceRef()
	verb := "added"
	if action == ActionPaymentDeleted {
		verb = "deleted"
	}
	if err := LogTx(tx, LogEntry{
		ActionType:  action,
		Description: fmt.Sprintf("Payment of %s %s", p.Amount.StringFixed(2), verb),
		EntityType:  ref.Kind,
		ObjectId:    ref.ID,
		Metadata: map[string]any{
			"payment_id":   p.ID,
			"amount":       p.Amount,
			"payment_date": p.PaymentDate,
			"method":       p.Method,
		},
	}); err != nil {
		return err
	}

	orderIDs, err := inv.OrderIDs(tx)
	if err != nil {
		return err
	}
	for _, id := range orderIDs {
		if _, err := AutoUpdateOrderStatusTx(tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *StatusTransitionRule) AfterSave(tx *gorm.DB) (err error) {
	ClearStatusRuleCache()
	return nil
}

func (r *StatusTransitionRule) AfterDelete(tx *gorm.DB) (err error) {
	ClearStatusRuleCache()
	return nil
}

func (c *Contact) AfterSave(tx *gorm.DB) (err error) {
	if !c.IsAdvertising || c.Email == "" {
		return nil
	}
	n, err := DeleteMailFromSender(tx, c.Email)
	if err != nil {
		return err
	}
	if n > 0 {
		config.LogInfo(config.GetLogger(), "Contact", "AfterSave", "advertising sender purged", map[string]interface{}{
			"contact_id": c.ID,
			"deleted":    n,
		})
	}
	return nil
}

func (d *PromotionalDomain) AfterSave(tx *gorm.DB) (err error) {
	if !d.Blocked {
		return nil
	}
	_, err = DeleteMailFromDomain(tx, d.Domain)
	return err
}
