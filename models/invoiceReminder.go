package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InvoiceReminder throttles reminders per (invoice, type).
type InvoiceReminder struct {
	ID             int          `gorm:"primary_key" json:"id"`
	SalesInvoiceId int          `gorm:"not null;uniqueIndex:idx_invoice_reminder_type,priority:1" json:"sales_invoice_id"`
	ReminderType   ReminderType `gorm:"size:20;not null;uniqueIndex:idx_invoice_reminder_type,priority:2" json:"reminder_type"`
	LastSentAt     *time.Time   `json:"last_sent_at"`
	SentCount      int          `gorm:"not null;default:0" json:"sent_count"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsThrottled is true while the previous send is younger than intervalDays.
func IsThrottled(lastSentAt *time.Time, intervalDays int, now time.Time) bool {
	if lastSentAt == nil || intervalDays <= 0 {
		return false
	}
	return now.Before(lastSentAt.AddDate(0, 0, intervalDays))
}

// ThrottleTypes lists the throttle rows that gate a reminder of type t.
// unpaid and overdue select overlapping invoices once the sweeper flags them,
// so they share one cadence.
func ThrottleTypes(t ReminderType) []ReminderType {
	switch t {
	case ReminderTypeUnpaid, ReminderTypeOverdue:
		return []ReminderType{ReminderTypeUnpaid, ReminderTypeOverdue}
	}
	return []ReminderType{t}
}

// LastSentAt maps invoice id to the newest last_sent_at across types.
func LastSentAt(tx *gorm.DB, invoiceIDs []int, types ...ReminderType) (map[int]time.Time, error) {
	out := make(map[int]time.Time, len(invoiceIDs))
	if len(invoiceIDs) == 0 || len(types) == 0 {
		return out, nil
	}
	var rows []InvoiceReminder
	err := tx.Where("sales_invoice_id IN ? AND reminder_type IN ? AND last_sent_at IS NOT NULL", invoiceIDs, types).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if prev, ok := out[r.SalesInvoiceId]; !ok || r.LastSentAt.After(prev) {
			out[r.SalesInvoiceId] = *r.LastSentAt
		}
	}
	return out, nil
}

// MarkReminderSent upserts the throttle row: sent_count+1, last_sent_at=now.
func MarkReminderSent(tx *gorm.DB, invoiceID int, t ReminderType, now time.Time) error {
	row := InvoiceReminder{
		SalesInvoiceId: invoiceID,
		ReminderType:   t,
		LastSentAt:     &now,
		SentCount:      1,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "sales_invoice_id"}, {Name: "reminder_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_sent_at": now,
			"sent_count":   gorm.Expr("sent_count + 1"),
			"updated_at":   now,
		}),
	}).Create(&row).Error
}
