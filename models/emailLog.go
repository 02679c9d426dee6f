package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EmailLog records every outgoing mail attempt, sent or failed.
type EmailLog struct {
	ID                int            `gorm:"primary_key" json:"id"`
	EmailType         EmailType      `gorm:"size:30;not null;index" json:"email_type"`
	Status            EmailLogStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	Subject           string         `gorm:"size:998;default:null" json:"subject"`
	FromEmail         string         `gorm:"size:255;default:null" json:"from_email"`
	ToEmails          string         `gorm:"type:text" json:"to_emails"`
	CcEmails          string         `gorm:"type:text" json:"cc_emails"`
	BccEmails         string         `gorm:"type:text" json:"bcc_emails"`
	BodyText          string         `gorm:"type:text" json:"body_text"`
	BodyHtml          string         `gorm:"type:text" json:"body_html"`
	ErrorMessage      string         `gorm:"type:text" json:"error_message"`
	SalesInvoiceId    *int           `gorm:"index" json:"sales_invoice_id"`
	PurchaseInvoiceId *int           `gorm:"index" json:"purchase_invoice_id"`
	OrderId           *int           `gorm:"index" json:"order_id"`
	PartnerId         *int           `gorm:"index" json:"partner_id"`
	SentById          *int           `gorm:"index" json:"sent_by_id"`
	Metadata          datatypes.JSON `json:"metadata"`
	SentAt            *time.Time     `gorm:"index" json:"sent_at"`
	CreatedAt         time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

// SetMetadata stores m after coercing decimals and times.
func (l *EmailLog) SetMetadata(m map[string]any) error {
	b, err := json.Marshal(utils.JSONSafeMap(m))
	if err != nil {
		return utils.DataError(err, "email log metadata")
	}
	l.Metadata = datatypes.JSON(b)
	return nil
}

// CreateEmailLog persists a failed or pending attempt outside any send transaction.
func CreateEmailLog(ctx context.Context, l *EmailLog) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(l).Error
}

func EmailLogsForInvoice(ctx context.Context, salesInvoiceID int) ([]EmailLog, error) {
	db := config.GetDB()
	var rows []EmailLog
	err := db.WithContext(ctx).
		Where("sales_invoice_id = ?", salesInvoiceID).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

// RecordReminderSent writes the sent EmailLog, bumps the throttle row and appends
// EMAIL_SENT in tx. extra is merged into the audit metadata.
func RecordReminderSent(tx *gorm.DB, l *EmailLog, t ReminderType, now time.Time, extra map[string]any) error {
	l.Status = EmailLogStatusSent
	l.SentAt = &now
	if err := tx.Create(l).Error; err != nil {
		return err
	}
	if l.SalesInvoiceId == nil {
		return nil
	}
	invoiceID := *l.SalesInvoiceId
	if err := MarkReminderSent(tx, invoiceID, t, now); err != nil {
		return err
	}
	meta := map[string]any{
		"email_log_id":  l.ID,
		"reminder_type": t,
		"to":            l.ToEmails,
		"cc":            l.CcEmails,
		"subject":       l.Subject,
	}
	for k, v := range extra {
		meta[k] = v
	}
	if err := LogTx(tx, LogEntry{
		ActionType:  ActionEmailSent,
		Description: "Reminder " + string(t) + " sent to " + l.ToEmails,
		EntityType:  EntityTypeSalesInvoice,
		ObjectId:    invoiceID,
		Metadata:    meta,
	}); err != nil {
		return err
	}
	return AddOutboxEvent(tx, EventEmailSent, EntityTypeSalesInvoice, invoiceID, map[string]any{
		"email_log_id":  l.ID,
		"reminder_type": t,
	})
}
