package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MailMessage is one ingested IMAP message. Identity is message_id when the
// header is present, else (folder, uid).
type MailMessage struct {
	ID                      int               `gorm:"primary_key" json:"id"`
	Folder                  string            `gorm:"size:100;not null;uniqueIndex:idx_mail_folder_uid,priority:1" json:"folder"`
	Uid                     int64             `gorm:"not null;uniqueIndex:idx_mail_folder_uid,priority:2" json:"uid"`
	MessageId               *string           `gorm:"size:255;uniqueIndex" json:"message_id"`
	Subject                 string            `gorm:"size:998;default:null" json:"subject"`
	SenderName              string            `gorm:"size:255;default:null" json:"sender_name"`
	SenderEmail             string            `gorm:"size:255;index;default:null" json:"sender_email"`
	Recipients              string            `gorm:"type:text" json:"recipients"`
	Cc                      string            `gorm:"type:text" json:"cc"`
	Date                    *time.Time        `gorm:"index" json:"date"`
	BodyText                string            `gorm:"type:longtext" json:"body_text"`
	BodyHtml                string            `gorm:"type:longtext" json:"body_html"`
	Status                  MailMessageStatus `gorm:"size:20;not null;default:new;index" json:"status"`
	IsPromotional           bool              `gorm:"not null;default:false;index" json:"is_promotional"`
	Attachments             []MailAttachment  `gorm:"foreignKey:MailMessageId;constraint:OnDelete:CASCADE" json:"attachments"`
	MatchedOrders           []Order           `gorm:"many2many:mail_message_orders;constraint:OnDelete:CASCADE" json:"matched_orders"`
	MatchedCarriers         []OrderCarrier    `gorm:"many2many:mail_message_carriers;constraint:OnDelete:CASCADE" json:"matched_carriers"`
	MatchedSalesInvoices    []SalesInvoice    `gorm:"many2many:mail_message_sales_invoices;constraint:OnDelete:CASCADE" json:"matched_sales_invoices"`
	MatchedPurchaseInvoices []PurchaseInvoice `gorm:"many2many:mail_message_purchase_invoices;constraint:OnDelete:CASCADE" json:"matched_purchase_invoices"`
	Tags                    []MailTag         `gorm:"many2many:mail_message_tags;constraint:OnDelete:CASCADE" json:"tags"`
	MatchesComputedAt       *time.Time        `json:"matches_computed_at"`
	CreatedAt               time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type MailAttachment struct {
	ID                       int       `gorm:"primary_key" json:"id"`
	MailMessageId            int       `gorm:"index;not null" json:"mail_message_id"`
	Filename                 string    `gorm:"size:255;not null" json:"filename"`
	ContentType              string    `gorm:"size:255;default:null" json:"content_type"`
	Size                     int64     `gorm:"not null;default:0" json:"size"`
	StorageKey               string    `gorm:"size:500;not null" json:"storage_key"`
	ExtractedText            string    `gorm:"type:longtext" json:"-"`
	RelatedPurchaseInvoiceId *int      `gorm:"index" json:"related_purchase_invoice_id"`
	RelatedSalesInvoiceId    *int      `gorm:"index" json:"related_sales_invoice_id"`
	CreatedAt                time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type MailTag struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null;uniqueIndex" json:"name" validate:"required"`
	Color     string    `gorm:"size:20;default:null" json:"color"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// MailSyncState is the per-folder cursor and claim row of the poller.
type MailSyncState struct {
	ID           int        `gorm:"primary_key" json:"id"`
	Folder       string     `gorm:"size:100;not null;uniqueIndex" json:"folder"`
	LastUid      string     `gorm:"size:50;not null;default:''" json:"last_uid"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	Status       string     `gorm:"size:500;not null;default:idle" json:"status"`
	LockedAt     *time.Time `json:"locked_at"`
	LockedBy     *string    `gorm:"size:100" json:"locked_by"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TrustedSender whitelists an address ("a@b.lt") or a whole domain ("@b.lt").
type TrustedSender struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Pattern   string    `gorm:"size:255;not null;uniqueIndex" json:"pattern" validate:"required"`
	Note      string    `gorm:"size:255;default:null" json:"note"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// PromotionalDomain marks a sender domain as promotional; Blocked also purges mail.
type PromotionalDomain struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Domain    string    `gorm:"size:255;not null;uniqueIndex" json:"domain" validate:"required"`
	Blocked   bool      `gorm:"not null;default:false" json:"blocked"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (m *MailMessage) BeforeSave(tx *gorm.DB) error {
	m.SenderEmail = utils.NormalizeEmail(m.SenderEmail)
	if m.MessageId != nil {
		id := strings.TrimSpace(*m.MessageId)
		m.MessageId = utils.NilIfEmpty(id)
	}
	if m.Status == "" {
		m.Status = MailMessageStatusNew
	}
	return nil
}

func (t *TrustedSender) BeforeSave(tx *gorm.DB) error {
	p := strings.ToLower(strings.TrimSpace(t.Pattern))
	if strings.HasPrefix(p, "@") {
		t.Pattern = p
		return nil
	}
	t.Pattern = utils.NormalizeEmail(p)
	if !utils.IsValidEmail(t.Pattern) {
		return utils.ValidationError("trusted sender %q is neither an address nor @domain", p)
	}
	return nil
}

func (d *PromotionalDomain) BeforeSave(tx *gorm.DB) error {
	d.Domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d.Domain)), "@")
	if d.Domain == "" || !strings.Contains(d.Domain, ".") {
		return utils.ValidationError("invalid domain %q", d.Domain)
	}
	return nil
}

// MailMessageExists applies the dedupe rule: message_id first, else (folder, uid).
func MailMessageExists(tx *gorm.DB, messageID string, folder string, uid int64) (bool, error) {
	var count int64
	q := tx.Model(&MailMessage{})
	if messageID = strings.TrimSpace(messageID); messageID != "" {
		q = q.Where("message_id = ? OR (folder = ? AND uid = ?)", messageID, folder, uid)
	} else {
		q = q.Where("folder = ? AND uid = ?", folder, uid)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func IsPromotionalDomain(tx *gorm.DB, domain string) (bool, error) {
	if domain == "" {
		return false, nil
	}
	var count int64
	err := tx.Model(&PromotionalDomain{}).Where("domain = ?", strings.ToLower(domain)).Count(&count).Error
	return count > 0, err
}

// IsBlockedSender tells whether new mail from email must be dropped: the sender
// is an advertising contact or its domain is blocked.
func IsBlockedSender(tx *gorm.DB, email string) (bool, error) {
	email = utils.NormalizeEmail(email)
	if email == "" {
		return false, nil
	}
	var count int64
	if err := tx.Model(&Contact{}).Where("email = ? AND is_advertising = ?", email, true).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	err := tx.Model(&PromotionalDomain{}).
		Where("domain = ? AND blocked = ?", utils.EmailDomain(email), true).
		Count(&count).Error
	return count > 0, err
}

var mailJoinTables = []string{
	"mail_message_orders",
	"mail_message_carriers",
	"mail_message_sales_invoices",
	"mail_message_purchase_invoices",
	"mail_message_tags",
}

// deleteMailMessages removes messages with their attachment rows and links.
// Attachment blobs stay in storage.
func deleteMailMessages(tx *gorm.DB, where string, args ...interface{}) (int, error) {
	var ids []int
	if err := tx.Model(&MailMessage{}).Where(where, args...).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	for _, table := range mailJoinTables {
		if err := tx.Exec("DELETE FROM "+table+" WHERE mail_message_id IN ?", ids).Error; err != nil {
			return 0, err
		}
	}
	if err := tx.Where("mail_message_id IN ?", ids).Delete(&MailAttachment{}).Error; err != nil {
		return 0, err
	}
	if err := tx.Where("id IN ?", ids).Delete(&MailMessage{}).Error; err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeleteMailFromSender purges every message whose normalised sender equals email.
func DeleteMailFromSender(tx *gorm.DB, email string) (int, error) {
	email = utils.NormalizeEmail(email)
	if email == "" {
		return 0, nil
	}
	n, err := deleteMailMessages(tx, "sender_email = ?", email)
	if err != nil || n == 0 {
		return n, err
	}
	return n, LogTx(tx, LogEntry{
		ActionType:  ActionMailDeleted,
		Description: fmt.Sprintf("Deleted %d messages from advertising sender %s", n, email),
		EntityType:  EntityTypeMailMessage,
		Metadata:    map[string]any{"sender": email, "count": n},
	})
}

// DeleteMailFromDomain purges every message sent from domain.
func DeleteMailFromDomain(tx *gorm.DB, domain string) (int, error) {
	domain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), "@")
	if domain == "" {
		return 0, nil
	}
	n, err := deleteMailMessages(tx, "sender_email LIKE ?", "%@"+domain)
	if err != nil || n == 0 {
		return n, err
	}
	return n, LogTx(tx, LogEntry{
		ActionType:  ActionMailDeleted,
		Description: fmt.Sprintf("Deleted %d messages from blocked domain %s", n, domain),
		EntityType:  EntityTypeMailMessage,
		Metadata:    map[string]any{"domain": domain, "count": n},
	})
}

func SavePromotionalDomain(ctx context.Context, d *PromotionalDomain) error {
	if err := utils.ValidateStruct(d); err != nil {
		return err
	}
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return utils.TranslateDBError(tx.Save(d).Error, "promotional domain")
	})
}

func SaveTrustedSender(ctx context.Context, t *TrustedSender) error {
	if err := utils.ValidateStruct(t); err != nil {
		return err
	}
	db := config.GetDB()
	return utils.TranslateDBError(db.WithContext(ctx).Save(t).Error, "trusted sender")
}

// SetMailStatus is the manual new/linked/archived switch.
func SetMailStatus(ctx context.Context, id int, status MailMessageStatus) error {
	switch status {
	case MailMessageStatusNew, MailMessageStatusLinked, MailMessageStatusArchived:
	default:
		return utils.ValidationError("invalid mail status %q", status)
	}
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&MailMessage{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.NotFound("mail message %d not found", id)
	}
	return nil
}

// TagMailMessage attaches tags by name, creating missing ones.
func TagMailMessage(ctx context.Context, id int, names ...string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg MailMessage
		if err := tx.First(&msg, id).Error; err != nil {
			return utils.TranslateDBError(err, "mail message")
		}
		tags := make([]MailTag, 0, len(names))
		for _, n := range utils.UniqueSlice(names) {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			tag := MailTag{Name: n}
			if err := tx.Where(MailTag{Name: n}).FirstOrCreate(&tag).Error; err != nil {
				return err
			}
			tags = append(tags, tag)
		}
		return tx.Model(&msg).Association("Tags").Append(tags)
	})
}

// ClaimMailSyncState marks the folder running for owner. A running claim older
// than staleAfter is taken over.
func ClaimMailSyncState(ctx context.Context, folder, owner string, staleAfter time.Duration) (*MailSyncState, error) {
	db := config.GetDB()
	seed := MailSyncState{Folder: folder, Status: MailSyncStatusIdle}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, err
	}

	var st MailSyncState
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("folder = ?", folder).First(&st).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		if st.Status == MailSyncStatusRunning && st.LockedAt != nil && now.Sub(*st.LockedAt) < staleAfter {
			return utils.PolicyBlocked("sync of %s already running since %s", folder, st.LockedAt.Format(time.RFC3339))
		}
		st.Status = MailSyncStatusRunning
		st.LockedAt = &now
		st.LockedBy = &owner
		return tx.Model(&st).Updates(map[string]interface{}{
			"status":    st.Status,
			"locked_at": st.LockedAt,
			"locked_by": st.LockedBy,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ReleaseMailSyncState ends a claim. On success the cursor moves to lastUid (when
// not empty); on failure only the status records the reason.
func ReleaseMailSyncState(ctx context.Context, folder, owner, lastUid string, syncErr error) error {
	db := config.GetDB()
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"locked_at": nil,
		"locked_by": nil,
	}
	if syncErr != nil {
		updates["status"] = utils.Truncate(MailSyncStatusErrorPrefix+syncErr.Error(), 500)
	} else {
		updates["status"] = MailSyncStatusOK
		updates["last_synced_at"] = &now
		if lastUid != "" {
			updates["last_uid"] = lastUid
		}
	}
	return db.WithContext(ctx).Model(&MailSyncState{}).
		Where("folder = ? AND locked_by = ?", folder, owner).
		Updates(updates).Error
}

func GetMailMessage(ctx context.Context, id int) (*MailMessage, error) {
	return utils.FetchModel[MailMessage](ctx, id, "Attachments", "MatchedOrders", "MatchedCarriers",
		"MatchedSalesInvoices", "MatchedPurchaseInvoices", "Tags")
}
