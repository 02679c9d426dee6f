package models

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/gorm"
)

type Partner struct {
	ID              int           `gorm:"primary_key" json:"id"`
	Name            string        `gorm:"size:255;not null;index" json:"name" validate:"required"`
	Code            *string       `gorm:"size:50;uniqueIndex" json:"code"`
	VatCode         string        `gorm:"size:50;default:null" json:"vat_code"`
	Address         string        `gorm:"type:text;default:null" json:"address"`
	Email           string        `gorm:"size:255;default:null" json:"email" validate:"omitempty,email"`
	IsClient        bool          `gorm:"not null;default:false" json:"is_client"`
	IsSupplier      bool          `gorm:"not null;default:false" json:"is_supplier"`
	Status          PartnerStatus `gorm:"size:20;not null;default:active" json:"status"`
	PaymentTermDays int           `gorm:"not null;default:30" json:"payment_term_days"`
	// opt-ins for automated mail
	EmailNotifyDueSoon         bool      `gorm:"not null;default:true" json:"email_notify_due_soon"`
	EmailNotifyUnpaid          bool      `gorm:"not null;default:true" json:"email_notify_unpaid"`
	EmailNotifyOverdue         bool      `gorm:"not null;default:true" json:"email_notify_overdue"`
	EmailNotifyManagerInvoices bool      `gorm:"not null;default:false" json:"email_notify_manager_invoices"`
	HasCodeErrors              bool      `gorm:"not null;default:false;index" json:"has_code_errors"`
	Contacts                   []Contact `gorm:"foreignKey:PartnerId;constraint:OnDelete:CASCADE" json:"contacts"`
	CreatedAt                  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Contact struct {
	ID            int       `gorm:"primary_key" json:"id"`
	PartnerId     int       `gorm:"index;not null" json:"partner_id"`
	Name          string    `gorm:"size:255;default:null" json:"name"`
	Email         string    `gorm:"size:255;index;default:null" json:"email" validate:"omitempty,email"`
	Phone         string    `gorm:"size:50;default:null" json:"phone"`
	IsTrusted     bool      `gorm:"not null;default:false" json:"is_trusted"`
	IsAdvertising bool      `gorm:"not null;default:false" json:"is_advertising"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type User struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Username  string    `gorm:"size:150;uniqueIndex;not null" json:"username"`
	Name      string    `gorm:"size:255;default:null" json:"name"`
	Email     string    `gorm:"size:255;default:null" json:"email"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ReminderOptIn tells whether the partner accepts the given reminder type.
func (p *Partner) ReminderOptIn(t ReminderType) bool {
	switch t {
	case ReminderTypeDueSoon:
		return p.EmailNotifyDueSoon
	case ReminderTypeUnpaid:
		return p.EmailNotifyUnpaid
	case ReminderTypeOverdue:
		return p.EmailNotifyOverdue
	}
	return false
}

func (p *Partner) CodeValue() string {
	return utils.DereferencePtr(p.Code)
}

func (p *Partner) BeforeSave(tx *gorm.DB) error {
	if !p.IsClient && !p.IsSupplier {
		return utils.ValidationError("partner %q must be a client or a supplier", p.Name)
	}
	if p.Code != nil {
		n := NormalizePartnerCode(*p.Code)
		p.Code = utils.NilIfEmpty(n)
	}
	p.VatCode = NormalizePartnerCode(p.VatCode)
	p.Email = utils.NormalizeEmail(p.Email)
	if p.Status == "" {
		p.Status = PartnerStatusActive
	}
	p.HasCodeErrors = PartnerCodeErrors(p.CodeValue(), p.VatCode)
	return nil
}

func (c *Contact) BeforeSave(tx *gorm.DB) error {
	c.Email = utils.NormalizeEmail(c.Email)
	if c.Email != "" && !utils.IsValidEmail(c.Email) {
		return utils.ValidationError("invalid contact email %q", c.Email)
	}
	if strings.TrimSpace(c.Phone) != "" {
		if err := utils.ValidatePhoneNumber(c.Phone, utils.CountryCode); err != nil {
			return utils.ValidationError("invalid contact phone %q: %v", c.Phone, err)
		}
		c.Phone = utils.FormatPhoneNumber(c.Phone, utils.CountryCode)
	}
	return nil
}

func CreatePartner(ctx context.Context, p *Partner) error {
	if err := utils.ValidateStruct(p); err != nil {
		return err
	}
	db := config.GetDB()
	return utils.TranslateDBError(db.WithContext(ctx).Create(p).Error, "partner")
}

func CreateContact(ctx context.Context, c *Contact) error {
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}
	db := config.GetDB()
	return utils.TranslateDBError(db.WithContext(ctx).Create(c).Error, "contact")
}

// UpdateContact saves all fields; hooks handle the advertising purge.
func UpdateContact(ctx context.Context, c *Contact) error {
	if err := utils.ValidateStruct(c); err != nil {
		return err
	}
	db := config.GetDB()
	return utils.TranslateDBError(db.WithContext(ctx).Save(c).Error, "contact")
}

// IsTrustedSender is true for trusted contacts and TrustedSender entries (address or @domain).
func IsTrustedSender(tx *gorm.DB, email string) (bool, error) {
	email = utils.NormalizeEmail(email)
	if email == "" {
		return false, nil
	}
	var count int64
	if err := tx.Model(&Contact{}).Where("email = ? AND is_trusted = ?", email, true).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	domain := utils.EmailDomain(email)
	if err := tx.Model(&TrustedSender{}).Where("pattern IN ?", []string{email, "@" + domain}).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
