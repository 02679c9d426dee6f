package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	notificationSettingsID       = 1
	notificationSettingsCacheKey = "notification_settings"
	notificationSettingsCacheTTL = 10 * time.Minute
)

// NotificationSettings is the single row holding mail transport, reminder policy,
// templates and number formats.
type NotificationSettings struct {
	ID int `gorm:"primary_key" json:"id"`

	SmtpHost     string `gorm:"size:255;default:null" json:"smtp_host" validate:"required_with=SmtpUsername"`
	SmtpPort     int    `gorm:"not null;default:587" json:"smtp_port" validate:"min=1,max=65535"`
	SmtpUsername string `gorm:"size:255;default:null" json:"smtp_username"`
	SmtpPassword string `gorm:"size:255;default:null" json:"smtp_password,omitempty"`
	SmtpUseTLS   bool   `gorm:"not null;default:true" json:"smtp_use_tls"`
	SmtpUseSSL   bool   `gorm:"not null;default:false" json:"smtp_use_ssl"`
	FromEmail    string `gorm:"size:255;default:null" json:"from_email" validate:"omitempty,email"`
	FromName     string `gorm:"size:255;default:null" json:"from_name"`
	ReplyTo      string `gorm:"size:255;default:null" json:"reply_to" validate:"omitempty,email"`

	ImapEnabled     bool   `gorm:"not null;default:false" json:"imap_enabled"`
	ImapHost        string `gorm:"size:255;default:null" json:"imap_host" validate:"required_if=ImapEnabled true"`
	ImapPort        int    `gorm:"not null;default:993" json:"imap_port" validate:"min=1,max=65535"`
	ImapUsername    string `gorm:"size:255;default:null" json:"imap_username"`
	ImapPassword    string `gorm:"size:255;default:null" json:"imap_password,omitempty"`
	ImapUseSSL      bool   `gorm:"not null;default:true" json:"imap_use_ssl"`
	ImapUseStartTLS bool   `gorm:"not null;default:false" json:"imap_use_starttls"`
	ImapFolder      string `gorm:"size:100;not null;default:INBOX" json:"imap_folder"`
	ImapSyncLimit   int    `gorm:"not null;default:50" json:"imap_sync_limit" validate:"min=1,max=1000"`

	DueSoonEnabled      bool `gorm:"not null;default:true" json:"due_soon_enabled"`
	DueSoonDaysBefore   int  `gorm:"not null;default:3" json:"due_soon_days_before" validate:"min=0,max=60"`
	UnpaidEnabled       bool `gorm:"not null;default:true" json:"unpaid_enabled"`
	UnpaidIntervalDays  int  `gorm:"not null;default:7" json:"unpaid_interval_days" validate:"min=1"`
	OverdueEnabled      bool `gorm:"not null;default:true" json:"overdue_enabled"`
	OverdueIntervalDays int  `gorm:"not null;default:7" json:"overdue_interval_days" validate:"min=1"`
	OverdueMinDays      int  `gorm:"not null;default:1" json:"overdue_min_days" validate:"min=0"`
	OverdueMaxDays      int  `gorm:"not null;default:365" json:"overdue_max_days" validate:"gtefield=OverdueMinDays"`

	TestMode      bool   `gorm:"not null;default:false" json:"test_mode"`
	TestRecipient string `gorm:"size:255;default:null" json:"test_recipient" validate:"omitempty,email"`

	DueSoonSubject string `gorm:"type:text" json:"due_soon_subject"`
	DueSoonBody    string `gorm:"type:text" json:"due_soon_body"`
	UnpaidSubject  string `gorm:"type:text" json:"unpaid_subject"`
	UnpaidBody     string `gorm:"type:text" json:"unpaid_body"`
	OverdueSubject string `gorm:"type:text" json:"overdue_subject"`
	OverdueBody    string `gorm:"type:text" json:"overdue_body"`
	Signature      string `gorm:"type:text" json:"signature"`

	InvoiceNumberPrefix    string `gorm:"size:20;not null;default:LOG" json:"invoice_number_prefix"`
	InvoiceNumberWidth     int    `gorm:"not null;default:7" json:"invoice_number_width" validate:"min=1,max=12"`
	ExpeditionNumberPrefix string `gorm:"size:20;not null;default:E" json:"expedition_number_prefix"`
	ExpeditionNumberWidth  int    `gorm:"not null;default:5" json:"expedition_number_width" validate:"min=1,max=12"`
	OrderNumberPrefix      string `gorm:"size:20;not null;default:TRP" json:"order_number_prefix"`
	OrderNumberWidth       int    `gorm:"not null;default:5" json:"order_number_width" validate:"min=1,max=12"`

	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DefaultNotificationSettings is what a fresh install starts with.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		ID:                     notificationSettingsID,
		SmtpPort:               587,
		SmtpUseTLS:             true,
		ImapPort:               993,
		ImapUseSSL:             true,
		ImapFolder:             "INBOX",
		ImapSyncLimit:          50,
		DueSoonEnabled:         true,
		DueSoonDaysBefore:      3,
		UnpaidEnabled:          true,
		UnpaidIntervalDays:     7,
		OverdueEnabled:         true,
		OverdueIntervalDays:    7,
		OverdueMinDays:         1,
		OverdueMaxDays:         365,
		DueSoonSubject:         defaultDueSoonSubject,
		DueSoonBody:            defaultDueSoonBody,
		UnpaidSubject:          defaultUnpaidSubject,
		UnpaidBody:             defaultUnpaidBody,
		OverdueSubject:         defaultOverdueSubject,
		OverdueBody:            defaultOverdueBody,
		InvoiceNumberPrefix:    "LOG",
		InvoiceNumberWidth:     7,
		ExpeditionNumberPrefix: "E",
		ExpeditionNumberWidth:  5,
		OrderNumberPrefix:      "TRP",
		OrderNumberWidth:       5,
	}
}

// Templates returns subject and body templates for a reminder type.
func (s *NotificationSettings) Templates(t ReminderType) (subject, body string) {
	switch t {
	case ReminderTypeDueSoon:
		return s.DueSoonSubject, s.DueSoonBody
	case ReminderTypeUnpaid:
		return s.UnpaidSubject, s.UnpaidBody
	case ReminderTypeOverdue:
		return s.OverdueSubject, s.OverdueBody
	}
	return "", ""
}

func (s *NotificationSettings) ReminderEnabled(t ReminderType) bool {
	switch t {
	case ReminderTypeDueSoon:
		return s.DueSoonEnabled
	case ReminderTypeUnpaid:
		return s.UnpaidEnabled
	case ReminderTypeOverdue:
		return s.OverdueEnabled
	}
	return false
}

func (s *NotificationSettings) IntervalDays(t ReminderType) int {
	switch t {
	case ReminderTypeUnpaid:
		return s.UnpaidIntervalDays
	case ReminderTypeOverdue:
		return s.OverdueIntervalDays
	}
	// 0: due_soon is sent once per invoice, never repeated
	return 0
}

func (s *NotificationSettings) SMTPConfigured() bool {
	return s.SmtpHost != "" && s.FromEmail != ""
}

// NumberFormat returns the configured prefix and width of a numbering scope.
func (s *NotificationSettings) NumberFormat(scope string) (string, int, error) {
	switch scope {
	case ScopeSales:
		return s.InvoiceNumberPrefix, s.InvoiceNumberWidth, nil
	case ScopeExpedition:
		return s.ExpeditionNumberPrefix, s.ExpeditionNumberWidth, nil
	case ScopeOrder:
		return s.OrderNumberPrefix, s.OrderNumberWidth, nil
	}
	return "", 0, utils.ValidationError("unknown numbering scope %q", scope)
}

func (s *NotificationSettings) BeforeSave(tx *gorm.DB) error {
	s.ID = notificationSettingsID
	s.FromEmail = utils.NormalizeEmail(s.FromEmail)
	s.TestRecipient = utils.NormalizeEmail(s.TestRecipient)
	if s.TestMode && s.TestRecipient == "" {
		return utils.ValidationError("test recipient is required in test mode")
	}
	return utils.ValidateStruct(s)
}

func (s *NotificationSettings) AfterSave(tx *gorm.DB) error {
	return config.RemoveRedisKey(tx.Statement.Context, notificationSettingsCacheKey)
}

// GetNotificationSettings reads the singleton through the redis cache, creating
// the default row on first use.
func GetNotificationSettings(ctx context.Context) (*NotificationSettings, error) {
	var s NotificationSettings
	if ok, err := config.GetRedisObject(ctx, notificationSettingsCacheKey, &s); err == nil && ok {
		return &s, nil
	}
	db := config.GetDB()
	err := db.WithContext(ctx).First(&s, notificationSettingsID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := SeedNotificationSettings(ctx); err != nil {
			return nil, err
		}
		err = db.WithContext(ctx).First(&s, notificationSettingsID).Error
	}
	if err != nil {
		return nil, utils.TranslateDBError(err, "notification settings")
	}
	if err := config.SetRedisObject(ctx, notificationSettingsCacheKey, &s, notificationSettingsCacheTTL); err != nil {
		config.LogError(config.GetLogger(), "NotificationSettings", "GetNotificationSettings", "cache set", nil, err)
	}
	return &s, nil
}

func SaveNotificationSettings(ctx context.Context, s *NotificationSettings) error {
	db := config.GetDB()
	return db.WithContext(ctx).Save(s).Error
}

// SeedNotificationSettings inserts the default row unless one exists.
func SeedNotificationSettings(ctx context.Context) error {
	db := config.GetDB()
	def := DefaultNotificationSettings()
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&def).Error
}
