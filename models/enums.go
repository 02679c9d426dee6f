package models

type OrderStatus string

const (
	OrderStatusNew            OrderStatus = "new"
	OrderStatusAssigned       OrderStatus = "assigned"
	OrderStatusExecuting      OrderStatus = "executing"
	OrderStatusWaitingForDocs OrderStatus = "waiting_for_docs"
	OrderStatusFinished       OrderStatus = "finished"
	OrderStatusCanceled       OrderStatus = "canceled"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFinished || s == OrderStatusCanceled
}

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusNew, OrderStatusAssigned, OrderStatusExecuting, OrderStatusWaitingForDocs, OrderStatusFinished, OrderStatusCanceled:
		return true
	}
	return false
}

// PaymentStatus is shared by sales and purchase invoices.
type PaymentStatus string

const (
	PaymentStatusUnpaid        PaymentStatus = "unpaid"
	PaymentStatusPartiallyPaid PaymentStatus = "partially_paid"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusOverdue       PaymentStatus = "overdue"
)

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusUnpaid, PaymentStatusPartiallyPaid, PaymentStatusPaid, PaymentStatusOverdue:
		return true
	}
	return false
}

type CarrierPaymentStatus string

const (
	CarrierPaymentStatusNotPaid       CarrierPaymentStatus = "not_paid"
	CarrierPaymentStatusPartiallyPaid CarrierPaymentStatus = "partially_paid"
	CarrierPaymentStatusPaid          CarrierPaymentStatus = "paid"
)

// CarrierStatusFromInvoice folds an invoice payment status onto the carrier scale.
func CarrierStatusFromInvoice(s PaymentStatus) CarrierPaymentStatus {
	switch s {
	case PaymentStatusPaid:
		return CarrierPaymentStatusPaid
	case PaymentStatusPartiallyPaid:
		return CarrierPaymentStatusPartiallyPaid
	default:
		return CarrierPaymentStatusNotPaid
	}
}

type PartnerStatus string

const (
	PartnerStatusActive  PartnerStatus = "active"
	PartnerStatusBlocked PartnerStatus = "blocked"
)

type ReminderType string

const (
	ReminderTypeDueSoon ReminderType = "due_soon"
	ReminderTypeUnpaid  ReminderType = "unpaid"
	ReminderTypeOverdue ReminderType = "overdue"
)

var AllReminderTypes = []ReminderType{ReminderTypeDueSoon, ReminderTypeUnpaid, ReminderTypeOverdue}

func (t ReminderType) IsValid() bool {
	switch t {
	case ReminderTypeDueSoon, ReminderTypeUnpaid, ReminderTypeOverdue:
		return true
	}
	return false
}

type OverdueReminderMode string

const (
	OverdueReminderModeAutomatic OverdueReminderMode = "automatic"
	OverdueReminderModeManual    OverdueReminderMode = "manual"
	OverdueReminderModeBoth      OverdueReminderMode = "both"
)

// SelectsForAutomation is true for the modes the scheduler may pick up.
func (m OverdueReminderMode) SelectsForAutomation() bool {
	return m == OverdueReminderModeAutomatic || m == OverdueReminderModeBoth
}

type EmailLogStatus string

const (
	EmailLogStatusPending EmailLogStatus = "pending"
	EmailLogStatusSent    EmailLogStatus = "sent"
	EmailLogStatusFailed  EmailLogStatus = "failed"
)

type EmailType string

const (
	EmailTypeReminderDueSoon EmailType = "reminder_due_soon"
	EmailTypeReminderUnpaid  EmailType = "reminder_unpaid"
	EmailTypeReminderOverdue EmailType = "reminder_overdue"
	EmailTypeInvoice         EmailType = "invoice"
	EmailTypeCustom          EmailType = "custom"
)

func EmailTypeForReminder(t ReminderType) EmailType {
	return EmailType("reminder_" + string(t))
}

type MailMessageStatus string

const (
	MailMessageStatusNew      MailMessageStatus = "new"
	MailMessageStatusLinked   MailMessageStatus = "linked"
	MailMessageStatusArchived MailMessageStatus = "archived"
)

const (
	MailSyncStatusIdle    = "idle"
	MailSyncStatusRunning = "running"
	MailSyncStatusOK      = "ok"
	// failures are stored as "error: <reason>"
	MailSyncStatusErrorPrefix = "error: "
)

// EntityType tags generic references (status service, activity log).
type EntityType string

const (
	EntityTypeOrder           EntityType = "order"
	EntityTypeOrderCarrier    EntityType = "order_carrier"
	EntityTypeSalesInvoice    EntityType = "sales_invoice"
	EntityTypePurchaseInvoice EntityType = "purchase_invoice"
	EntityTypeInvoicePayment  EntityType = "invoice_payment"
	EntityTypePartner         EntityType = "partner"
	EntityTypeContact         EntityType = "contact"
	EntityTypeMailMessage     EntityType = "mail_message"
	EntityTypeEmailLog        EntityType = "email_log"
)

const (
	ActionOrderStatusChanged   = "ORDER_STATUS_CHANGED"
	ActionInvoiceStatusChanged = "INVOICE_STATUS_CHANGED"
	ActionCarrierStatusChanged = "CARRIER_STATUS_CHANGED"
	ActionCostStatusChanged    = "COST_STATUS_CHANGED"
	ActionPaymentAdded         = "PAYMENT_ADDED"
	ActionPaymentDeleted       = "PAYMENT_DELETED"
	ActionInvoiceReceived      = "INVOICE_RECEIVED"
	ActionEmailSent            = "EMAIL_SENT"
	ActionMailSynced           = "MAIL_SYNCED"
	ActionMailDeleted          = "MAIL_DELETED"
)
