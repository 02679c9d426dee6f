package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const reminderModule = "ReminderEngine"

var reminderTracer = otel.Tracer("tms-reminders")

type SkipReason string

const (
	SkipThrottle SkipReason = "throttle"
	SkipOptOut   SkipReason = "opt_out"
	SkipPolicy   SkipReason = "policy"
)

type ReminderOutcome string

const (
	OutcomeSent    ReminderOutcome = "sent"
	OutcomeSkipped ReminderOutcome = "skipped"
	OutcomeFailed  ReminderOutcome = "failed"
	// dry runs stop right before SMTP
	OutcomeWouldSend ReminderOutcome = "would_send"
)

type ReminderItem struct {
	InvoiceId     int             `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number"`
	Outcome       ReminderOutcome `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`
	To            []string        `json:"to,omitempty"`
	EmailLogId    int             `json:"email_log_id,omitempty"`
}

type TypeReport struct {
	Type            models.ReminderType `json:"type"`
	Disabled        bool                `json:"disabled"`
	Selected        int                 `json:"selected"`
	Sent            int                 `json:"sent"`
	SkippedThrottle int                 `json:"skipped_throttle"`
	SkippedOptOut   int                 `json:"skipped_opt_out"`
	SkippedPolicy   int                 `json:"skipped_policy"`
	Failed          int                 `json:"failed"`
	Items           []ReminderItem      `json:"items"`
}

func (r *TypeReport) add(item ReminderItem, reason SkipReason) {
	switch item.Outcome {
	case OutcomeSent, OutcomeWouldSend:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		switch reason {
		case SkipThrottle:
			r.SkippedThrottle++
		case SkipOptOut:
			r.SkippedOptOut++
		default:
			r.SkippedPolicy++
		}
	}
	r.Items = append(r.Items, item)
}

type ReminderReport struct {
	DryRun         bool          `json:"dry_run"`
	TestMode       bool          `json:"test_mode"`
	BudgetExceeded bool          `json:"budget_exceeded"`
	Types          []*TypeReport `json:"types"`
}

func (r *ReminderReport) Totals() (sent, skipped, failed int) {
	for _, t := range r.Types {
		sent += t.Sent
		skipped += t.SkippedThrottle + t.SkippedOptOut + t.SkippedPolicy
		failed += t.Failed
	}
	return
}

// ReminderEngine selects sales invoices per reminder policy and mails the
// partners. Mailer defaults to SMTP from NotificationSettings.
type ReminderEngine struct {
	DB      *gorm.DB
	Mailer  Mailer
	Storage utils.FileStorage
	Now     func() time.Time
	Budget  time.Duration
}

func NewReminderEngine(db *gorm.DB, storage utils.FileStorage) *ReminderEngine {
	return &ReminderEngine{DB: db, Storage: storage}
}

func (e *ReminderEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ParseReminderFilter accepts "", "all" or a single reminder type.
func ParseReminderFilter(filter string) ([]models.ReminderType, error) {
	f := strings.ToLower(strings.TrimSpace(filter))
	if f == "" || f == "all" {
		return models.AllReminderTypes, nil
	}
	t := models.ReminderType(f)
	if !t.IsValid() {
		return nil, utils.ValidationError("unknown reminder type %q", filter)
	}
	return []models.ReminderType{t}, nil
}

// Run processes every requested reminder type. An invoice gets at most one
// reminder per run; later types skip it with a policy reason.
func (e *ReminderEngine) Run(ctx context.Context, filter string, dryRun bool) (*ReminderReport, error) {
	types, err := ParseReminderFilter(filter)
	if err != nil {
		return nil, err
	}
	settings, err := models.GetNotificationSettings(ctx)
	if err != nil {
		return nil, err
	}
	mailer := e.Mailer
	if !dryRun && mailer == nil {
		if !settings.SMTPConfigured() {
			return nil, utils.PolicyBlocked("smtp is not configured")
		}
		mailer = NewSMTPMailer(settings)
	}

	budget := e.Budget
	if budget <= 0 {
		budget = config.ReminderRunBudget()
	}
	if !dryRun {
		release, err := utils.ObtainLock(ctx, "reminders", "run", budget+time.Minute, reminderModule, "Run")
		if errors.Is(err, utils.ErrLockNotObtained) {
			return nil, utils.PolicyBlocked("another reminder run is in progress")
		}
		if err != nil {
			return nil, err
		}
		defer release()
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	ctx, span := reminderTracer.Start(ctx, "reminders.run")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter), attribute.Bool("dry_run", dryRun))

	report := &ReminderReport{DryRun: dryRun, TestMode: settings.TestMode}
	run := &reminderRun{
		engine:   e,
		settings: settings,
		mailer:   mailer,
		dryRun:   dryRun,
		now:      e.now(),
		reminded: map[int]bool{},
	}
	run.today = utils.DateOnly(run.now)

	for _, t := range types {
		tr := &TypeReport{Type: t}
		report.Types = append(report.Types, tr)
		if !settings.ReminderEnabled(t) {
			tr.Disabled = true
			continue
		}
		if err := run.processType(ctx, t, tr); err != nil {
			if ctx.Err() != nil {
				report.BudgetExceeded = true
				break
			}
			return report, err
		}
		if ctx.Err() != nil {
			report.BudgetExceeded = true
			break
		}
	}

	sent, skipped, failed := report.Totals()
	span.SetAttributes(attribute.Int("sent", sent), attribute.Int("skipped", skipped), attribute.Int("failed", failed))
	config.LogInfo(config.GetLogger(), reminderModule, "Run", "reminder run finished", logrus.Fields{
		"dry_run":         dryRun,
		"sent":            sent,
		"skipped":         skipped,
		"failed":          failed,
		"budget_exceeded": report.BudgetExceeded,
	})
	return report, nil
}

type reminderRun struct {
	engine   *ReminderEngine
	settings *models.NotificationSettings
	mailer   Mailer
	dryRun   bool
	now      time.Time
	today    time.Time
	reminded map[int]bool
}

func (r *reminderRun) db(ctx context.Context) *gorm.DB {
	db := r.engine.DB
	if db == nil {
		db = config.GetDB()
	}
	return db.WithContext(ctx)
}

func (r *reminderRun) processType(ctx context.Context, t models.ReminderType, tr *TypeReport) error {
	invoices, err := r.selectInvoices(ctx, t)
	if err != nil {
		return utils.DataError(err, "select %s invoices", t)
	}
	tr.Selected = len(invoices)
	ids := make([]int, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}
	last, err := models.LastSentAt(r.db(ctx), ids, models.ThrottleTypes(t)...)
	if err != nil {
		return utils.DataError(err, "load %s throttle rows", t)
	}
	for i := range invoices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		inv := &invoices[i]
		var lastSent *time.Time
		if at, ok := last[inv.ID]; ok {
			lastSent = &at
		}
		r.processInvoice(ctx, t, inv, lastSent, tr)
	}
	return nil
}

func (r *reminderRun) selectInvoices(ctx context.Context, t models.ReminderType) ([]models.SalesInvoice, error) {
	q := r.db(ctx).
		Preload("Partner.Contacts").
		Preload("RelatedOrder").
		Preload("RelatedOrders").
		Order("due_date ASC, id ASC")
	switch t {
	case models.ReminderTypeDueSoon:
		q = q.Where("payment_status = ? AND due_date >= ? AND due_date <= ?",
			models.PaymentStatusUnpaid, r.today, r.today.AddDate(0, 0, r.settings.DueSoonDaysBefore))
	case models.ReminderTypeUnpaid:
		// nothing paid yet; the sweeper may already have flagged it overdue
		q = q.Where("payment_status IN ? AND paid_amount = 0 AND due_date <= ?",
			[]models.PaymentStatus{models.PaymentStatusUnpaid, models.PaymentStatusOverdue}, r.today)
	case models.ReminderTypeOverdue:
		q = q.Where("payment_status IN ? AND due_date < ? AND overdue_reminder_mode IN ?",
			[]models.PaymentStatus{models.PaymentStatusOverdue, models.PaymentStatusPartiallyPaid}, r.today,
			[]models.OverdueReminderMode{models.OverdueReminderModeAutomatic, models.OverdueReminderModeBoth})
	default:
		return nil, fmt.Errorf("unknown reminder type %q", t)
	}
	var out []models.SalesInvoice
	err := q.Find(&out).Error
	return out, err
}

func (r *reminderRun) processInvoice(ctx context.Context, t models.ReminderType, inv *models.SalesInvoice, lastSent *time.Time, tr *TypeReport) {
	item := ReminderItem{InvoiceId: inv.ID, InvoiceNumber: inv.InvoiceNumber}
	to, cc := ReminderRecipients(inv.Partner)
	item.To = to

	reason, detail := decideReminder(reminderCandidate{
		Type:         t,
		Settings:     r.settings,
		Invoice:      inv,
		LastSentAt:   lastSent,
		HasRecipient: len(to) > 0,
		SeenThisRun:  r.reminded[inv.ID],
		Now:          r.now,
		Today:        r.today,
	})
	if reason != "" {
		item.Outcome = OutcomeSkipped
		item.Reason = string(reason) + ": " + detail
		tr.add(item, reason)
		return
	}

	email, err := BuildReminderEmail(r.settings, t, inv, to, cc, r.today)
	if err != nil {
		item.Outcome = OutcomeFailed
		item.Reason = err.Error()
		tr.add(item, "")
		config.LogError(config.GetLogger(), reminderModule, "processInvoice", "render template", inv.ID, err)
		return
	}
	r.attachPDF(ctx, inv, email)
	if r.settings.TestMode {
		ApplyTestMode(email, r.settings.TestRecipient)
	}
	r.reminded[inv.ID] = true

	if r.dryRun {
		item.Outcome = OutcomeWouldSend
		tr.add(item, "")
		return
	}

	logRow := r.emailLog(ctx, t, inv, email, to, cc)
	extra := map[string]any{
		"overdue_reminder_mode": inv.OverdueReminderMode,
		"test_mode":             r.settings.TestMode,
		"original_to":           to,
		"original_cc":           cc,
	}
	if sendErr := r.mailer.Send(ctx, email); sendErr != nil {
		logRow.Status = models.EmailLogStatusFailed
		logRow.ErrorMessage = sendErr.Error()
		if err := models.CreateEmailLog(context.WithoutCancel(ctx), logRow); err != nil {
			config.LogError(config.GetLogger(), reminderModule, "processInvoice", "store failed email log", inv.ID, err)
		}
		item.Outcome = OutcomeFailed
		item.Reason = sendErr.Error()
		item.EmailLogId = logRow.ID
		tr.add(item, "")
		config.LogError(config.GetLogger(), reminderModule, "processInvoice", "smtp send", inv.InvoiceNumber, sendErr)
		return
	}

	err = r.db(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		return models.RecordReminderSent(tx, logRow, t, r.now, extra)
	})
	if err != nil {
		// the mail went out; next run may send a duplicate
		item.Outcome = OutcomeFailed
		item.Reason = "record sent reminder: " + err.Error()
		tr.add(item, "")
		config.LogError(config.GetLogger(), reminderModule, "processInvoice", "record sent reminder", inv.ID, err)
		return
	}
	item.Outcome = OutcomeSent
	item.EmailLogId = logRow.ID
	tr.add(item, "")
}

func (r *reminderRun) attachPDF(ctx context.Context, inv *models.SalesInvoice, email *OutgoingEmail) {
	if inv.PdfKey == "" || r.engine.Storage == nil {
		return
	}
	data, err := utils.ReadAllFromStorage(ctx, r.engine.Storage, inv.PdfKey)
	if err != nil {
		// the reminder still goes out without the document
		config.LogError(config.GetLogger(), reminderModule, "attachPDF", inv.PdfKey, inv.ID, err)
		return
	}
	email.Attachments = append(email.Attachments, EmailAttachment{
		Filename:    inv.InvoiceNumber + ".pdf",
		ContentType: "application/pdf",
		Data:        data,
	})
}

func (r *reminderRun) emailLog(ctx context.Context, t models.ReminderType, inv *models.SalesInvoice, email *OutgoingEmail, to, cc []string) *models.EmailLog {
	l := &models.EmailLog{
		EmailType:      models.EmailTypeForReminder(t),
		Status:         models.EmailLogStatusPending,
		Subject:        email.Subject,
		FromEmail:      email.From,
		ToEmails:       strings.Join(to, ", "),
		CcEmails:       strings.Join(cc, ", "),
		BccEmails:      strings.Join(email.Bcc, ", "),
		BodyText:       email.Text,
		BodyHtml:       email.HTML,
		SalesInvoiceId: &inv.ID,
		PartnerId:      &inv.PartnerId,
		OrderId:        inv.RelatedOrderId,
	}
	if uid, ok := utils.GetUserIdFromContext(ctx); ok {
		l.SentById = &uid
	}
	if l.OrderId == nil && len(inv.RelatedOrders) > 0 {
		l.OrderId = &inv.RelatedOrders[0].ID
	}
	meta := map[string]any{
		"reminder_type":         t,
		"overdue_reminder_mode": inv.OverdueReminderMode,
		"test_mode":             r.settings.TestMode,
		"envelope_to":           email.To,
	}
	if len(email.Attachments) > 0 {
		meta["attachment"] = email.Attachments[0].Filename
	}
	if err := l.SetMetadata(meta); err != nil {
		config.LogError(config.GetLogger(), reminderModule, "emailLog", "metadata", inv.ID, err)
	}
	return l
}

type reminderCandidate struct {
	Type         models.ReminderType
	Settings     *models.NotificationSettings
	Invoice      *models.SalesInvoice
	LastSentAt   *time.Time
	HasRecipient bool
	SeenThisRun  bool
	Now          time.Time
	Today        time.Time
}

// decideReminder returns an empty reason when the reminder should go out.
// Policy is checked before throttle, throttle before opt-out.
func decideReminder(c reminderCandidate) (SkipReason, string) {
	inv := c.Invoice
	if c.SeenThisRun {
		return SkipPolicy, "already reminded in this run"
	}
	if c.Type == models.ReminderTypeOverdue {
		if !inv.OverdueReminderMode.SelectsForAutomation() {
			return SkipPolicy, "overdue reminders are manual for this invoice"
		}
		days := utils.DaysBetween(inv.DueDate, c.Today)
		if days < c.Settings.OverdueMinDays || days > c.Settings.OverdueMaxDays {
			return SkipPolicy, strconv.Itoa(days) + " overdue days outside window"
		}
	}
	if !c.HasRecipient {
		return SkipPolicy, "partner has no e-mail address"
	}
	if c.Type == models.ReminderTypeDueSoon && c.LastSentAt != nil {
		return SkipThrottle, "due soon reminder already sent"
	}
	if models.IsThrottled(c.LastSentAt, c.Settings.IntervalDays(c.Type), c.Now) {
		return SkipThrottle, "sent " + c.LastSentAt.UTC().Format(time.DateOnly)
	}
	if inv.Partner == nil || !inv.Partner.ReminderOptIn(c.Type) {
		return SkipOptOut, "partner opted out"
	}
	return "", ""
}

// ReminderRecipients addresses the partner mailbox, falling back to the first
// contact. Advertising contacts never receive reminders.
func ReminderRecipients(p *models.Partner) (to, cc []string) {
	if p == nil {
		return nil, nil
	}
	seen := map[string]bool{}
	if email := utils.NormalizeEmail(p.Email); email != "" {
		to = append(to, email)
		seen[email] = true
	}
	for _, c := range p.Contacts {
		email := utils.NormalizeEmail(c.Email)
		if email == "" || c.IsAdvertising || seen[email] {
			continue
		}
		seen[email] = true
		if len(to) == 0 {
			to = append(to, email)
			continue
		}
		cc = append(cc, email)
	}
	return to, cc
}

// ReminderTemplateData holds the variables available to reminder templates.
func ReminderTemplateData(inv *models.SalesInvoice, today time.Time) map[string]interface{} {
	partnerName := ""
	if inv.Partner != nil {
		partnerName = inv.Partner.Name
	}
	orderNumber := ""
	if inv.RelatedOrder != nil {
		orderNumber = inv.RelatedOrder.OrderNumber
	} else if len(inv.RelatedOrders) > 0 {
		orderNumber = inv.RelatedOrders[0].OrderNumber
	}
	overdue := utils.DaysBetween(inv.DueDate, today)
	if overdue < 0 {
		overdue = 0
	}
	return map[string]interface{}{
		"invoice_number": inv.InvoiceNumber,
		"order_number":   orderNumber,
		"partner_name":   partnerName,
		"amount":         inv.AmountTotal.Sub(inv.PaidAmount).StringFixed(2),
		"due_date":       inv.DueDate.Format(time.DateOnly),
		"overdue_days":   overdue,
	}
}

// BuildReminderEmail renders the subject and body templates for t and appends
// the signature.
func BuildReminderEmail(s *models.NotificationSettings, t models.ReminderType, inv *models.SalesInvoice, to, cc []string, today time.Time) (*OutgoingEmail, error) {
	subjectTpl, bodyTpl := s.Templates(t)
	data := ReminderTemplateData(inv, today)
	subject, err := utils.ExecTemplate(subjectTpl, data)
	if err != nil {
		return nil, utils.ValidationError("%s subject template: %v", t, err)
	}
	body, err := utils.ExecTemplate(bodyTpl, data)
	if err != nil {
		return nil, utils.ValidationError("%s body template: %v", t, err)
	}
	if sig := strings.TrimSpace(s.Signature); sig != "" {
		body = strings.TrimRight(body, "\n") + "\n\n" + sig
	}
	return &OutgoingEmail{
		From:     s.FromEmail,
		FromName: s.FromName,
		ReplyTo:  s.ReplyTo,
		To:       to,
		Cc:       cc,
		Subject:  strings.TrimSpace(subject),
		Text:     body,
		HTML:     TextToHTML(body),
	}, nil
}
