package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func optedInPartner() *models.Partner {
	return &models.Partner{
		Name:               "Klientas UAB",
		Email:              "Client@C.lt",
		EmailNotifyDueSoon: true,
		EmailNotifyUnpaid:  true,
		EmailNotifyOverdue: true,
	}
}

func TestParseReminderFilter(t *testing.T) {
	all, err := ParseReminderFilter("")
	require.NoError(t, err)
	assert.Equal(t, models.AllReminderTypes, all)

	all, err = ParseReminderFilter("ALL")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := ParseReminderFilter(" overdue ")
	require.NoError(t, err)
	assert.Equal(t, []models.ReminderType{models.ReminderTypeOverdue}, one)

	_, err = ParseReminderFilter("weekly")
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))
}

func TestDecideReminder(t *testing.T) {
	settings := models.DefaultNotificationSettings()
	settings.OverdueMinDays = 3
	settings.OverdueMaxDays = 30
	today := day("2024-09-10")
	now := today.Add(9 * time.Hour)
	sentAgo := func(days int) *time.Time {
		ts := now.AddDate(0, 0, -days)
		return &ts
	}

	cases := []struct {
		name       string
		typ        models.ReminderType
		due        time.Time
		mode       models.OverdueReminderMode
		lastSent   *time.Time
		noEmail    bool
		optOut     bool
		seen       bool
		wantReason SkipReason
	}{
		{name: "unpaid first send", typ: models.ReminderTypeUnpaid, due: day("2024-09-09")},
		{name: "unpaid within interval", typ: models.ReminderTypeUnpaid, due: day("2024-09-01"), lastSent: sentAgo(1), wantReason: SkipThrottle},
		{name: "unpaid interval elapsed", typ: models.ReminderTypeUnpaid, due: day("2024-09-01"), lastSent: sentAgo(7)},
		{name: "due soon sent once", typ: models.ReminderTypeDueSoon, due: day("2024-09-12"), lastSent: sentAgo(30), wantReason: SkipThrottle},
		{name: "overdue below window", typ: models.ReminderTypeOverdue, due: day("2024-09-09"), wantReason: SkipPolicy},
		{name: "overdue above window", typ: models.ReminderTypeOverdue, due: day("2024-07-01"), wantReason: SkipPolicy},
		{name: "overdue in window", typ: models.ReminderTypeOverdue, due: day("2024-09-01")},
		{name: "overdue manual mode", typ: models.ReminderTypeOverdue, due: day("2024-09-01"), mode: models.OverdueReminderModeManual, wantReason: SkipPolicy},
		{name: "overdue both mode", typ: models.ReminderTypeOverdue, due: day("2024-09-01"), mode: models.OverdueReminderModeBoth},
		{name: "no recipient", typ: models.ReminderTypeUnpaid, due: day("2024-09-09"), noEmail: true, wantReason: SkipPolicy},
		{name: "opted out", typ: models.ReminderTypeUnpaid, due: day("2024-09-09"), optOut: true, wantReason: SkipOptOut},
		{name: "throttle wins over opt-out", typ: models.ReminderTypeUnpaid, due: day("2024-09-09"), optOut: true, lastSent: sentAgo(2), wantReason: SkipThrottle},
		{name: "already reminded this run", typ: models.ReminderTypeOverdue, due: day("2024-09-01"), seen: true, wantReason: SkipPolicy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := optedInPartner()
			if tc.optOut {
				p.EmailNotifyUnpaid = false
			}
			mode := tc.mode
			if mode == "" {
				mode = models.OverdueReminderModeAutomatic
			}
			inv := &models.SalesInvoice{ID: 1, DueDate: tc.due, Partner: p, OverdueReminderMode: mode}
			reason, detail := decideReminder(reminderCandidate{
				Type:         tc.typ,
				Settings:     &settings,
				Invoice:      inv,
				LastSentAt:   tc.lastSent,
				HasRecipient: !tc.noEmail,
				SeenThisRun:  tc.seen,
				Now:          now,
				Today:        today,
			})
			if reason != tc.wantReason {
				t.Fatalf("expected reason %q, got %q (%s)", tc.wantReason, reason, detail)
			}
		})
	}
}

func TestReminderRecipients(t *testing.T) {
	p := optedInPartner()
	p.Contacts = []models.Contact{
		{Email: "mgr@c.lt"},
		{Email: "promo@c.lt", IsAdvertising: true},
		{Email: "CLIENT@c.lt"},
		{Email: ""},
		{Email: "acc@c.lt"},
	}
	to, cc := ReminderRecipients(p)
	assert.Equal(t, []string{"client@c.lt"}, to)
	assert.Equal(t, []string{"mgr@c.lt", "acc@c.lt"}, cc)

	p.Email = ""
	to, cc = ReminderRecipients(p)
	assert.Equal(t, []string{"mgr@c.lt"}, to)
	assert.Equal(t, []string{"client@c.lt", "acc@c.lt"}, cc)

	to, cc = ReminderRecipients(nil)
	assert.Empty(t, to)
	assert.Empty(t, cc)
}

func TestBuildReminderEmail_DefaultTemplates(t *testing.T) {
	settings := models.DefaultNotificationSettings()
	settings.FromEmail = "billing@tms.lt"
	settings.FromName = "TMS"
	settings.Signature = "Pagarbiai,\nBuhalterija"

	inv := &models.SalesInvoice{
		InvoiceNumber: "LOG-0000042",
		Partner:       optedInPartner(),
		RelatedOrders: []models.Order{{ID: 7, OrderNumber: "TRP00042"}},
		DueDate:       day("2024-09-01"),
		AmountTotal:   decimal.RequireFromString("121.00"),
		PaidAmount:    decimal.RequireFromString("21.5"),
	}
	email, err := BuildReminderEmail(&settings, models.ReminderTypeOverdue, inv, []string{"client@c.lt"}, nil, day("2024-09-10"))
	require.NoError(t, err)

	assert.Equal(t, "Vėluojama apmokėti sąskaitą LOG-0000042 (9 d.)", email.Subject)
	assert.Contains(t, email.Text, "Laba diena, Klientas UAB")
	assert.Contains(t, email.Text, "(užsakymas TRP00042)")
	assert.Contains(t, email.Text, "99.50 EUR")
	assert.Contains(t, email.Text, "terminas 2024-09-01")
	assert.True(t, strings.HasSuffix(email.Text, "Pagarbiai,\nBuhalterija"))
	assert.Contains(t, email.HTML, "Pagarbiai,<br>Buhalterija")
	assert.Equal(t, "billing@tms.lt", email.From)
}

func TestBuildReminderEmail_WithoutOrder(t *testing.T) {
	settings := models.DefaultNotificationSettings()
	inv := &models.SalesInvoice{
		InvoiceNumber: "LOG-0000043",
		Partner:       optedInPartner(),
		DueDate:       day("2024-09-12"),
		AmountTotal:   decimal.NewFromInt(50),
	}
	email, err := BuildReminderEmail(&settings, models.ReminderTypeDueSoon, inv, []string{"client@c.lt"}, nil, day("2024-09-10"))
	require.NoError(t, err)
	assert.NotContains(t, email.Text, "užsakymas")
	assert.Contains(t, email.Text, "50.00 EUR")
}

func TestBuildReminderEmail_BrokenTemplate(t *testing.T) {
	settings := models.DefaultNotificationSettings()
	settings.UnpaidSubject = "{{.invoice_number"
	_, err := BuildReminderEmail(&settings, models.ReminderTypeUnpaid, &models.SalesInvoice{}, nil, nil, day("2024-09-10"))
	assert.Equal(t, utils.KindValidation, utils.KindOf(err))
}

func TestApplyTestMode(t *testing.T) {
	e := &OutgoingEmail{
		To:      []string{"client@c.lt"},
		Cc:      []string{"mgr@c.lt"},
		Bcc:     []string{"audit@tms.lt"},
		Subject: "Neapmokėta sąskaita LOG-1",
		Text:    "Laba diena",
		HTML:    "<p>Laba diena</p>",
	}
	ApplyTestMode(e, "qa@example.com")

	assert.Equal(t, []string{"qa@example.com"}, e.To)
	assert.Empty(t, e.Cc)
	assert.Empty(t, e.Bcc)
	assert.Equal(t, "[TEST] Neapmokėta sąskaita LOG-1", e.Subject)
	assert.True(t, strings.HasPrefix(e.Text, "[TESTAVIMO REŽIMAS]"))
	assert.Contains(t, e.Text, "Originalus gavėjas: client@c.lt (CC: mgr@c.lt)")
	assert.True(t, strings.HasSuffix(e.Text, "Laba diena"))
	assert.True(t, strings.HasPrefix(e.HTML, "<p><strong>[TESTAVIMO REŽIMAS]"))
}

func TestTextToHTML(t *testing.T) {
	assert.Equal(t, "<p>a &lt;b&gt;<br>c</p>\n<p>d</p>\n", TextToHTML("a <b>\nc\n\n\n\nd\n"))
	assert.Equal(t, "", TextToHTML("  "))
}

func TestBuildMsg(t *testing.T) {
	_, err := buildMsg(&OutgoingEmail{From: "billing@tms.lt", To: []string{"client@c.lt"}, Subject: "x", Text: "y",
		Attachments: []EmailAttachment{{Filename: "LOG-1.pdf", Data: []byte("%PDF")}}})
	require.NoError(t, err)

	_, err = buildMsg(&OutgoingEmail{From: "not an address", To: []string{"client@c.lt"}})
	assert.Error(t, err)
}

func TestReminderReportTotals(t *testing.T) {
	tr := &TypeReport{Type: models.ReminderTypeUnpaid}
	tr.add(ReminderItem{Outcome: OutcomeSent}, "")
	tr.add(ReminderItem{Outcome: OutcomeWouldSend}, "")
	tr.add(ReminderItem{Outcome: OutcomeSkipped}, SkipThrottle)
	tr.add(ReminderItem{Outcome: OutcomeSkipped}, SkipOptOut)
	tr.add(ReminderItem{Outcome: OutcomeSkipped}, SkipPolicy)
	tr.add(ReminderItem{Outcome: OutcomeFailed}, "")

	r := &ReminderReport{Types: []*TypeReport{tr}}
	sent, skipped, failed := r.Totals()
	assert.Equal(t, 2, sent)
	assert.Equal(t, 3, skipped)
	assert.Equal(t, 1, failed)
	assert.Len(t, tr.Items, 6)
}

func TestOutboxBackoff(t *testing.T) {
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{4, 40 * time.Second},
		{8, 10 * time.Minute},
		{50, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := OutboxBackoff(5*time.Second, tc.attempt); got != tc.expected {
			t.Fatalf("attempt %d expected %s, got %s", tc.attempt, tc.expected, got)
		}
	}
}
