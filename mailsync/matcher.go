package mailsync

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/gorm"
)

var (
	orderNumberRe      = regexp.MustCompile(`(?i)\bTRP\d{5,6}\b`)
	expeditionNumberRe = regexp.MustCompile(`(?i)\bE\d{3,}\b`)
	yearSeriesRe       = regexp.MustCompile(`\b20\d{2}-\d{3}\b`)

	contextualRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)sąskait[aos]+\s+nr[.:]?\s*([^\s,;]+)`),
		regexp.MustCompile(`(?i)užsakymo\s+nr[.:]?\s*([^\s,;]+)`),
		regexp.MustCompile(`(?i)\binvoice\b(?:\s+(?:no|nr|number)\.?)?\s*[:#]?\s*([^\s,;]+)`),
	}

	tokenStopwords = map[string]bool{
		"DATE": true, "DUE": true, "FROM": true, "TO": true, "ADRESAS": true, "BANKAS": true,
	}
)

const minAttachmentMatchLen = 4

type MatchConfig struct {
	SalesPrefix string
	SalesWidth  int
}

func MatchConfigFromSettings(s *models.NotificationSettings) MatchConfig {
	return MatchConfig{SalesPrefix: s.InvoiceNumberPrefix, SalesWidth: s.InvoiceNumberWidth}
}

func (c MatchConfig) salesPattern() *regexp.Regexp {
	if c.SalesPrefix == "" || c.SalesWidth <= 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(c.SalesPrefix) + `[-/_. ]?\d{` + strconv.Itoa(c.SalesWidth) + `}\b`)
}

// ExtractCandidates collects normalized number tokens from free text, in first
// seen order.
func ExtractCandidates(cfg MatchConfig, texts ...string) []string {
	explicit := []*regexp.Regexp{orderNumberRe, expeditionNumberRe, yearSeriesRe}
	if re := cfg.salesPattern(); re != nil {
		explicit = append(explicit, re)
	}

	seen := map[string]bool{}
	var out []string
	add := func(tok string) {
		if tok == "" || seen[tok] {
			return
		}
		seen[tok] = true
		out = append(out, tok)
	}
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, re := range explicit {
			for _, m := range re.FindAllString(text, -1) {
				add(normalizeNumber(m))
			}
		}
		for _, re := range contextualRes {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				add(cleanContextToken(m[1]))
			}
		}
	}
	return out
}

func normalizeNumber(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// cleanContextToken returns "" for tokens that cannot be a document number.
func cleanContextToken(tok string) string {
	tok = normalizeNumber(strings.Trim(tok, ".,:;#()[]\"'"))
	if len([]rune(tok)) < 3 || tokenStopwords[tok] {
		return ""
	}
	core := strings.NewReplacer("-", "", "/", "").Replace(tok)
	if core == "" {
		return ""
	}
	for _, r := range core {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ""
		}
	}
	return tok
}

// alnumKey keeps only letters and digits, upper-cased.
func alnumKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FilenameMatches reports whether an attachment name carries the document number.
func FilenameMatches(filename, number string) bool {
	key := alnumKey(number)
	if len(key) < minAttachmentMatchLen {
		return false
	}
	stem := strings.TrimSuffix(filename, pathExt(filename))
	return strings.Contains(alnumKey(stem), key)
}

func pathExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}

type MatchResult struct {
	Candidates       []string
	Orders           []models.Order
	Carriers         []models.OrderCarrier
	SalesInvoices    []models.SalesInvoice
	PurchaseInvoices []models.PurchaseInvoice
}

func (r *MatchResult) Empty() bool {
	return len(r.Orders) == 0 && len(r.Carriers) == 0 && len(r.SalesInvoices) == 0 && len(r.PurchaseInvoices) == 0
}

// MatchMessageTx links msg to the documents its text mentions and stamps
// matches_computed_at. Previous links are replaced.
func MatchMessageTx(tx *gorm.DB, msg *models.MailMessage, cfg MatchConfig, now time.Time) (*MatchResult, error) {
	if msg.Attachments == nil {
		if err := tx.Where("mail_message_id = ?", msg.ID).Find(&msg.Attachments).Error; err != nil {
			return nil, err
		}
	}
	texts := []string{msg.Subject, msg.BodyText}
	for _, a := range msg.Attachments {
		texts = append(texts, a.Filename, a.ExtractedText)
	}

	res := &MatchResult{Candidates: ExtractCandidates(cfg, texts...)}
	if len(res.Candidates) > 0 {
		if err := lookupCandidates(tx, res); err != nil {
			return nil, err
		}
		senderPartner, err := partnerForSender(tx, msg.SenderEmail)
		if err != nil {
			return nil, err
		}
		res.PurchaseInvoices = preferSenderPartner(res.PurchaseInvoices, senderPartner)
	}

	if err := linkAttachments(tx, msg.Attachments, res); err != nil {
		return nil, err
	}
	if err := replaceLinks(tx, msg.ID, res); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"matches_computed_at": now}
	if !res.Empty() && msg.Status == models.MailMessageStatusNew {
		updates["status"] = models.MailMessageStatusLinked
		msg.Status = models.MailMessageStatusLinked
	}
	if err := tx.Model(&models.MailMessage{}).Where("id = ?", msg.ID).UpdateColumns(updates).Error; err != nil {
		return nil, err
	}
	msg.MatchesComputedAt = &now
	return res, nil
}

func lookupCandidates(tx *gorm.DB, res *MatchResult) error {
	c := res.Candidates
	if err := tx.Where("UPPER(order_number) IN ?", c).Find(&res.Orders).Error; err != nil {
		return err
	}
	if err := tx.Where("UPPER(expedition_number) IN ?", c).Find(&res.Carriers).Error; err != nil {
		return err
	}
	if err := tx.Where("UPPER(invoice_number) IN ?", c).Find(&res.SalesInvoices).Error; err != nil {
		return err
	}
	return tx.Where("UPPER(invoice_number) IN ? OR UPPER(received_invoice_number) IN ?", c, c).
		Find(&res.PurchaseInvoices).Error
}

// partnerForSender resolves the sender to a single partner, or 0.
func partnerForSender(tx *gorm.DB, email string) (int, error) {
	email = utils.NormalizeEmail(email)
	if email == "" {
		return 0, nil
	}
	var ids []int
	if err := tx.Model(&models.Contact{}).Where("email = ?", email).Distinct().Pluck("partner_id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		if err := tx.Model(&models.Partner{}).Where("email = ?", email).Pluck("id", &ids).Error; err != nil {
			return 0, err
		}
	}
	if len(ids) != 1 {
		return 0, nil
	}
	return ids[0], nil
}

// preferSenderPartner narrows supplier numbers that several partners share
// down to the sender's own invoice.
func preferSenderPartner(invoices []models.PurchaseInvoice, partnerID int) []models.PurchaseInvoice {
	if partnerID == 0 || len(invoices) < 2 {
		return invoices
	}
	groups := map[string][]int{}
	for i, inv := range invoices {
		key := normalizeNumber(inv.ReceivedInvoiceNumber)
		if key == "" {
			key = normalizeNumber(inv.InvoiceNumber)
		}
		groups[key] = append(groups[key], i)
	}
	keep := make([]bool, len(invoices))
	for _, idx := range groups {
		own := false
		for _, i := range idx {
			if invoices[i].PartnerId == partnerID {
				own = true
			}
		}
		for _, i := range idx {
			keep[i] = !own || len(idx) == 1 || invoices[i].PartnerId == partnerID
		}
	}
	out := invoices[:0:0]
	for i, inv := range invoices {
		if keep[i] {
			out = append(out, inv)
		}
	}
	return out
}

func linkAttachments(tx *gorm.DB, attachments []models.MailAttachment, res *MatchResult) error {
	for i := range attachments {
		a := &attachments[i]
		updates := map[string]interface{}{}
		for _, inv := range res.PurchaseInvoices {
			if FilenameMatches(a.Filename, inv.ReceivedInvoiceNumber) || FilenameMatches(a.Filename, inv.InvoiceNumber) {
				id := inv.ID
				a.RelatedPurchaseInvoiceId = &id
				updates["related_purchase_invoice_id"] = id
				break
			}
		}
		for _, inv := range res.SalesInvoices {
			if FilenameMatches(a.Filename, inv.InvoiceNumber) {
				id := inv.ID
				a.RelatedSalesInvoiceId = &id
				updates["related_sales_invoice_id"] = id
				break
			}
		}
		if len(updates) == 0 || a.ID == 0 {
			continue
		}
		if err := tx.Model(&models.MailAttachment{}).Where("id = ?", a.ID).UpdateColumns(updates).Error; err != nil {
			return err
		}
	}
	return nil
}

type joinLink struct {
	table  string
	column string
	ids    []int
}

// replaceLinks rewrites the join rows directly so linked documents are not
// re-saved (and their hooks not re-run) by association upserts.
func replaceLinks(tx *gorm.DB, messageID int, res *MatchResult) error {
	links := []joinLink{
		{"mail_message_orders", "order_id", idsOf(res.Orders, func(o models.Order) int { return o.ID })},
		{"mail_message_carriers", "order_carrier_id", idsOf(res.Carriers, func(c models.OrderCarrier) int { return c.ID })},
		{"mail_message_sales_invoices", "sales_invoice_id", idsOf(res.SalesInvoices, func(s models.SalesInvoice) int { return s.ID })},
		{"mail_message_purchase_invoices", "purchase_invoice_id", idsOf(res.PurchaseInvoices, func(p models.PurchaseInvoice) int { return p.ID })},
	}
	for _, l := range links {
		if err := tx.Exec("DELETE FROM "+l.table+" WHERE mail_message_id = ?", messageID).Error; err != nil {
			return err
		}
		if len(l.ids) == 0 {
			continue
		}
		rows := make([]map[string]interface{}, 0, len(l.ids))
		for _, id := range l.ids {
			rows = append(rows, map[string]interface{}{"mail_message_id": messageID, l.column: id})
		}
		if err := tx.Table(l.table).Create(&rows).Error; err != nil {
			return err
		}
	}
	return nil
}

func idsOf[T any](items []T, id func(T) int) []int {
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, id(it))
	}
	return utils.UniqueSlice(out)
}

// Rematch recomputes the links of one stored message.
func Rematch(ctx context.Context, messageID int) (*MatchResult, error) {
	settings, err := models.GetNotificationSettings(ctx)
	if err != nil {
		return nil, err
	}
	var res *MatchResult
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg models.MailMessage
		if err := tx.Preload("Attachments").First(&msg, messageID).Error; err != nil {
			return utils.TranslateDBError(err, "mail message")
		}
		r, err := MatchMessageTx(tx, &msg, MatchConfigFromSettings(settings), time.Now())
		res = r
		return err
	})
	return res, err
}
