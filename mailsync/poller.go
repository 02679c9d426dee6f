package mailsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const (
	moduleName      = "MailSync"
	claimStaleAfter = 10 * time.Minute
	lockTTL         = 15 * time.Minute
)

var tracer = otel.Tracer("tms-mailsync")

type SyncResult struct {
	Folder      string `json:"folder"`
	Fetched     int    `json:"fetched"`
	Stored      int    `json:"stored"`
	Duplicates  int    `json:"duplicates"`
	Blocked     int    `json:"blocked"`
	Promotional int    `json:"promotional"`
	Linked      int    `json:"linked"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	LastUid     uint32 `json:"last_uid"`
}

// Poller pulls new messages of one mailbox into the mail store.
type Poller struct {
	Dial    DialFunc
	Storage utils.FileStorage
	Owner   string
	Now     func() time.Time
}

func NewPoller(storage utils.FileStorage) *Poller {
	return &Poller{
		Dial:    DialIMAP,
		Storage: storage,
		Owner:   "mailsync-" + uuid.NewString(),
		Now:     time.Now,
	}
}

// SyncOnce fetches messages above the folder cursor, newest first, at most limit.
// folder and limit fall back to the IMAP settings.
func (p *Poller) SyncOnce(ctx context.Context, folder string, limit int) (*SyncResult, error) {
	settings, err := models.GetNotificationSettings(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.ImapEnabled || settings.ImapHost == "" {
		return nil, utils.PolicyBlocked("IMAP is not configured")
	}
	if folder = strings.TrimSpace(folder); folder == "" {
		folder = settings.ImapFolder
	}
	if limit <= 0 {
		limit = settings.ImapSyncLimit
	}

	ctx, span := tracer.Start(ctx, "mailsync.SyncOnce")
	span.SetAttributes(attribute.String("mail.folder", folder), attribute.Int("mail.limit", limit))
	defer span.End()

	release, err := utils.ObtainLock(ctx, "mail_sync", folder, lockTTL, moduleName, "SyncOnce")
	if errors.Is(err, utils.ErrLockNotObtained) {
		return nil, utils.PolicyBlocked("sync of %s already running", folder)
	} else if err != nil {
		return nil, err
	}
	defer release()

	state, err := models.ClaimMailSyncState(ctx, folder, p.Owner, claimStaleAfter)
	if err != nil {
		return nil, err
	}

	res, syncErr := p.run(ctx, settings, folder, parseUid(state.LastUid), limit)
	lastUid := ""
	if res.LastUid > 0 {
		lastUid = strconv.FormatUint(uint64(res.LastUid), 10)
	}
	// a fresh context so a cancelled run still frees the claim
	if err := models.ReleaseMailSyncState(context.WithoutCancel(ctx), folder, p.Owner, lastUid, syncErr); err != nil {
		config.LogError(config.GetLogger(), moduleName, "SyncOnce", "releasing sync state", folder, err)
	}
	if syncErr != nil {
		span.RecordError(syncErr)
		config.LogError(config.GetLogger(), moduleName, "SyncOnce", "sync failed", res, syncErr)
		return res, syncErr
	}

	if err := models.Log(ctx, models.LogEntry{
		ActionType:  models.ActionMailSynced,
		Description: fmt.Sprintf("Mailbox %s synced: %d new message(s)", folder, res.Stored),
		ActorName:   "system",
		EntityType:  models.EntityTypeMailMessage,
		Metadata: map[string]any{
			"folder":      folder,
			"fetched":     res.Fetched,
			"stored":      res.Stored,
			"duplicates":  res.Duplicates,
			"blocked":     res.Blocked,
			"promotional": res.Promotional,
			"linked":      res.Linked,
			"failed":      res.Failed,
			"skipped":     res.Skipped,
			"last_uid":    res.LastUid,
		},
	}); err != nil {
		config.LogError(config.GetLogger(), moduleName, "SyncOnce", "writing activity log", folder, err)
	}
	config.LogInfo(config.GetLogger(), moduleName, "SyncOnce", "mailbox synced", logrus.Fields{
		"folder": folder, "stored": res.Stored, "duplicates": res.Duplicates, "failed": res.Failed,
		"skipped": res.Skipped,
	})
	return res, nil
}

func parseUid(s string) uint32 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// run returns the highest UID seen in res.LastUid; the caller persists it only
// when err is nil.
func (p *Poller) run(ctx context.Context, settings *models.NotificationSettings, folder string, last uint32, limit int) (*SyncResult, error) {
	res := &SyncResult{Folder: folder, LastUid: last}

	mb, err := p.Dial(ctx, IMAPConfigFromSettings(settings))
	if err != nil {
		return res, utils.DependencyFailure(err, "imap connect %s", settings.ImapHost)
	}
	defer func() {
		if err := mb.Close(); err != nil {
			config.LogError(config.GetLogger(), moduleName, "run", "imap logout", folder, err)
		}
	}()
	if err := mb.Select(folder); err != nil {
		return res, utils.DependencyFailure(err, "imap select %s", folder)
	}
	all, err := mb.UidsAfter(last)
	if err != nil {
		return res, utils.DependencyFailure(err, "imap search %s", folder)
	}
	uids, skipped := filterUids(all, last, limit)
	res.Skipped = skipped
	if skipped > 0 {
		// the cursor moves past these; they are not fetched later
		config.GetLogger().WithFields(logrus.Fields{
			"module":  moduleName,
			"folder":  folder,
			"limit":   limit,
			"skipped": skipped,
		}).Warn("mail backlog exceeds limit; older uids skipped")
	}
	cfg := MatchConfigFromSettings(settings)

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, err := mb.FetchRaw(uid)
		if err != nil {
			return res, utils.DependencyFailure(err, "imap fetch uid %d", uid)
		}
		res.Fetched++
		if uid > res.LastUid {
			res.LastUid = uid
		}

		outcome, err := p.ingest(ctx, folder, uid, raw, cfg)
		if err != nil {
			// a broken message must not block the mailbox
			res.Failed++
			config.LogError(config.GetLogger(), moduleName, "run", "ingesting message", logrus.Fields{"folder": folder, "uid": uid}, err)
			continue
		}
		switch {
		case outcome.duplicate:
			res.Duplicates++
		case outcome.blocked:
			res.Blocked++
		default:
			res.Stored++
			if outcome.promotional {
				res.Promotional++
			}
			if outcome.linked {
				res.Linked++
			}
		}
	}
	return res, nil
}

type ingestOutcome struct {
	duplicate   bool
	blocked     bool
	promotional bool
	linked      bool
}

// ingest parses, stores and matches one message; each message commits on its own.
func (p *Poller) ingest(ctx context.Context, folder string, uid uint32, raw []byte, cfg MatchConfig) (ingestOutcome, error) {
	var out ingestOutcome
	parsed, err := ParseMessage(raw)
	if err != nil {
		return out, utils.DataError(err, "parse uid %d", uid)
	}

	db := config.GetDB().WithContext(ctx)
	dup, err := models.MailMessageExists(db, parsed.MessageID, folder, int64(uid))
	if err != nil {
		return out, err
	}
	if dup {
		out.duplicate = true
		return out, nil
	}

	blocked, err := models.IsBlockedSender(db, parsed.FromEmail)
	if err != nil {
		return out, err
	}
	if blocked {
		out.blocked = true
		return out, nil
	}

	trusted, err := models.IsTrustedSender(db, parsed.FromEmail)
	if err != nil {
		return out, err
	}
	promoDomain, err := models.IsPromotionalDomain(db, utils.EmailDomain(parsed.FromEmail))
	if err != nil {
		return out, err
	}

	msg := models.MailMessage{
		Folder:      folder,
		Uid:         int64(uid),
		MessageId:   utils.NilIfEmpty(parsed.MessageID),
		Subject:     parsed.Subject,
		SenderName:  parsed.FromName,
		SenderEmail: parsed.FromEmail,
		Recipients:  strings.Join(parsed.To, ", "),
		Cc:          strings.Join(parsed.Cc, ", "),
		Date:        parsed.Date,
		BodyText:    parsed.Text,
		BodyHtml:    SanitizeHTML(parsed.HTML),
		Status:      models.MailMessageStatusNew,
	}
	msg.IsPromotional = IsPromotional(ClassifyInput{
		SenderEmail:       parsed.FromEmail,
		Subject:           parsed.Subject,
		Body:              parsed.Text,
		Headers:           parsed.Headers,
		Trusted:           trusted,
		PromotionalDomain: promoDomain,
	})
	out.promotional = msg.IsPromotional

	dir := AttachmentDir(parsed.MessageID, folder, uid)
	for i, a := range parsed.Attachments {
		att, err := p.storeAttachment(ctx, AttachmentKey(dir, i, a.Filename), a)
		if err != nil {
			return out, err
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		res, err := MatchMessageTx(tx, &msg, cfg, p.Now().UTC())
		if err != nil {
			return err
		}
		if res.Empty() {
			return nil
		}
		out.linked = true
		return models.AddOutboxEvent(tx, models.EventMailReceived, models.EntityTypeMailMessage, msg.ID, map[string]any{
			"sender":            msg.SenderEmail,
			"orders":            len(res.Orders),
			"carriers":          len(res.Carriers),
			"sales_invoices":    len(res.SalesInvoices),
			"purchase_invoices": len(res.PurchaseInvoices),
		})
	})
	if err != nil {
		if utils.IsDuplicateKeyErr(err) {
			// another worker stored it between the check and the insert
			out = ingestOutcome{duplicate: true}
			return out, nil
		}
		return out, err
	}
	return out, nil
}

func (p *Poller) storeAttachment(ctx context.Context, key string, a ParsedAttachment) (models.MailAttachment, error) {
	if err := p.Storage.Save(ctx, key, bytes.NewReader(a.Data), a.ContentType); err != nil {
		return models.MailAttachment{}, utils.DependencyFailure(err, "store attachment %s", key)
	}
	att := models.MailAttachment{
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        int64(len(a.Data)),
		StorageKey:  key,
	}
	if a.IsPDF() {
		text, err := ExtractPDFText(a.Data)
		if err != nil {
			config.LogError(config.GetLogger(), moduleName, "storeAttachment", "pdf text extraction", key, err)
		}
		att.ExtractedText = text
	}
	return att, nil
}

// AttachmentKey prefixes the part position so two attachments sharing a
// filename in one message keep separate objects.
func AttachmentKey(dir string, index int, filename string) string {
	return fmt.Sprintf("%s/%d_%s", dir, index+1, filename)
}

// AttachmentDir is mail_attachments/{message id}; messages without a
// Message-ID use folder and uid instead.
func AttachmentDir(messageID, folder string, uid uint32) string {
	id := strings.Trim(messageID, "<> ")
	if id == "" {
		id = fmt.Sprintf("%s-%d", folder, uid)
	}
	return "mail_attachments/" + unsafeFilenameChars.ReplaceAllString(id, "_")
}
