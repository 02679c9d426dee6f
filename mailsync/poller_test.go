package mailsync_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/internal/testenv"
	"github.com/mmdatafocus/tms_backend/mailsync"
	"github.com/mmdatafocus/tms_backend/models"
	"github.com/mmdatafocus/tms_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailbox struct {
	messages map[uint32][]byte
	selected string
}

func (f *fakeMailbox) Select(folder string) error {
	f.selected = folder
	return nil
}

func (f *fakeMailbox) UidsAfter(last uint32) ([]uint32, error) {
	var out []uint32
	for uid := range f.messages {
		if uid > last {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeMailbox) FetchRaw(uid uint32) ([]byte, error) {
	raw, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("no uid %d", uid)
	}
	return raw, nil
}

func (f *fakeMailbox) Close() error { return nil }

func carrierMail(id, from, subject, body string) []byte {
	return []byte(strings.Join([]string{
		"From: " + from,
		"To: ops@tms.lt",
		"Subject: " + subject,
		"Message-ID: <" + id + ">",
		"Date: Mon, 02 Sep 2024 10:00:00 +0300",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
		"",
	}, "\r\n"))
}

func TestSyncOnce_StoresDedupesAndLinks(t *testing.T) {
	testenv.Setup(t)
	ctx := context.Background()
	utils.SetFileStorage(utils.NewLocalStorage(t.TempDir()))

	settings, err := models.GetNotificationSettings(ctx)
	require.NoError(t, err)
	settings.ImapEnabled = true
	settings.ImapHost = "imap.test.lt"
	require.NoError(t, models.SaveNotificationSettings(ctx, settings))

	client := &models.Partner{Name: "Client UAB", IsClient: true}
	require.NoError(t, models.CreatePartner(ctx, client))
	order := &models.Order{ClientId: client.ID, OrderDate: time.Now(), PriceNet: decimal.NewFromInt(100)}
	require.NoError(t, models.CreateOrder(ctx, order))

	box := &fakeMailbox{messages: map[uint32][]byte{
		3: carrierMail("m5@carrier.lt", "ops@carrier.lt", "Fwd: dup", "same message id"),
		4: carrierMail("m4@shop.lt", "newsletter@shop.lt", "Big sale", "Click to unsubscribe"),
		5: carrierMail("m5@carrier.lt", "ops@carrier.lt", "Del "+order.OrderNumber, "Krovinys pakrautas."),
	}}
	storage, err := utils.GetFileStorage(ctx)
	require.NoError(t, err)
	poller := mailsync.NewPoller(storage)
	poller.Dial = func(ctx context.Context, cfg mailsync.IMAPConfig) (mailsync.Mailbox, error) {
		assert.Equal(t, "imap.test.lt", cfg.Host)
		return box, nil
	}

	// uids are processed newest first, so 3 is the duplicate of 5
	res, err := poller.SyncOnce(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "INBOX", box.selected)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Promotional)
	assert.Equal(t, 1, res.Linked)
	assert.Equal(t, uint32(5), res.LastUid)
	assert.Zero(t, res.Skipped)

	db := config.GetDB()
	var state models.MailSyncState
	require.NoError(t, db.Where("folder = ?", "INBOX").First(&state).Error)
	assert.Equal(t, "5", state.LastUid)
	assert.Equal(t, models.MailSyncStatusOK, state.Status)
	assert.Nil(t, state.LockedBy)

	var linked models.MailMessage
	require.NoError(t, db.Preload("MatchedOrders").Where("message_id = ?", "m5@carrier.lt").First(&linked).Error)
	assert.Equal(t, models.MailMessageStatusLinked, linked.Status)
	require.Len(t, linked.MatchedOrders, 1)
	assert.Equal(t, order.ID, linked.MatchedOrders[0].ID)
	assert.NotNil(t, linked.MatchesComputedAt)

	// nothing above the cursor: no new rows
	res, err = poller.SyncOnce(ctx, "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
}

func TestSyncOnce_BacklogPastLimitIsCounted(t *testing.T) {
	testenv.Setup(t)
	ctx := context.Background()

	settings, err := models.GetNotificationSettings(ctx)
	require.NoError(t, err)
	settings.ImapEnabled = true
	settings.ImapHost = "imap.test.lt"
	require.NoError(t, models.SaveNotificationSettings(ctx, settings))

	box := &fakeMailbox{messages: map[uint32][]byte{
		21: carrierMail("b21@carrier.lt", "ops@carrier.lt", "one", "first"),
		22: carrierMail("b22@carrier.lt", "ops@carrier.lt", "two", "second"),
		23: carrierMail("b23@carrier.lt", "ops@carrier.lt", "three", "third"),
	}}
	poller := mailsync.NewPoller(utils.NewLocalStorage(t.TempDir()))
	poller.Dial = func(ctx context.Context, cfg mailsync.IMAPConfig) (mailsync.Mailbox, error) {
		return box, nil
	}

	res, err := poller.SyncOnce(ctx, "Backlog", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, uint32(23), res.LastUid)

	// the cursor is past the skipped uids
	res, err = poller.SyncOnce(ctx, "Backlog", 1)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.Zero(t, res.Skipped)
}

func TestSyncOnce_ConnectFailureKeepsCursor(t *testing.T) {
	testenv.Setup(t)
	ctx := context.Background()

	settings, err := models.GetNotificationSettings(ctx)
	require.NoError(t, err)
	settings.ImapEnabled = true
	settings.ImapHost = "imap.test.lt"
	require.NoError(t, models.SaveNotificationSettings(ctx, settings))

	poller := mailsync.NewPoller(utils.NewLocalStorage(t.TempDir()))
	poller.Dial = func(ctx context.Context, cfg mailsync.IMAPConfig) (mailsync.Mailbox, error) {
		return nil, fmt.Errorf("connection refused")
	}
	_, err = poller.SyncOnce(ctx, "INBOX", 5)
	require.Error(t, err)
	assert.Equal(t, utils.KindDependencyFailure, utils.KindOf(err))

	var state models.MailSyncState
	require.NoError(t, config.GetDB().Where("folder = ?", "INBOX").First(&state).Error)
	assert.Equal(t, "", state.LastUid)
	assert.True(t, strings.HasPrefix(state.Status, models.MailSyncStatusErrorPrefix))
}
