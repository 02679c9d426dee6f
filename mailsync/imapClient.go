package mailsync

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/mmdatafocus/tms_backend/models"
)

const imapTimeout = 30 * time.Second

type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
	StartTLS bool
}

func IMAPConfigFromSettings(s *models.NotificationSettings) IMAPConfig {
	return IMAPConfig{
		Host:     s.ImapHost,
		Port:     s.ImapPort,
		Username: s.ImapUsername,
		Password: s.ImapPassword,
		SSL:      s.ImapUseSSL,
		StartTLS: s.ImapUseStartTLS,
	}
}

func (c IMAPConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Mailbox is the part of an IMAP session the poller needs.
type Mailbox interface {
	Select(folder string) error
	// UidsAfter lists UIDs strictly greater than last.
	UidsAfter(last uint32) ([]uint32, error)
	FetchRaw(uid uint32) ([]byte, error)
	Close() error
}

type DialFunc func(ctx context.Context, cfg IMAPConfig) (Mailbox, error)

type imapMailbox struct {
	c *client.Client
}

// DialIMAP opens an authenticated session over SSL, STARTTLS or plain TCP.
func DialIMAP(ctx context.Context, cfg IMAPConfig) (Mailbox, error) {
	dialer := &net.Dialer{Timeout: imapTimeout}
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	var (
		c   *client.Client
		err error
	)
	if cfg.SSL {
		c, err = client.DialWithDialerTLS(dialer, cfg.Addr(), tlsConfig)
	} else {
		c, err = client.DialWithDialer(dialer, cfg.Addr())
	}
	if err != nil {
		return nil, err
	}
	c.Timeout = imapTimeout

	// ctx cancellation closes the connection; pending commands then fail
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	mb := &imapMailbox{c: c}
	fail := func(err error) (Mailbox, error) {
		stop()
		_ = c.Logout()
		return nil, err
	}
	if cfg.StartTLS && !cfg.SSL {
		if err := c.StartTLS(tlsConfig); err != nil {
			return fail(err)
		}
	}
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		return fail(err)
	}
	return mb, nil
}

func (m *imapMailbox) Select(folder string) error {
	_, err := m.c.Select(folder, true)
	return err
}

func (m *imapMailbox) UidsAfter(last uint32) ([]uint32, error) {
	set := new(imap.SeqSet)
	// "n:*" always includes the highest UID, even when it is below n
	set.AddRange(last+1, 0)
	criteria := imap.NewSearchCriteria()
	criteria.Uid = set
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, err
	}
	out, _ := filterUids(uids, last, 0)
	return out, nil
}

func (m *imapMailbox) FetchRaw(uid uint32) ([]byte, error) {
	set := new(imap.SeqSet)
	set.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- m.c.UidFetch(set, items, ch) }()

	raw, err := drainFetch(ch, done, func(msg *imap.Message) ([]byte, error) {
		body := msg.GetBody(section)
		if body == nil {
			return nil, nil
		}
		return io.ReadAll(body)
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("uid %d: empty body", uid)
	}
	return raw, nil
}

// drainFetch consumes every message of a fetch and then its result. The
// command only completes once ch is drained, so a read error is held until
// then; returning early would leave the connection mid-command.
func drainFetch(ch <-chan *imap.Message, done <-chan error, read func(*imap.Message) ([]byte, error)) ([]byte, error) {
	var (
		raw     []byte
		readErr error
	)
	for msg := range ch {
		if readErr != nil {
			continue
		}
		b, err := read(msg)
		if err != nil {
			readErr = err
			continue
		}
		if b != nil {
			raw = b
		}
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}
	return raw, nil
}

func (m *imapMailbox) Close() error {
	return m.c.Logout()
}

// filterUids keeps UIDs above last, newest first, at most limit (0 = all).
// skipped counts the older UIDs cut by limit.
func filterUids(uids []uint32, last uint32, limit int) (out []uint32, skipped int) {
	out = make([]uint32, 0, len(uids))
	for _, u := range uids {
		if u > last {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	if limit > 0 && len(out) > limit {
		skipped = len(out) - limit
		out = out[:limit]
	}
	return out, skipped
}
