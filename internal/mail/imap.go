package mail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomail "github.com/emersion/go-message/mail"

	"gymagent/internal/model"
)

const snippetLength = 140

// IMAPMailbox implements Mailbox over go-imap v2. Each operation opens its
// own short-lived session; message identifiers are INBOX UIDs rendered as
// decimal strings.
type IMAPMailbox struct {
	host         string
	port         string
	username     string
	password     string
	tls          bool
	lookbackDays int
}

func NewIMAPMailbox(host, port, username, password string, tls bool, lookbackDays int) *IMAPMailbox {
	return &IMAPMailbox{
		host:         host,
		port:         port,
		username:     username,
		password:     password,
		tls:          tls,
		lookbackDays: lookbackDays,
	}
}

// connect dials, authenticates and selects INBOX. The caller owns the
// returned client and must Logout.
func (m *IMAPMailbox) connect(_ context.Context) (*imapclient.Client, error) {
	addr := m.host + ":" + m.port

	var client *imapclient.Client
	var err error
	if m.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(m.username, m.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("imap login failed for %s: %w", m.username, err)
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}

	return client, nil
}

// Search returns up to maxResults UIDs of recent messages, oldest first.
// query, when non-empty, is applied as a subject substring criterion.
func (m *IMAPMailbox) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	client, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	criteria := &imap.SearchCriteria{
		Since: time.Now().AddDate(0, 0, -m.lookbackDays),
	}
	if query != "" {
		criteria.Header = []imap.SearchCriteriaHeaderField{
			{Key: "Subject", Value: query},
		}
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	// keep the most recent ones, preserving ascending (arrival) order
	if maxResults > 0 && len(uids) > maxResults {
		uids = uids[len(uids)-maxResults:]
	}

	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	return ids, nil
}

// Fetch retrieves one message snapshot by UID.
func (m *IMAPMailbox) Fetch(ctx context.Context, id string) (*model.Message, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	client, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	bodySection := &imap.FetchItemBodySection{
		Peek: true, // 不要因为抓取正文就把邮件标成已读
	}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uid), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %s not found", id)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}

	out := &model.Message{ID: id}

	if buf.Envelope != nil {
		out.ThreadID = buf.Envelope.MessageID
		out.Subject = buf.Envelope.Subject
		out.ReceivedAt = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			out.From = buf.Envelope.From[0].Addr()
		}
		if len(buf.Envelope.To) > 0 {
			out.To = buf.Envelope.To[0].Addr()
		}
	}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = time.Now()
	}

	if raw := buf.FindBodySection(bodySection); raw != nil {
		out.Body = extractTextBody(raw)
	}
	out.Snippet = makeSnippet(out.Body)

	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("closing fetch: %w", err)
	}
	return out, nil
}

// MarkRead sets the \Seen flag on the message.
func (m *IMAPMailbox) MarkRead(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	client, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	storeCmd := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	return storeCmd.Close()
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed message id %q: %w", id, err)
	}
	return imap.UID(n), nil
}

// extractTextBody parses the raw RFC 2822 body and prefers text/plain,
// falling back to text/html, then to the raw bytes.
func extractTextBody(raw []byte) string {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	defer mr.Close()

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			return string(body)
		case strings.HasPrefix(contentType, "text/html"):
			htmlBody = string(body)
		}
	}

	if htmlBody != "" {
		return htmlBody
	}
	return string(raw)
}

func makeSnippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if len(s) > snippetLength {
		return s[:snippetLength]
	}
	return s
}
