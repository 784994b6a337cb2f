// Package imapprovider implements the IMAP/SMTP side of the provider
// abstraction: folder discovery by regex over LIST responses, a
// selected-folder shadow to skip redundant SELECTs, multi-folder fetch
// with per-folder isolation, KEYWORD-based label writes with a
// read-only fallback, and a charset-fallback body decoder.
package imapprovider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	emmail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"golang.org/x/text/encoding/charmap"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
	"mailsync/pkg/logger"
)

// Config configures one account's IMAP/SMTP provider instance.
type Config struct {
	Host          string
	Port          int
	UseSSL        bool
	Email         string
	KeywordPrefix string // default "$"

	SMTPHost     string
	SMTPPort     int
	SMTPUseTLS   bool // STARTTLS when port isn't 465
	SMTPUsername string
}

func (c Config) keywordPrefix() string {
	if c.KeywordPrefix == "" {
		return "$"
	}
	return c.KeywordPrefix
}

// Provider implements out.Provider over one IMAP connection plus SMTP for
// sending. All IMAP calls are serialized through mu: go-imap's Client is
// not safe for concurrent use.
type Provider struct {
	accountID string
	cfg       Config
	cred      out.CredentialLoader
	log       *logger.Logger

	mu               sync.Mutex
	client           *imapclient.Client
	currentFolder    string
	folderMapping    map[string]string // logical -> actual
	supportsKeywords bool
}

func New(accountID string, cfg Config, cred out.CredentialLoader, log *logger.Logger) *Provider {
	return &Provider{accountID: accountID, cfg: cfg, cred: cred, log: log}
}

func (p *Provider) AccountID() string { return p.accountID }

// connect dials, authenticates and checks the KEYWORD capability. Callers
// must hold mu.
func (p *Provider) connect(ctx context.Context) error {
	if p.client != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	var c *imapclient.Client
	var err error
	if p.cfg.UseSSL {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.Dial(addr)
	}
	if err != nil {
		return apperr.TransportError("imap_connect", err)
	}

	password, err := p.cred.LoadPassword(ctx, p.accountID)
	if err != nil {
		_ = c.Logout()
		return err
	}
	if err := c.Login(p.cfg.Email, password); err != nil {
		_ = c.Logout()
		return apperr.AuthenticationError("imap", err)
	}

	caps, err := c.Capability()
	if err == nil {
		p.supportsKeywords = caps["KEYWORD"]
	}

	p.client = c
	p.currentFolder = ""
	if p.folderMapping == nil {
		mapping, ferr := p.discoverFolderMapping()
		if ferr != nil {
			p.log.WithField("account_id", p.accountID).WithError(ferr).Warn("imapprovider: folder discovery failed")
			mapping = map[string]string{"inbox": "INBOX"}
		}
		p.folderMapping = mapping
	}
	return nil
}

// Close logs out and drops the connection. Safe to call repeatedly.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Logout()
	p.client = nil
	p.currentFolder = ""
	return err
}

// Ping is a lightweight health probe for the Connection Pool; not part of
// out.Provider, type-asserted by the pool's HealthCheck.
func (p *Provider) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(ctx); err != nil {
		return err
	}
	if err := p.client.Noop(); err != nil {
		_ = p.client.Logout()
		p.client = nil
		return apperr.TransportError("imap_noop", err)
	}
	return nil
}

// --- Folder discovery ---
//
// go-imap's client.List already parses each LIST response into a
// MailboxInfo, so discovery only needs the logical-name regexes below
// (the original implementation this is grounded on parses raw LIST
// lines itself because it talks to the wire directly).

var sentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^INBOX\.Sent$`),
	regexp.MustCompile(`(?i)^Sent$`),
	regexp.MustCompile(`(?i)^Sent Items$`),
	regexp.MustCompile(`(?i)^Sent Mail$`),
	regexp.MustCompile(`(?i)^Sent Messages$`),
	regexp.MustCompile(`(?i)\[Gmail\]/Sent Mail`),
}
var trashPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^INBOX\.Trash$`),
	regexp.MustCompile(`(?i)^Trash$`),
	regexp.MustCompile(`(?i)^Deleted Items$`),
	regexp.MustCompile(`(?i)^Deleted Messages$`),
	regexp.MustCompile(`(?i)^Deleted$`),
	regexp.MustCompile(`(?i)\[Gmail\]/Trash`),
}
var draftsPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^INBOX\.Drafts?$`),
	regexp.MustCompile(`(?i)^Drafts?$`),
}
var archivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^Archive$`),
	regexp.MustCompile(`(?i)^All Mail$`),
	regexp.MustCompile(`(?i)\[Gmail\]/All Mail`),
}

// discoverFolderMapping lists the server's mailboxes and matches them
// against known naming conventions for inbox/sent/trash/drafts/archive.
// Callers must hold mu and have a connected client.
func (p *Provider) discoverFolderMapping() (map[string]string, error) {
	ch := make(chan *imap.MailboxInfo, 16)
	var listErr error
	done := make(chan struct{})
	go func() {
		listErr = p.client.List("", "*", ch)
		close(done)
	}()
	var folders []string
	for info := range ch {
		folders = append(folders, info.Name)
	}
	<-done
	if listErr != nil {
		return nil, apperr.ProtocolError("imap_list", listErr)
	}

	mapping := map[string]string{}
	for _, f := range folders {
		if strings.EqualFold(f, "INBOX") {
			mapping["inbox"] = f
		}
	}
	if _, ok := mapping["inbox"]; !ok {
		mapping["inbox"] = "INBOX"
	}
	matchFirst := func(key string, patterns []*regexp.Regexp) {
		for _, pattern := range patterns {
			for _, f := range folders {
				if pattern.MatchString(f) {
					mapping[key] = f
					return
				}
			}
		}
	}
	matchFirst("sent", sentPatterns)
	matchFirst("trash", trashPatterns)
	matchFirst("drafts", draftsPatterns)
	matchFirst("archive", archivePatterns)
	return mapping, nil
}

func normalizeFolderName(imapFolder string) domain.LogicalFolder {
	lower := strings.ToLower(imapFolder)
	switch {
	case lower == "inbox":
		return domain.FolderInbox
	case strings.HasPrefix(lower, "inbox.sent") || strings.HasPrefix(lower, "sent") ||
		lower == "sent items" || lower == "sent mail" || lower == "sent messages":
		return domain.FolderSent
	case strings.HasPrefix(lower, "inbox.draft") || strings.HasPrefix(lower, "draft"):
		return domain.FolderDrafts
	case strings.HasPrefix(lower, "inbox.trash") || lower == "trash" ||
		lower == "deleted items" || lower == "deleted messages" || lower == "deleted":
		return domain.FolderTrash
	case lower == "archive" || lower == "all mail":
		return domain.FolderArchive
	default:
		return domain.LogicalFolder(imapFolder)
	}
}

// selectFolder avoids a round trip if the shadowed current folder already
// matches. Callers must hold mu and have a connected client.
func (p *Provider) selectFolder(name string) error {
	if p.currentFolder == name {
		return nil
	}
	if _, err := p.client.Select(name, false); err != nil {
		return apperr.ProtocolError("imap_select", err)
	}
	p.currentFolder = name
	return nil
}

func parseMessageID(id string) (folder string, uid uint32, err error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 {
		return "", 0, apperr.ProtocolError("parse_message_id", fmt.Errorf("malformed id %q", id))
	}
	n, perr := strconv.ParseUint(parts[2], 10, 32)
	if perr != nil {
		return "", 0, apperr.ProtocolError("parse_message_id", perr)
	}
	return parts[1], uint32(n), nil
}

func (p *Provider) messageID(folder string, uid uint32) string {
	return fmt.Sprintf("%s:%s:%d", p.accountID, folder, uid)
}

// --- Fetch ---

// FetchSince fetches from inbox, sent and trash, dividing max roughly
// evenly across them, merges the results, sorts by date descending and
// truncates to max.
func (p *Provider) FetchSince(ctx context.Context, cursor string, max int) (*out.FetchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 100
	}

	var since time.Time
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339, cursor); err == nil {
			since = t
		}
	}

	var folders []string
	for _, logical := range []string{"inbox", "sent", "trash"} {
		if f, ok := p.folderMapping[logical]; ok {
			folders = append(folders, f)
		}
	}
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}
	perFolder := max / len(folders)
	if perFolder < 10 {
		perFolder = 10
	}

	var allMessages []*domain.Message
	attachments := make(map[string][]*domain.Attachment)
	for _, folder := range folders {
		msgs, atts, err := p.fetchFromFolder(folder, since, perFolder)
		if err != nil {
			p.log.WithField("folder", folder).WithError(err).Warn("imapprovider: folder fetch failed, skipping")
			continue
		}
		allMessages = append(allMessages, msgs...)
		for id, a := range atts {
			attachments[id] = a
		}
	}

	sort.Slice(allMessages, func(i, j int) bool { return allMessages[i].Date.After(allMessages[j].Date) })
	if len(allMessages) > max {
		allMessages = allMessages[:max]
	}

	return &out.FetchResult{
		Messages:    allMessages,
		Attachments: attachments,
		NextCursor:  time.Now().UTC().Format(time.RFC3339),
		HasMore:     false,
	}, nil
}

// fetchFromFolder selects folder, searches SINCE (or ALL), fetches the
// most recent limit messages full-body and parses each. Callers must
// hold mu.
func (p *Provider) fetchFromFolder(folder string, since time.Time, limit int) ([]*domain.Message, map[string][]*domain.Attachment, error) {
	if err := p.selectFolder(folder); err != nil {
		return nil, nil, err
	}

	criteria := imap.NewSearchCriteria()
	if !since.IsZero() {
		criteria.Since = since
	}
	uids, err := p.client.UidSearch(criteria)
	if err != nil {
		return nil, nil, apperr.ProtocolError("imap_search", err)
	}
	if len(uids) == 0 {
		return nil, nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	var section imap.BodySectionName
	section.Peek = true
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	fetchErr := make(chan error, 1)
	go func() { fetchErr <- p.client.UidFetch(seqset, items, ch) }()

	var messages []*domain.Message
	attachments := make(map[string][]*domain.Attachment)
	logicalFolder := normalizeFolderName(folder)
	for msg := range ch {
		raw := msg.GetBody(&section)
		if raw == nil {
			continue
		}
		body, rerr := io.ReadAll(raw)
		if rerr != nil {
			continue
		}
		parsed, atts, perr := parseRawMessage(body)
		if perr != nil {
			p.log.WithField("uid", msg.Uid).WithError(perr).Warn("imapprovider: failed to parse message")
			continue
		}
		id := p.messageID(folder, msg.Uid)
		parsed.ID = id
		parsed.AccountID = p.accountID
		parsed.Folder = logicalFolder
		parsed.ProviderFolder = folder
		parsed.IsUnread = !hasFlag(msg.Flags, imap.SeenFlag)
		parsed.ProviderLabels = keywordTags(msg.Flags, p.cfg.keywordPrefix())
		if !msg.InternalDate.IsZero() {
			parsed.Date = msg.InternalDate.Local()
		}
		parsed.HasAttachments = len(atts) > 0
		messages = append(messages, parsed)
		if len(atts) > 0 {
			for i := range atts {
				atts[i].ID = id + ":" + strconv.Itoa(i)
			}
			attachments[id] = atts
		}
	}
	if err := <-fetchErr; err != nil {
		return nil, nil, apperr.ProtocolError("imap_fetch", err)
	}
	return messages, attachments, nil
}

func hasFlag(flags []string, target string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, target) {
			return true
		}
	}
	return false
}

func keywordTags(flags []string, prefix string) []string {
	var tags []string
	for _, f := range flags {
		if strings.HasPrefix(f, prefix) {
			tags = append(tags, strings.TrimPrefix(f, prefix))
		}
	}
	return tags
}

// --- MIME parsing with charset fallback ---

var htmlTagPattern = regexp.MustCompile(`<[^>]+>`)

func parseRawMessage(raw []byte) (*domain.Message, []*domain.Attachment, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && entity == nil {
		return nil, nil, apperr.ProtocolError("imap_parse_mime", err)
	}

	m := &domain.Message{}
	header := emmail.Header{Header: entity.Header}
	if subject, serr := header.Subject(); serr == nil {
		m.Subject = subject
	}
	if addrs, aerr := header.AddressList("From"); aerr == nil && len(addrs) > 0 {
		m.From = addrs[0].Address
	}
	if addrs, aerr := header.AddressList("To"); aerr == nil {
		for _, a := range addrs {
			m.To = append(m.To, a.Address)
		}
	}
	if date, derr := header.Date(); derr == nil {
		m.Date = date.Local()
	}
	if msgID := entity.Header.Get("Message-Id"); msgID != "" {
		m.ThreadID = msgID
	}

	text, html, attachments := walkMIME(entity)
	if text == "" && html != "" {
		text = htmlTagPattern.ReplaceAllString(html, "")
	}
	if text != "" {
		m.PlaintextBody = &text
	}
	if html != "" {
		m.HTMLBody = &html
	}
	snippet := text
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	m.Snippet = snippet

	return m, attachments, nil
}

func walkMIME(e *message.Entity) (text, html string, attachments []*domain.Attachment) {
	mediaType, params, _ := e.Header.ContentType()

	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			pt, ph, patt := walkMIME(part)
			if text == "" {
				text = pt
			}
			if html == "" {
				html = ph
			}
			attachments = append(attachments, patt...)
		}
		return text, html, attachments
	}

	disposition, dparams, _ := e.Header.ContentDisposition()
	filename := dparams["filename"]
	if filename == "" {
		filename = params["name"]
	}
	raw, _ := io.ReadAll(e.Body)

	if strings.EqualFold(disposition, "attachment") ||
		(filename != "" && mediaType != "text/plain" && mediaType != "text/html") {
		attachments = append(attachments, &domain.Attachment{
			Filename:  filename,
			MIMEType:  mediaType,
			SizeBytes: int64(len(raw)),
			Payload:   raw,
		})
		return text, html, attachments
	}

	decoded := decodeWithFallback(raw)
	switch mediaType {
	case "text/html":
		html = decoded
	default:
		text = decoded
	}
	return text, html, attachments
}

// decodeWithFallback mirrors the original provider's decode chain:
// UTF-8 if valid, else Latin-1 (never fails), else Windows-1252, else
// UTF-8 with replacement as a final backstop.
func decodeWithFallback(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	if decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw); err == nil {
		return string(decoded)
	}
	return strings.ToValidUTF8(string(raw), "�")
}

// --- Mutation operations ---

func (p *Provider) withConn(ctx context.Context, fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(ctx); err != nil {
		return err
	}
	return fn()
}

func (p *Provider) storeFlags(folder string, uid uint32, op imap.FlagsOp, flags ...string) error {
	if err := p.selectFolder(folder); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(op, true)
	return p.client.UidStore(seqset, item, flagsToInterface(flags), nil)
}

func flagsToInterface(flags []string) []interface{} {
	vals := make([]interface{}, len(flags))
	for i, f := range flags {
		vals[i] = f
	}
	return vals
}

func (p *Provider) MarkRead(ctx context.Context, providerMessageID string) error {
	folder, uid, err := parseMessageID(providerMessageID)
	if err != nil {
		return err
	}
	return p.withConn(ctx, func() error {
		if err := p.storeFlags(folder, uid, imap.AddFlags, imap.SeenFlag); err != nil {
			return apperr.ProtocolError("imap_mark_read", err)
		}
		return nil
	})
}

func (p *Provider) MarkUnread(ctx context.Context, providerMessageID string) error {
	folder, uid, err := parseMessageID(providerMessageID)
	if err != nil {
		return err
	}
	return p.withConn(ctx, func() error {
		if err := p.storeFlags(folder, uid, imap.RemoveFlags, imap.SeenFlag); err != nil {
			return apperr.ProtocolError("imap_mark_unread", err)
		}
		return nil
	})
}

// Trash copies the message into the discovered trash folder, marks the
// source \Deleted and expunges; with no trash folder it escalates to a
// permanent delete.
func (p *Provider) Trash(ctx context.Context, providerMessageID string) error {
	folder, uid, err := parseMessageID(providerMessageID)
	if err != nil {
		return err
	}
	return p.withConn(ctx, func() error {
		trashFolder, ok := p.folderMapping["trash"]
		if !ok {
			p.log.WithField("account_id", p.accountID).Warn("imapprovider: no trash folder discovered, deleting permanently")
			return p.deletePermanent(folder, uid)
		}
		if err := p.selectFolder(folder); err != nil {
			return err
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		if err := p.client.UidCopy(seqset, trashFolder); err != nil {
			return apperr.ProtocolError("imap_copy_trash", err)
		}
		if err := p.storeFlags(folder, uid, imap.AddFlags, imap.DeletedFlag); err != nil {
			return apperr.ProtocolError("imap_mark_deleted", err)
		}
		if err := p.client.Expunge(nil); err != nil {
			return apperr.ProtocolError("imap_expunge", err)
		}
		return nil
	})
}

func (p *Provider) deletePermanent(folder string, uid uint32) error {
	if err := p.storeFlags(folder, uid, imap.AddFlags, imap.DeletedFlag); err != nil {
		return apperr.ProtocolError("imap_mark_deleted", err)
	}
	if err := p.client.Expunge(nil); err != nil {
		return apperr.ProtocolError("imap_expunge", err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, providerMessageID string) error {
	folder, uid, err := parseMessageID(providerMessageID)
	if err != nil {
		return err
	}
	return p.withConn(ctx, func() error { return p.deletePermanent(folder, uid) })
}

// Restore copies a message out of Trash toward the inbox — the original
// implementation this is grounded on defaults to inbox too, since the
// IMAP provider itself has no durable record of a message's pre-trash
// folder; the Store's original_folder column exists for callers that
// need that detail.
func (p *Provider) Restore(ctx context.Context, providerMessageID string) error {
	folder, uid, err := parseMessageID(providerMessageID)
	if err != nil {
		return err
	}
	return p.withConn(ctx, func() error {
		target, ok := p.folderMapping["inbox"]
		if !ok {
			target = "INBOX"
		}
		if err := p.selectFolder(folder); err != nil {
			return err
		}
		seqset := new(imap.SeqSet)
		seqset.AddNum(uid)
		if err := p.client.UidCopy(seqset, target); err != nil {
			return apperr.ProtocolError("imap_copy_restore", err)
		}
		if err := p.storeFlags(folder, uid, imap.AddFlags, imap.DeletedFlag); err != nil {
			return apperr.ProtocolError("imap_mark_deleted", err)
		}
		return p.client.Expunge(nil)
	})
}

// ApplyLabelDelta writes IMAP keywords when the server advertises the
// KEYWORD capability; otherwise it is a silent no-op (read-only mode),
// logged but not an error.
func (p *Provider) ApplyLabelDelta(ctx context.Context, providerMessageID string, add, remove []string) error {
	if !p.supportsKeywords {
		p.log.WithField("message_id", providerMessageID).Debug("imapprovider: KEYWORD not supported, dropping label write")
		return nil
	}
	folder, uid, err := parseMessageID(providerMessageID)
	if err != nil {
		return err
	}
	prefix := p.cfg.keywordPrefix()
	return p.withConn(ctx, func() error {
		if len(add) > 0 {
			keywords := make([]string, len(add))
			for i, a := range add {
				keywords[i] = prefix + a
			}
			if err := p.storeFlags(folder, uid, imap.AddFlags, keywords...); err != nil {
				return apperr.ProtocolError("imap_add_keywords", err)
			}
		}
		if len(remove) > 0 {
			keywords := make([]string, len(remove))
			for i, r := range remove {
				keywords[i] = prefix + r
			}
			if err := p.storeFlags(folder, uid, imap.RemoveFlags, keywords...); err != nil {
				return apperr.ProtocolError("imap_remove_keywords", err)
			}
		}
		return nil
	})
}

// --- Sending ---

// Send builds an RFC 2822 message and submits it over SMTP, selecting
// implicit TLS for port 465 or STARTTLS otherwise, with 3 attempts and
// 1s/2s/4s backoff; it then best-effort appends the sent copy to the
// discovered Sent folder with \Seen set.
func (p *Provider) Send(ctx context.Context, draft *domain.Draft, attachments []*domain.Attachment) error {
	password, err := p.cred.LoadPassword(ctx, p.accountID)
	if err != nil {
		return err
	}
	username := p.cfg.SMTPUsername
	if username == "" {
		username = p.cfg.Email
	}

	raw := buildRawMIME(p.cfg.Email, draft, attachments)
	recipients := append(append([]string{}, draft.To...), append(draft.Cc, draft.Bcc...)...)

	var sendErr error
	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		sendErr = p.sendOnce(username, password, recipients, raw)
		if sendErr == nil {
			break
		}
		if attempt < 2 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if sendErr != nil {
		return apperr.TransportError("smtp_send", sendErr)
	}

	if err := p.appendToSent(raw); err != nil {
		p.log.WithField("account_id", p.accountID).WithError(err).Warn("imapprovider: failed to append sent message to Sent folder")
	}
	return nil
}

func (p *Provider) sendOnce(username, password string, recipients []string, raw []byte) error {
	addr := fmt.Sprintf("%s:%d", p.cfg.SMTPHost, p.cfg.SMTPPort)
	auth := sasl.NewPlainClient("", username, password)

	var c *gosmtp.Client
	var err error
	if p.cfg.SMTPPort == 465 {
		conn, derr := tls.Dial("tcp", addr, &tls.Config{ServerName: p.cfg.SMTPHost})
		if derr != nil {
			return derr
		}
		c, err = gosmtp.NewClient(conn)
	} else {
		conn, derr := net.Dial("tcp", addr)
		if derr != nil {
			return derr
		}
		c, err = gosmtp.NewClient(conn)
		if err == nil && p.cfg.SMTPUseTLS {
			err = c.StartTLS(&tls.Config{ServerName: p.cfg.SMTPHost})
		}
	}
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Auth(auth); err != nil {
		return err
	}
	if err := c.Mail(p.cfg.Email, nil); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	return w.Close()
}

func (p *Provider) appendToSent(raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(context.Background()); err != nil {
		return err
	}
	sentFolder, ok := p.folderMapping["sent"]
	if !ok {
		sentFolder = "Sent"
	}
	return p.client.Append(sentFolder, []string{imap.SeenFlag}, time.Now(), bytes.NewReader(raw))
}

func buildRawMIME(from string, d *domain.Draft, attachments []*domain.Attachment) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	if len(d.To) > 0 {
		buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(d.To, ", ")))
	}
	if len(d.Cc) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(d.Cc, ", ")))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", d.Subject))
	if d.InReplyTo != nil {
		buf.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", *d.InReplyTo))
	}

	body := ""
	isHTML := false
	if d.HTMLBody != nil {
		body = *d.HTMLBody
		isHTML = true
	} else if d.PlaintextBody != nil {
		body = *d.PlaintextBody
	}

	if len(attachments) == 0 {
		contentType := "text/plain"
		if isHTML {
			contentType = "text/html"
		}
		buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=UTF-8\r\n\r\n", contentType))
		buf.WriteString(body)
		return buf.Bytes()
	}

	boundary := fmt.Sprintf("mailsync_%x", []byte(d.ID))
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", boundary))
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	contentType := "text/plain"
	if isHTML {
		contentType = "text/html"
	}
	buf.WriteString(fmt.Sprintf("Content-Type: %s; charset=UTF-8\r\n\r\n", contentType))
	buf.WriteString(body)
	buf.WriteString("\r\n")
	for _, a := range attachments {
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", a.MIMEType, a.Filename))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", a.Filename))
		buf.WriteString(base64.StdEncoding.EncodeToString(a.Payload))
		buf.WriteString("\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return buf.Bytes()
}

var _ out.Provider = (*Provider)(nil)
