// Package apiprovider implements the OAuth/HTTPS API provider leaf of
// spec §4.3.1, grounded on the teacher's Gmail adapter: a refreshable
// bearer token, a mutable label hierarchy rooted at a configurable
// prefix, and a circuit breaker around every remote call.
package apiprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailsync/core/domain"
	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
	"mailsync/pkg/logger"
)

// metadataHeaders are the headers requested on every per-message
// enrichment call. Only Subject/From/To/Date are read into the canonical
// Message; the other headers are requested but not used.
var metadataHeaders = []string{
	"From", "To", "Cc", "Subject", "Date", "Message-ID", "In-Reply-To", "References",
}

// Config configures one account's API provider instance.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// LabelPrefix roots the mutable label hierarchy the sync engine
	// writes classification tags under (spec §4.3.1, default "AI/").
	LabelPrefix string

	// LabelCacheTTL controls how long a resolved label name→id mapping
	// is trusted before a fresh list_labels call.
	LabelCacheTTL time.Duration
}

func (c Config) prefix() string {
	if c.LabelPrefix == "" {
		return "AI/"
	}
	return c.LabelPrefix
}

// Provider implements out.Provider against the Gmail API for one account.
type Provider struct {
	accountID string
	cfg       Config
	oauthCfg  *oauth2.Config
	cred      out.CredentialLoader
	cache     out.Cache
	log       *logger.Logger
	cb        *gobreaker.CircuitBreaker

	token *oauth2.Token
}

// New loads the account's stored OAuth token and returns a ready Provider.
func New(ctx context.Context, accountID string, cfg Config, cred out.CredentialLoader, cache out.Cache, log *logger.Logger) (*Provider, error) {
	tok, err := cred.LoadOAuthToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			gmail.GmailSendScope,
			gmail.GmailModifyScope,
			gmail.GmailLabelsScope,
		},
		Endpoint: google.Endpoint,
	}

	cbSettings := gobreaker.Settings{
		Name:        "api-provider:" + accountID,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			_, clientErr := err.(*nonCircuitError)
			return err == nil || clientErr
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("breaker", name).WithField("from", from.String()).WithField("to", to.String()).
				Warn("apiprovider: circuit breaker state change")
		},
	}

	return &Provider{
		accountID: accountID,
		cfg:       cfg,
		oauthCfg:  oauthCfg,
		cred:      cred,
		cache:     cache,
		log:       log,
		cb:        gobreaker.NewCircuitBreaker(cbSettings),
		token: &oauth2.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
		},
	}, nil
}

func (p *Provider) AccountID() string { return p.accountID }

func (p *Provider) Close() error { return nil }

// Ping is a lightweight health probe for the Connection Pool (spec
// §4.3.3); it is not part of out.Provider, the pool's HealthCheck
// function type-asserts for it.
func (p *Provider) Ping(ctx context.Context) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	return p.executeWithCircuitBreaker("get_profile", func() error {
		_, gerr := svc.Users.GetProfile("me").Context(ctx).Do()
		return gerr
	})
}

// service builds a Gmail client bound to a token source that persists a
// refreshed token back through the Credential Loader, matching spec
// §4.3.1's "refresh first, then persist the new token" ordering.
func (p *Provider) service(ctx context.Context) (*gmail.Service, error) {
	src := &persistingTokenSource{
		ctx:       ctx,
		inner:     p.oauthCfg.TokenSource(ctx, p.token),
		last:      p.token.AccessToken,
		accountID: p.accountID,
		cred:      p.cred,
		log:       p.log,
	}
	return gmail.NewService(ctx, option.WithTokenSource(src))
}

type persistingTokenSource struct {
	ctx       context.Context
	inner     oauth2.TokenSource
	last      string
	accountID string
	cred      out.CredentialLoader
	log       *logger.Logger
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.inner.Token()
	if err != nil {
		return nil, apperr.AuthenticationError("gmail", err)
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		saved := &out.OAuthToken{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
		if err := s.cred.SaveOAuthToken(s.ctx, s.accountID, saved); err != nil {
			s.log.WithField("account_id", s.accountID).WithError(err).Warn("apiprovider: failed to persist refreshed token")
		}
	}
	return tok, nil
}

// executeWithCircuitBreaker mirrors the teacher's nonCircuitError split:
// client errors (400/401/403/404) are surfaced without tripping the
// breaker, only server-side/ratelimit errors count toward it.
func (p *Provider) executeWithCircuitBreaker(operation string, fn func() error) error {
	_, err := p.cb.Execute(func() (any, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 400, 401, 403, 404:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})
	if nce, ok := err.(*nonCircuitError); ok {
		return wrapGmailError(nce.err, operation)
	}
	if err != nil {
		return wrapGmailError(err, operation)
	}
	return nil
}

type nonCircuitError struct{ err error }

func (e *nonCircuitError) Error() string { return e.err.Error() }
func (e *nonCircuitError) Unwrap() error { return e.err }

func wrapGmailError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return apperr.AuthenticationError("gmail", err)
		case 429, 500, 502, 503:
			return apperr.TransportError(operation, err)
		case 403, 404, 400:
			return apperr.ProviderPolicyError(operation, err)
		}
	}
	return apperr.TransportError(operation, err)
}

// FetchSince lists messages in the inbox changed since cursor (an RFC3339
// timestamp, empty meaning "from the beginning") and enriches each with
// headers, internal date, labels and a best-effort snippet/plaintext
// part, per spec §4.3.1.
func (p *Provider) FetchSince(ctx context.Context, cursor string, max int) (*out.FetchResult, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return nil, err
	}

	query := "in:inbox"
	if cursor != "" {
		if since, perr := time.Parse(time.RFC3339, cursor); perr == nil {
			query += fmt.Sprintf(" after:%s", since.Format("2006/01/02"))
		}
	}
	if max <= 0 {
		max = 100
	}

	var refs []*gmail.Message
	call := svc.Users.Messages.List("me").Q(query).MaxResults(int64(max))
	err = p.executeWithCircuitBreaker("list_messages", func() error {
		resp, lerr := call.Context(ctx).Do()
		if lerr != nil {
			return lerr
		}
		refs = resp.Messages
		return nil
	})
	if err != nil {
		return nil, err
	}

	messages := make([]*domain.Message, 0, len(refs))
	attachments := make(map[string][]*domain.Attachment)
	for _, ref := range refs {
		var full *gmail.Message
		ferr := p.executeWithCircuitBreaker("get_message", func() error {
			var gerr error
			full, gerr = svc.Users.Messages.Get("me", ref.Id).Format("full").
				MetadataHeaders(metadataHeaders...).Context(ctx).Do()
			return gerr
		})
		if ferr != nil {
			p.log.WithField("message_id", ref.Id).WithError(ferr).Warn("apiprovider: skipping message that failed to fetch")
			continue
		}
		messages = append(messages, p.convertMessage(full))

		if atts := p.fetchAttachments(ctx, svc, full); len(atts) > 0 {
			attachments[full.Id] = atts
		}
	}

	return &out.FetchResult{
		Messages:    messages,
		Attachments: attachments,
		NextCursor:  time.Now().UTC().Format(time.RFC3339),
		HasMore:     len(refs) >= max,
	}, nil
}

// fetchAttachments walks the MIME tree for parts carrying an AttachmentId
// and downloads each payload; a per-attachment failure is logged and
// skipped rather than aborting the whole message.
func (p *Provider) fetchAttachments(ctx context.Context, svc *gmail.Service, msg *gmail.Message) []*domain.Attachment {
	if msg.Payload == nil {
		return nil
	}
	var atts []*domain.Attachment
	var walk func(part *gmail.MessagePart)
	walk = func(part *gmail.MessagePart) {
		if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
			var resp *gmail.MessagePartBody
			aerr := p.executeWithCircuitBreaker("get_attachment", func() error {
				var gerr error
				resp, gerr = svc.Users.Messages.Attachments.Get("me", msg.Id, part.Body.AttachmentId).Context(ctx).Do()
				return gerr
			})
			if aerr != nil {
				p.log.WithField("message_id", msg.Id).WithError(aerr).Warn("apiprovider: failed to download attachment")
				return
			}
			payload, derr := base64.URLEncoding.DecodeString(resp.Data)
			if derr != nil {
				return
			}
			atts = append(atts, &domain.Attachment{
				ID:        msg.Id + ":" + part.PartId,
				Filename:  part.Filename,
				MIMEType:  part.MimeType,
				SizeBytes: int64(len(payload)),
				Payload:   payload,
			})
		}
		for _, child := range part.Parts {
			walk(child)
		}
	}
	walk(msg.Payload)
	return atts
}

func (p *Provider) convertMessage(msg *gmail.Message) *domain.Message {
	m := &domain.Message{
		ID:             msg.Id,
		AccountID:      p.accountID,
		ThreadID:       msg.ThreadId,
		ProviderLabels: msg.LabelIds,
		ProviderFolder: "inbox",
		Folder:         classifyFolder(msg.LabelIds),
		Snippet:        msg.Snippet,
		IsUnread:       containsLabel(msg.LabelIds, "UNREAD"),
	}
	if msg.InternalDate > 0 {
		m.Date = time.UnixMilli(msg.InternalDate)
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				m.Subject = h.Value
			case "From":
				m.From = h.Value
			case "To":
				m.To = splitAddressList(h.Value)
			}
			if h.Name == "Date" && m.Date.IsZero() {
				if t, err := mail.ParseDate(h.Value); err == nil {
					m.Date = t
				}
			}
		}
		text, hasAttachments := extractPlaintext(msg.Payload)
		if text != "" {
			m.PlaintextBody = &text
		}
		m.HasAttachments = hasAttachments
	}
	return m
}

func classifyFolder(labelIDs []string) domain.LogicalFolder {
	switch {
	case containsLabel(labelIDs, "TRASH"):
		return domain.FolderTrash
	case containsLabel(labelIDs, "DRAFT"):
		return domain.FolderDrafts
	case containsLabel(labelIDs, "SENT"):
		return domain.FolderSent
	case containsLabel(labelIDs, "INBOX"):
		return domain.FolderInbox
	default:
		return domain.FolderArchive
	}
}

func containsLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

func splitAddressList(raw string) []string {
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		return []string{raw}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// extractPlaintext walks the MIME tree for the first text/plain part,
// best-effort, and reports whether any part carries a filename (inline
// parts with a filename count too).
func extractPlaintext(part *gmail.MessagePart) (text string, hasAttachments bool) {
	if part.Filename != "" {
		hasAttachments = true
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			text = string(decoded)
		}
	}
	for _, child := range part.Parts {
		childText, childAttach := extractPlaintext(child)
		if text == "" {
			text = childText
		}
		hasAttachments = hasAttachments || childAttach
	}
	return text, hasAttachments
}

// --- Labels ---

func (p *Provider) labelCacheKey(name string) string {
	return fmt.Sprintf("apiprovider:label:%s:%s", p.accountID, name)
}

// resolveLabelID returns the id for a label name, populating the cache
// from a fresh list_labels call on a miss.
func (p *Provider) resolveLabelID(ctx context.Context, svc *gmail.Service, name string) (string, bool, error) {
	if cached, found, err := p.cache.Get(ctx, p.labelCacheKey(name)); err == nil && found {
		return cached, true, nil
	}

	var labels []*gmail.Label
	err := p.executeWithCircuitBreaker("list_labels", func() error {
		resp, lerr := svc.Users.Labels.List("me").Context(ctx).Do()
		if lerr != nil {
			return lerr
		}
		labels = resp.Labels
		return nil
	})
	if err != nil {
		return "", false, err
	}

	ttl := p.cfg.LabelCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	var found string
	for _, l := range labels {
		_ = p.cache.Set(ctx, p.labelCacheKey(l.Name), l.Id, ttl)
		if l.Name == name {
			found = l.Id
		}
	}
	return found, found != "", nil
}

// ensureLabelsExist creates any of names that list_labels didn't resolve,
// caching the new id (spec §4.3.1 "cache-invalidating create").
func (p *Provider) ensureLabelsExist(ctx context.Context, svc *gmail.Service, names []string) (map[string]string, error) {
	ids := make(map[string]string, len(names))
	for _, name := range names {
		id, found, err := p.resolveLabelID(ctx, svc, name)
		if err != nil {
			return nil, err
		}
		if found {
			ids[name] = id
			continue
		}
		var created *gmail.Label
		cerr := p.executeWithCircuitBreaker("create_label", func() error {
			var lerr error
			created, lerr = svc.Users.Labels.Create("me", &gmail.Label{
				Name:                  name,
				LabelListVisibility:   "labelShow",
				MessageListVisibility: "show",
			}).Context(ctx).Do()
			return lerr
		})
		if cerr != nil {
			return nil, cerr
		}
		ttl := p.cfg.LabelCacheTTL
		if ttl <= 0 {
			ttl = 30 * time.Minute
		}
		_ = p.cache.Set(ctx, p.labelCacheKey(name), created.Id, ttl)
		ids[name] = created.Id
	}
	return ids, nil
}

// ApplyLabelDelta translates human label names to ids (creating any
// missing ones) and issues a single Modify call.
func (p *Provider) ApplyLabelDelta(ctx context.Context, providerMessageID string, add, remove []string) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}

	addIDs, err := p.ensureLabelsExist(ctx, svc, add)
	if err != nil {
		return err
	}
	removeIDs := make([]string, 0, len(remove))
	for _, name := range remove {
		if id, found, rerr := p.resolveLabelID(ctx, svc, name); rerr == nil && found {
			removeIDs = append(removeIDs, id)
		}
	}
	addIDList := make([]string, 0, len(addIDs))
	for _, id := range addIDs {
		addIDList = append(addIDList, id)
	}
	if len(addIDList) == 0 && len(removeIDs) == 0 {
		return nil
	}

	return p.executeWithCircuitBreaker("modify_labels", func() error {
		_, merr := svc.Users.Messages.Modify("me", providerMessageID, &gmail.ModifyMessageRequest{
			AddLabelIds:    addIDList,
			RemoveLabelIds: removeIDs,
		}).Context(ctx).Do()
		return merr
	})
}

func (p *Provider) modifyLabelIDs(ctx context.Context, providerMessageID string, add, remove []string) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	return p.executeWithCircuitBreaker("modify_labels", func() error {
		_, merr := svc.Users.Messages.Modify("me", providerMessageID, &gmail.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return merr
	})
}

func (p *Provider) MarkRead(ctx context.Context, providerMessageID string) error {
	return p.modifyLabelIDs(ctx, providerMessageID, nil, []string{"UNREAD"})
}

func (p *Provider) MarkUnread(ctx context.Context, providerMessageID string) error {
	return p.modifyLabelIDs(ctx, providerMessageID, []string{"UNREAD"}, nil)
}

func (p *Provider) Trash(ctx context.Context, providerMessageID string) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	return p.executeWithCircuitBreaker("trash", func() error {
		_, terr := svc.Users.Messages.Trash("me", providerMessageID).Context(ctx).Do()
		return terr
	})
}

func (p *Provider) Restore(ctx context.Context, providerMessageID string) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	return p.executeWithCircuitBreaker("untrash", func() error {
		_, uerr := svc.Users.Messages.Untrash("me", providerMessageID).Context(ctx).Do()
		return uerr
	})
}

func (p *Provider) Delete(ctx context.Context, providerMessageID string) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	return p.executeWithCircuitBreaker("delete", func() error {
		return svc.Users.Messages.Delete("me", providerMessageID).Context(ctx).Do()
	})
}

// Send builds a RFC 2822 message (multipart/mixed if attachments are
// present) and submits it base64url-encoded, per spec §4.3.1.
func (p *Provider) Send(ctx context.Context, draft *domain.Draft, attachments []*domain.Attachment) error {
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}
	raw := buildRawMessage(draft, attachments)
	gmsg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(raw))}
	if draft.ThreadID != nil {
		gmsg.ThreadId = *draft.ThreadID
	}
	return p.executeWithCircuitBreaker("send", func() error {
		_, serr := svc.Users.Messages.Send("me", gmsg).Context(ctx).Do()
		return serr
	})
}

func buildRawMessage(d *domain.Draft, attachments []*domain.Attachment) string {
	var buf bytes.Buffer
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
		return buf.String()
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
	return buf.String()
}

var _ out.Provider = (*Provider)(nil)
