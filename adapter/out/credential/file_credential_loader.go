// Package credential loads and persists account secrets from on-disk
// files: an OAuth token JSON document per account for the API provider,
// a single-line password file per account for the IMAP provider.
package credential

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
	"mailsync/pkg/logger"
)

// FileCredentialLoader reads and writes secrets under a root directory,
// one subpath per account: "<root>/<account_id>/oauth.json" and
// "<root>/<account_id>/password".
type FileCredentialLoader struct {
	root string
	log  *logger.Logger
}

func NewFileCredentialLoader(root string, log *logger.Logger) *FileCredentialLoader {
	return &FileCredentialLoader{root: root, log: log}
}

func (l *FileCredentialLoader) oauthPath(accountID string) string {
	return filepath.Join(l.root, accountID, "oauth.json")
}

func (l *FileCredentialLoader) passwordPath(accountID string) string {
	return filepath.Join(l.root, accountID, "password")
}

func (l *FileCredentialLoader) LoadOAuthToken(ctx context.Context, accountID string) (*out.OAuthToken, error) {
	path := l.oauthPath(accountID)
	l.warnIfWorldReadable(path)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, apperr.CredentialError("CREDENTIAL_MISSING", "oauth token file not found: "+path).WithDetail("account_id", accountID)
	}
	if err != nil {
		return nil, apperr.CredentialError("CREDENTIAL_MISSING", "cannot read oauth token file: "+path).WithError(err)
	}

	var tok out.OAuthToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, apperr.CredentialError("CREDENTIAL_PARSE", "malformed oauth token json: "+path).WithError(err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" || tok.ClientID == "" || tok.ClientSecret == "" {
		return nil, apperr.CredentialError("CREDENTIAL_SHAPE", "oauth token missing required fields").WithDetail("account_id", accountID)
	}
	return &tok, nil
}

// SaveOAuthToken writes with owner-only permissions. A failure here is
// logged, not raised — the token will simply be refreshed again on next
// start.
func (l *FileCredentialLoader) SaveOAuthToken(ctx context.Context, accountID string, tok *out.OAuthToken) error {
	path := l.oauthPath(accountID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		l.log.WithField("account_id", accountID).WithError(err).Warn("credential: failed to create directory for oauth token")
		return nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		l.log.WithField("account_id", accountID).WithError(err).Warn("credential: failed to marshal oauth token")
		return nil
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		l.log.WithField("account_id", accountID).WithError(err).Warn("credential: failed to persist oauth token")
		return nil
	}
	return nil
}

func (l *FileCredentialLoader) LoadPassword(ctx context.Context, accountID string) (string, error) {
	path := l.passwordPath(accountID)
	l.warnIfWorldReadable(path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", apperr.CredentialError("CREDENTIAL_MISSING", "password file not found: "+path).WithDetail("account_id", accountID).WithError(err)
	}
	pw := strings.TrimRight(string(raw), " \t\r\n")
	if pw == "" {
		return "", apperr.CredentialError("CREDENTIAL_SHAPE", "password file is empty").WithDetail("account_id", accountID)
	}
	return pw, nil
}

// secretManagerHints maps a recognized path prefix to a human hint
// surfaced by Validate, covering the three secret-manager conventions
// operators most commonly point CredentialDir at.
var secretManagerHints = []struct {
	prefix string
	hint   string
}{
	{"/run/secrets/", "looks like a Docker/Kubernetes mounted secret; check the mount, not file permissions"},
	{"/var/run/secrets/", "looks like a Kubernetes projected secret; check the volume mount"},
	{"vault:", "looks like a HashiCorp Vault path; this loader reads plain files, resolve the secret to disk first"},
}

func (l *FileCredentialLoader) Validate(ctx context.Context, accountID string) error {
	oauthPath := l.oauthPath(accountID)
	pwPath := l.passwordPath(accountID)

	_, oauthErr := os.Stat(oauthPath)
	_, pwErr := os.Stat(pwPath)
	if oauthErr != nil && pwErr != nil {
		hint := hintFor(filepath.Join(l.root, accountID))
		e := apperr.CredentialError("CREDENTIAL_MISSING", "no oauth token or password file found for account").WithDetail("account_id", accountID)
		if hint != "" {
			e = e.WithDetail("hint", hint)
		}
		return e
	}
	l.warnIfWorldReadable(oauthPath)
	l.warnIfWorldReadable(pwPath)
	return nil
}

func hintFor(path string) string {
	for _, h := range secretManagerHints {
		if strings.HasPrefix(path, h.prefix) {
			return h.hint
		}
	}
	return ""
}

// warnIfWorldReadable logs a warning (never an error) when a secret file
// has group- or world-readable bits set. No-op on platforms without POSIX
// permission bits.
func (l *FileCredentialLoader) warnIfWorldReadable(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		l.log.WithFields(map[string]any{"path": path, "mode": info.Mode().Perm().String()}).Warn("credential: secret file has group/world-readable permissions")
	}
}
