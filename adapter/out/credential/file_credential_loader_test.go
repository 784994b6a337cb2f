package credential

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
	"mailsync/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: logger.LevelFatal, Output: io.Discard})
}

func writeOAuth(t *testing.T, root, accountID string, tok out.OAuthToken) {
	t.Helper()
	dir := filepath.Join(root, accountID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "oauth.json"), raw, 0o600); err != nil {
		t.Fatalf("write oauth.json: %v", err)
	}
}

func TestLoadOAuthTokenMissingFile(t *testing.T) {
	l := NewFileCredentialLoader(t.TempDir(), testLogger())
	_, err := l.LoadOAuthToken(context.Background(), "a1")
	ae := apperr.AsAppError(err)
	if ae.Kind != apperr.KindCredential || ae.Code != "CREDENTIAL_MISSING" {
		t.Errorf("expected CREDENTIAL_MISSING, got %+v", ae)
	}
}

func TestLoadOAuthTokenMalformedJSON(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a1")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "oauth.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	l := NewFileCredentialLoader(root, testLogger())
	_, err := l.LoadOAuthToken(context.Background(), "a1")
	ae := apperr.AsAppError(err)
	if ae.Code != "CREDENTIAL_PARSE" {
		t.Errorf("expected CREDENTIAL_PARSE, got %+v", ae)
	}
}

func TestLoadOAuthTokenMissingRequiredFields(t *testing.T) {
	root := t.TempDir()
	writeOAuth(t, root, "a1", out.OAuthToken{AccessToken: "at", ClientID: "id"}) // missing refresh_token, client_secret

	l := NewFileCredentialLoader(root, testLogger())
	_, err := l.LoadOAuthToken(context.Background(), "a1")
	ae := apperr.AsAppError(err)
	if ae.Code != "CREDENTIAL_SHAPE" {
		t.Errorf("expected CREDENTIAL_SHAPE, got %+v", ae)
	}
}

func TestLoadOAuthTokenValid(t *testing.T) {
	root := t.TempDir()
	want := out.OAuthToken{AccessToken: "at", RefreshToken: "rt", ClientID: "id", ClientSecret: "secret"}
	writeOAuth(t, root, "a1", want)

	l := NewFileCredentialLoader(root, testLogger())
	got, err := l.LoadOAuthToken(context.Background(), "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *got != want {
		t.Errorf("got %+v, want %+v", *got, want)
	}
}

func TestSaveOAuthTokenRoundTrips(t *testing.T) {
	root := t.TempDir()
	l := NewFileCredentialLoader(root, testLogger())
	tok := &out.OAuthToken{AccessToken: "at2", RefreshToken: "rt2", ClientID: "id2", ClientSecret: "secret2"}

	if err := l.SaveOAuthToken(context.Background(), "a1", tok); err != nil {
		t.Fatalf("save must never return an error: %v", err)
	}

	got, err := l.LoadOAuthToken(context.Background(), "a1")
	if err != nil {
		t.Fatalf("reload after save: %v", err)
	}
	if *got != *tok {
		t.Errorf("got %+v, want %+v", *got, *tok)
	}
}

func TestLoadPasswordEmptyIsFatal(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a1")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "password"), []byte("\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	l := NewFileCredentialLoader(root, testLogger())
	_, err := l.LoadPassword(context.Background(), "a1")
	ae := apperr.AsAppError(err)
	if ae.Code != "CREDENTIAL_SHAPE" {
		t.Errorf("expected CREDENTIAL_SHAPE for an empty password file, got %+v", ae)
	}
}

func TestLoadPasswordTrimsTrailingWhitespace(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a1")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "password"), []byte("hunter2  \r\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	l := NewFileCredentialLoader(root, testLogger())
	pw, err := l.LoadPassword(context.Background(), "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pw != "hunter2" {
		t.Errorf("expected trimmed password %q, got %q", "hunter2", pw)
	}
}

func TestValidateNoCredentialFiles(t *testing.T) {
	l := NewFileCredentialLoader(t.TempDir(), testLogger())
	err := l.Validate(context.Background(), "a1")
	ae := apperr.AsAppError(err)
	if ae.Code != "CREDENTIAL_MISSING" {
		t.Errorf("expected CREDENTIAL_MISSING, got %+v", ae)
	}
}

func TestValidatePassesWithOAuthOrPassword(t *testing.T) {
	root := t.TempDir()
	writeOAuth(t, root, "a1", out.OAuthToken{AccessToken: "at", RefreshToken: "rt", ClientID: "id", ClientSecret: "s"})

	l := NewFileCredentialLoader(root, testLogger())
	if err := l.Validate(context.Background(), "a1"); err != nil {
		t.Errorf("expected no error when an oauth token file exists, got %v", err)
	}
}

func TestValidateSecretManagerHints(t *testing.T) {
	tests := []struct {
		root     string
		contains string
	}{
		{"/run/secrets", "Docker/Kubernetes"},
		{"/var/run/secrets", "Kubernetes projected secret"},
	}
	for _, tt := range tests {
		t.Run(tt.root, func(t *testing.T) {
			l := NewFileCredentialLoader(tt.root, testLogger())
			err := l.Validate(context.Background(), "nonexistent-account")
			ae := apperr.AsAppError(err)
			hint, _ := ae.Details["hint"].(string)
			if hint == "" {
				t.Fatal("expected a hint detail for a recognized secret-manager path prefix")
			}
			if !stringContains(hint, tt.contains) {
				t.Errorf("expected hint to mention %q, got %q", tt.contains, hint)
			}
		})
	}
}

func TestWarnIfWorldReadableDoesNotErrorOnMissingFile(t *testing.T) {
	l := NewFileCredentialLoader(t.TempDir(), testLogger())
	// Exercised indirectly: LoadOAuthToken calls warnIfWorldReadable
	// before checking existence, and must not panic or error from it.
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	_, err := l.LoadOAuthToken(context.Background(), "missing-account")
	if err == nil {
		t.Fatal("expected CREDENTIAL_MISSING, not a panic from the permission check")
	}
}

func stringContains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
