package out

import "context"

// OAuthToken is the on-disk shape: JSON with access_token, refresh_token,
// client_id, client_secret (additional fields are tolerated and ignored).
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// CredentialLoader reads and writes the secrets backing an account's
// Provider: an OAuth token file for the API provider, or a single-line
// password file for the IMAP provider.
type CredentialLoader interface {
	LoadOAuthToken(ctx context.Context, accountID string) (*OAuthToken, error)
	SaveOAuthToken(ctx context.Context, accountID string, tok *OAuthToken) error
	LoadPassword(ctx context.Context, accountID string) (string, error)
	// Validate checks file permissions and shape, returning a Credential
	// kind AppError (not a generic error) on any problem found.
	Validate(ctx context.Context, accountID string) error
}
