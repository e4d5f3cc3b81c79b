package gdrive

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// AuthConfig contains OAuth2 configuration for the Drive connector.
type AuthConfig struct {
	ClientID     string   `yaml:"client_id" env:"GDRIVE_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"GDRIVE_CLIENT_SECRET"`
	RedirectURL  string   `yaml:"redirect_url" env:"GDRIVE_REDIRECT_URL"`
	Scopes       []string `yaml:"scopes"`
}

// DefaultAuthConfig returns the read-only scope set the sync engine needs.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Scopes: []string{
			drive.DriveReadonlyScope,
			drive.DriveMetadataReadonlyScope,
		},
	}
}

// OAuthConfig builds the oauth2 exchange configuration.
func (a *AuthConfig) OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Scopes:       a.Scopes,
		RedirectURL:  a.RedirectURL,
		Endpoint:     google.Endpoint,
	}
}

// ParseToken decodes a stored OAuth2 token from its JSON form. Connector
// credentials are persisted as JSON blobs by the credential store.
func ParseToken(raw []byte) (*oauth2.Token, error) {
	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("failed to decode oauth token: %w", err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("oauth token has no usable credentials")
	}
	return &token, nil
}

// NewDriveService creates an authenticated Drive API service for a connector
// token. The returned service refreshes the token transparently.
func NewDriveService(ctx context.Context, auth *AuthConfig, token *oauth2.Token) (*drive.Service, error) {
	httpClient := auth.OAuthConfig().Client(ctx, token)

	service, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}

	return service, nil
}
