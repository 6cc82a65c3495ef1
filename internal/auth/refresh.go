package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/lucidhq/workspace-sync/internal/store"
)

// ErrReconnectRequired means the stored credential cannot be used or
// refreshed; the user has to go through OAuth again
var ErrReconnectRequired = errors.New("auth: reconnect required")

// Access tokens within this margin of expiry are refreshed before use
const expiryMargin = 5 * time.Minute

// Refresher exchanges refresh credentials for fresh access tokens and
// persists them back onto the connection
type Refresher struct {
	google    *oauth2.Config
	microsoft *oauth2.Config
}

// NewRefresher builds a refresher for the configured OAuth clients
func NewRefresher(googleClientID, googleClientSecret, microsoftClientID string) *Refresher {
	r := &Refresher{
		google: &oauth2.Config{
			ClientID:     googleClientID,
			ClientSecret: googleClientSecret,
			Endpoint:     google.Endpoint,
		},
	}
	if microsoftClientID != "" {
		r.microsoft = &oauth2.Config{
			ClientID: microsoftClientID,
			Endpoint: microsoft.AzureADEndpoint("common"),
		}
	}
	return r
}

// FreshToken returns a usable access token for the connection, refreshing
// through the provider's token endpoint when the stored one is expired or
// inside the safety margin. Refreshed credentials are persisted immediately.
func (r *Refresher) FreshToken(ctx context.Context, us *store.UserStore, conn *store.Connection) (*oauth2.Token, error) {
	if conn.AccessToken != "" &&
		(conn.TokenExpiresAt.IsZero() || time.Until(conn.TokenExpiresAt) > expiryMargin) {
		return &oauth2.Token{
			AccessToken:  conn.AccessToken,
			RefreshToken: conn.RefreshToken,
			Expiry:       conn.TokenExpiresAt,
		}, nil
	}

	if conn.RefreshToken == "" {
		return nil, fmt.Errorf("connection %s has no refresh token: %w", conn.ID, ErrReconnectRequired)
	}

	cfg := r.configFor(conn.Provider)
	if cfg == nil {
		return nil, fmt.Errorf("unknown provider %q: %w", conn.Provider, ErrReconnectRequired)
	}

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed for connection %s: %v: %w", conn.ID, err, ErrReconnectRequired)
	}

	if err := us.UpdateConnectionToken(ctx, conn.ID, token.AccessToken, token.Expiry); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	conn.AccessToken = token.AccessToken
	conn.TokenExpiresAt = token.Expiry

	log.Printf("refreshed %s token for connection %s", conn.Provider, conn.ID)
	return token, nil
}

func (r *Refresher) configFor(providerName string) *oauth2.Config {
	switch providerName {
	case "google":
		return r.google
	case "microsoft":
		return r.microsoft
	default:
		return nil
	}
}
