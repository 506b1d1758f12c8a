package transport

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/foxzi/drip/internal/store"
)

// tokenCache holds one reusable TokenSource per oauth2 account so access
// tokens are refreshed only when they expire, not on every send
type tokenCache struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func newTokenCache() *tokenCache {
	return &tokenCache{sources: make(map[string]oauth2.TokenSource)}
}

// token returns a valid access token for the account, refreshing if needed
func (c *tokenCache) token(ctx context.Context, account *store.EmailAccount) (string, error) {
	c.mu.Lock()
	src, ok := c.sources[account.ID]
	if !ok {
		cfg := &oauth2.Config{
			ClientID:     account.OAuth.ClientID,
			ClientSecret: account.OAuth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: account.OAuth.TokenURL},
		}
		// ReuseTokenSource caches the access token until expiry
		src = cfg.TokenSource(context.Background(), &oauth2.Token{
			RefreshToken: account.OAuth.RefreshToken,
		})
		c.sources[account.ID] = src
	}
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok.AccessToken, nil
}
