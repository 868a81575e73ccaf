package credential

import (
	"context"
	"net/http"
)

// StaticProvider presents the same pre-issued token for every audience.
// It suits deployments where the backend trusts a long-lived shared token.
type StaticProvider struct {
	token string
}

// NewStaticProvider creates a StaticProvider.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

// RequestHeaders returns the configured bearer token.
func (p *StaticProvider) RequestHeaders(ctx context.Context, _ string) (http.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	return bearer(p.token), nil
}
