// Package credential mints the bearer credentials the proxy presents to the
// protected backend.
//
// A Provider is asked for request headers scoped to an audience, which is
// always the backend origin (scheme://host[:port]) and never a path. Every
// failure is reported as ErrAuthenticationUnavailable so callers can refuse to
// forward instead of sending an unauthenticated request.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"finance-proxy/internal/config"
)

// ErrAuthenticationUnavailable is returned when no credential could be minted
// for the requested audience: missing ambient credentials, identity backend
// unreachable or refusing, or the caller's deadline expiring first.
var ErrAuthenticationUnavailable = errors.New("backend authentication unavailable")

// Provider produces headers that authenticate a request to audience.
type Provider interface {
	RequestHeaders(ctx context.Context, audience string) (http.Header, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, audience string) (http.Header, error)

// RequestHeaders calls f(ctx, audience).
func (f ProviderFunc) RequestHeaders(ctx context.Context, audience string) (http.Header, error) {
	return f(ctx, audience)
}

// New returns the Provider selected by auth.provider.
func New(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	switch cfg.Auth.Provider {
	case config.ProviderStatic:
		return NewStaticProvider(cfg.Auth.StaticToken), nil
	case config.ProviderGoogle, "":
		return NewIDTokenProvider(cfg.Auth.CredentialsFile, logger), nil
	default:
		return nil, fmt.Errorf("credential: unknown provider %q", cfg.Auth.Provider)
	}
}

// Origin reduces rawURL to scheme://host[:port].
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute URL", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func bearer(token string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrAuthenticationUnavailable, err)
}
