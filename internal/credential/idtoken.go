package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// sourceFactory creates a token source for one audience.
type sourceFactory func(ctx context.Context, audience string) (oauth2.TokenSource, error)

// IDTokenProvider mints Google-signed ID tokens using the workload's ambient
// credentials (metadata server, GOOGLE_APPLICATION_CREDENTIALS, or an explicit
// service account file).
//
// One token source is kept per audience. Sources reuse their token until it
// nears expiry, so repeated calls for the same origin are cheap.
type IDTokenProvider struct {
	newSource sourceFactory
	logger    *slog.Logger

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewIDTokenProvider creates an IDTokenProvider. credentialsFile is optional.
func NewIDTokenProvider(credentialsFile string, logger *slog.Logger) *IDTokenProvider {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	return newIDTokenProvider(func(ctx context.Context, audience string) (oauth2.TokenSource, error) {
		return idtoken.NewTokenSource(ctx, audience, opts...)
	}, logger)
}

func newIDTokenProvider(f sourceFactory, logger *slog.Logger) *IDTokenProvider {
	return &IDTokenProvider{
		newSource: f,
		logger:    logger.With("component", "idtoken_provider"),
		sources:   make(map[string]oauth2.TokenSource),
	}
}

type tokenResult struct {
	token *oauth2.Token
	err   error
}

// RequestHeaders returns an Authorization header carrying an ID token for
// audience. It gives up when ctx is done even if the identity backend has not
// answered yet.
func (p *IDTokenProvider) RequestHeaders(ctx context.Context, audience string) (http.Header, error) {
	if audience == "" {
		return nil, unavailable(errors.New("empty audience"))
	}

	// oauth2.TokenSource has no context, so the fetch runs on its own
	// goroutine and the caller waits on whichever finishes first.
	ch := make(chan tokenResult, 1)
	go func() {
		ts, err := p.source(audience)
		if err != nil {
			ch <- tokenResult{err: err}
			return
		}
		tok, err := ts.Token()
		ch <- tokenResult{token: tok, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, unavailable(r.err)
		}
		if r.token == nil || r.token.AccessToken == "" {
			return nil, unavailable(errors.New("identity backend returned an empty token"))
		}
		return bearer(r.token.AccessToken), nil
	case <-ctx.Done():
		return nil, unavailable(ctx.Err())
	}
}

// source returns the cached token source for audience, creating it on first
// use. Failed creations are not cached.
func (p *IDTokenProvider) source(audience string) (oauth2.TokenSource, error) {
	p.mu.Lock()
	ts, ok := p.sources[audience]
	p.mu.Unlock()
	if ok {
		return ts, nil
	}

	// The source outlives this request, so it must not inherit its context.
	ts, err := p.newSource(context.Background(), audience)
	if err != nil {
		return nil, fmt.Errorf("create token source for %s: %w", audience, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.sources[audience]; ok {
		return existing, nil
	}
	p.sources[audience] = ts
	p.logger.Debug("token source created", "audience", audience)
	return ts, nil
}
