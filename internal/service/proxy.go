// Package service implements the authenticate-then-forward pipeline for API
// requests.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"finance-proxy/internal/client"
	"finance-proxy/internal/config"
	"finance-proxy/internal/credential"
	"finance-proxy/internal/metrics"
	"finance-proxy/internal/model"
)

// ErrForwardingDisabled is returned by Forward when no backend is configured.
var ErrForwardingDisabled = errors.New("API forwarding disabled: backend.base_url is not set")

// hopByHopHeaders apply to a single connection and are never relayed in
// either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService forwards API requests to the backend with a freshly minted
// credential.
type ProxyService struct {
	client      *client.BackendClient
	credentials credential.Provider
	metrics     *metrics.Metrics
	logger      *slog.Logger

	baseURL     *url.URL
	audience    string
	bypass      bool
	authTimeout time.Duration
}

// NewProxyService creates a ProxyService. When cfg has no backend the service
// is still created, but Forward always fails with ErrForwardingDisabled.
// The metrics parameter is optional.
func NewProxyService(c *client.BackendClient, creds credential.Provider, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	s := &ProxyService{
		client:      c,
		credentials: creds,
		metrics:     m,
		logger:      logger.With("component", "proxy_service"),
		bypass:      cfg.Auth.Bypass,
		authTimeout: time.Duration(cfg.Auth.TimeoutSeconds) * time.Second,
	}
	if !cfg.Backend.Enabled() {
		return s, nil
	}

	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}
	audience, err := credential.Origin(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("derive backend audience: %w", err)
	}
	s.baseURL = u
	s.audience = audience

	if s.bypass {
		s.logger.Warn("backend authentication bypass enabled; API requests are forwarded without a minted credential")
	}
	return s, nil
}

// Enabled reports whether a backend is configured.
func (s *ProxyService) Enabled() bool {
	return s.baseURL != nil
}

// Forward authenticates pr and sends it to the backend, returning the
// backend response. The caller is responsible for closing the response body.
//
// Authentication always completes before anything is sent: if no credential
// can be obtained the returned error wraps credential.ErrAuthenticationUnavailable
// and the backend never sees the request. A client-supplied Authorization
// header is replaced, unless bypass mode is on, in which case it is passed
// through untouched.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if s.baseURL == nil {
		return nil, ErrForwardingDisabled
	}

	header := outboundHeaders(pr.Header)
	if err := s.authenticate(pr.Ctx, header); err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	backendURL := s.buildBackendURL(pr.Path, pr.RawPath, pr.RawQuery)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"bypass", s.bypass,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, backendURL, header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	resp.Header = responseHeaders(resp.Header)
	return resp, nil
}

// authenticate sets the minted credential headers on header.
func (s *ProxyService) authenticate(ctx context.Context, header http.Header) error {
	if s.bypass {
		s.recordAuth(metrics.AuthResultBypass, 0)
		return nil
	}

	if s.authTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.authTimeout)
		defer cancel()
	}

	start := time.Now()
	creds, err := s.credentials.RequestHeaders(ctx, s.audience)
	elapsed := time.Since(start)
	if err == nil && creds.Get("Authorization") == "" {
		err = errors.New("provider returned no Authorization header")
	}
	if err != nil {
		s.recordAuth(metrics.AuthResultError, elapsed)
		if !errors.Is(err, credential.ErrAuthenticationUnavailable) {
			err = fmt.Errorf("%w: %w", credential.ErrAuthenticationUnavailable, err)
		}
		return err
	}
	s.recordAuth(metrics.AuthResultOK, elapsed)

	for key, vals := range creds {
		header[textproto.CanonicalMIMEHeaderKey(key)] = vals
	}
	return nil
}

func (s *ProxyService) recordAuth(result string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.AuthRequests.WithLabelValues(result).Inc()
	if result != metrics.AuthResultBypass {
		s.metrics.AuthDuration.Observe(elapsed.Seconds())
	}
}

// buildBackendURL joins the backend base URL with the original path and
// query. The path is not rewritten: /api/x goes to <base>/api/x. rawPath is
// the path as the client encoded it; reserved escapes such as %2F survive.
func (s *ProxyService) buildBackendURL(path, rawPath, rawQuery string) string {
	if rawPath == "" {
		rawPath = (&url.URL{Path: path}).EscapedPath()
	}
	u := *s.baseURL
	u.Path = singleJoiningSlash(s.baseURL.Path, path)
	u.RawPath = singleJoiningSlash(s.baseURL.EscapedPath(), rawPath)
	u.RawQuery = rawQuery
	return u.String()
}

// outboundHeaders returns a copy of src safe to send to the backend. src is
// left untouched.
func outboundHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	dst.Del("Host")
	return dst
}

// responseHeaders returns the backend response headers minus hop-by-hop ones.
func responseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// removeHopByHop deletes hop-by-hop headers, including any listed in Connection.
func removeHopByHop(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
