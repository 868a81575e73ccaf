package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"finance-proxy/internal/credential"
	"finance-proxy/internal/model"
	"finance-proxy/internal/service"
)

// bearerPattern matches bearer tokens that identity libraries may echo into error messages.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`)

// ProxyHandler forwards API requests to the backend.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the backend and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" && header.Get(echo.HeaderXRequestID) == "" {
		header.Set(echo.HeaderXRequestID, id)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The relayed response carries exactly the backend's headers. Anything
	// earlier middleware put on the response (security headers, X-Request-Id)
	// is dropped.
	dst := c.Response().Header()
	for key := range dst {
		delete(dst, key)
	}
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	var w io.Writer = c.Response()
	if strings.HasPrefix(resp.Header.Get(echo.HeaderContentType), "text/event-stream") {
		w = flushWriter{c.Response()}
	}

	// Stream the backend body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status.
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// flushWriter flushes after every write so server-sent events reach the
// browser as they arrive.
type flushWriter struct {
	res *echo.Response
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.res.Write(p)
	if err == nil {
		f.res.Flush()
	}
	return n, err
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	// Auth is checked first: a credential timeout also matches DeadlineExceeded.
	if errors.Is(err, credential.ErrAuthenticationUnavailable) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to authenticate with backend",
		})
	}

	if errors.Is(err, service.ErrForwardingDisabled) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "API forwarding is not configured",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "backend request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "backend host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "backend connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "backend request failed",
	})
}

// sanitizeError redacts bearer tokens from error messages.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
