// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is an inbound API request on its way to the backend. It is a
// snapshot of the inbound request; the forwarding path never mutates the
// original *http.Request.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string // escaped form of Path, as sent by the client
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the backend response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
