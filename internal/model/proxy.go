// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// PathAndQuery is the request target exactly as the client sent it
	// ("/a/b?x=1"). Empty when the request carried no path, e.g. "OPTIONS *".
	PathAndQuery  string
	Host          string
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
	// Trailer returns the upstream trailers. Values are only complete once
	// Body has been read to EOF; before that only announced keys are present.
	Trailer func() http.Header
}
