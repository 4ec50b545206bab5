// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpguts"

	"passthrough-proxy/internal/client"
	"passthrough-proxy/internal/config"
	"passthrough-proxy/internal/model"
)

// ErrBuildRequest is returned when the inbound request cannot be turned into
// an upstream request. No upstream call is made in that case.
var ErrBuildRequest = errors.New("build upstream request")

// Upstream sends a prepared request to the upstream.
type Upstream interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	upstream    Upstream
	logger      *slog.Logger
	baseURL     string
	rewriteHost bool
}

// NewProxyService creates a ProxyService. An upstream base that does not
// parse is a configuration error and prevents the proxy from starting.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	return newProxyService(c, cfg, logger)
}

func newProxyService(u Upstream, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	base, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q is not an absolute URL", cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		upstream:    u,
		logger:      logger.With("component", "proxy_service"),
		baseURL:     cfg.Upstream.BaseURL,
		rewriteHost: cfg.Upstream.RewriteHost,
	}, nil
}

// BaseURL returns the configured upstream base.
func (s *ProxyService) BaseURL() string {
	return s.baseURL
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// Errors wrapping ErrBuildRequest mean the upstream was never contacted; any
// other error is an upstream failure.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req, err := s.BuildRequest(pr)
	if err != nil {
		return nil, err
	}

	s.logger.Info("forwarding request",
		"method", req.Method,
		"url", req.URL.String(),
	)
	if s.logger.Enabled(pr.Ctx, slog.LevelDebug) {
		for key, vals := range req.Header {
			for _, v := range vals {
				s.logger.Debug("forwarding header", "key", key, "value", v)
			}
		}
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	s.logger.Info("upstream responded",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
	)
	return resp, nil
}

// BuildRequest derives the upstream request from pr: the target is the base
// URL followed verbatim by the inbound path and query, while method, headers,
// Host and body are carried over untouched.
func (s *ProxyService) BuildRequest(pr *model.ProxyRequest) (*http.Request, error) {
	target := s.buildUpstreamURL(pr.PathAndQuery)

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildRequest, err)
	}
	if err := validateHeader(pr.Header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildRequest, err)
	}

	req.Header = copyHeader(pr.Header)
	// net/http adds its own User-Agent when none is present; an explicit
	// empty entry keeps the request as the client sent it.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = nil
	}

	if pr.Body == nil || pr.Body == http.NoBody {
		req.Body = http.NoBody
		req.ContentLength = 0
	} else {
		req.ContentLength = pr.ContentLength
	}

	if !s.rewriteHost && pr.Host != "" {
		req.Host = pr.Host
	}

	return req, nil
}

// buildUpstreamURL concatenates the base and the request target without
// normalization. A request without a target goes to the base itself.
func (s *ProxyService) buildUpstreamURL(pathAndQuery string) string {
	return s.baseURL + pathAndQuery
}

// copyHeader appends every (key, value) pair of src to a new header,
// preserving duplicates and the order of values under each key.
func copyHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		for _, v := range vals {
			dst[key] = append(dst[key], v)
		}
	}
	return dst
}

func validateHeader(h http.Header) error {
	for key, vals := range h {
		if !httpguts.ValidHeaderFieldName(key) {
			return fmt.Errorf("invalid header field name %q", key)
		}
		for _, v := range vals {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("invalid header field value for %q", key)
			}
		}
	}
	return nil
}
