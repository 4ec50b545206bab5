package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"passthrough-proxy/internal/model"
	"passthrough-proxy/internal/service"
)

// ProxyHandler forwards every inbound request to the upstream.
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

// Handle proxies the request to the upstream and streams the response back.
// It never returns an error: every failure is answered with a response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		PathAndQuery:  pathAndQuery(req),
		Host:          req.Host,
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	// net/http fills in Content-Type (by sniffing) and Date when they are
	// missing; a nil entry stops it so the client sees the upstream's set.
	for _, key := range []string{"Content-Type", "Date"} {
		if _, ok := resp.Header[key]; !ok {
			dst[key] = nil
		}
	}

	announced := announceTrailers(dst, resp)

	c.Response().WriteHeader(resp.StatusCode)

	// Bodies of unknown length (chunked, event streams) are flushed as they
	// arrive instead of sitting in the server's write buffer.
	if err := h.copyBody(c.Response(), resp.Body, resp.ContentLength == -1); err != nil {
		var rerr readError
		if errors.As(err, &rerr) {
			// The status is already on the wire; aborting the connection is
			// the only way to tell the client the body is incomplete.
			h.logger.Error("reading upstream body; aborting response",
				"err", rerr.err,
				"path", req.URL.Path,
			)
			panic(http.ErrAbortHandler)
		}
		h.logger.Warn("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
		return nil
	}

	if resp.Trailer != nil {
		for key, vals := range resp.Trailer() {
			if _, ok := announced[key]; !ok {
				key = http.TrailerPrefix + key
			}
			for _, v := range vals {
				dst.Add(key, v)
			}
		}
	}

	return nil
}

// announceTrailers declares the trailer keys the upstream announced so they
// are sent to the client in the same way.
func announceTrailers(dst http.Header, resp *model.ProxyResponse) map[string]struct{} {
	if resp.Trailer == nil {
		return nil
	}
	trailer := resp.Trailer()
	if len(trailer) == 0 {
		return nil
	}
	announced := make(map[string]struct{}, len(trailer))
	for key := range trailer {
		announced[key] = struct{}{}
		dst.Add("Trailer", key)
	}
	return announced
}

// readError marks a failure on the upstream side of a body copy.
type readError struct{ err error }

func (e readError) Error() string { return e.err.Error() }

func (h *ProxyHandler) copyBody(w *echo.Response, body io.Reader, flush bool) error {
	rc := http.NewResponseController(w.Writer)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flush {
				_ = rc.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return readError{err}
		}
	}
}

// pathAndQuery returns the request target as the client sent it, or "" when
// the request had no path (asterisk-form, authority-form).
func pathAndQuery(r *http.Request) string {
	if strings.HasPrefix(r.RequestURI, "/") {
		return r.RequestURI
	}
	if !strings.HasPrefix(r.URL.Path, "/") && r.URL.RawQuery == "" {
		return ""
	}
	// Absolute-form targets and requests built in-process.
	return r.URL.RequestURI()
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrBuildRequest) {
		h.logger.Warn("rejecting request",
			"err", err,
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
		)
		return c.NoContent(http.StatusBadRequest)
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	msg := "upstream request failed"
	var dnsErr *net.DNSError
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "upstream request timed out"
	case errors.Is(err, context.Canceled):
		msg = "client disconnected"
	case errors.As(err, &dnsErr):
		msg = "upstream host unreachable"
	case errors.As(err, &urlErr):
		msg = "upstream connection failed"
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": msg,
	})
}
