package handler

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"passthrough-proxy/internal/metrics"
)

// RegisterRoutes sends every request on the proxy listener to the proxy
// handler, whatever its method or target.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Pre(pathless(proxy.Handle))

	e.Any("/*", proxy.Handle)
	// Any covers a fixed method list; the not-found route on the same path
	// catches extension methods such as PURGE or MKCOL.
	e.RouteNotFound("/*", proxy.Handle)
}

// RegisterAdminRoutes wires the operator endpoints onto the admin Echo instance.
func RegisterAdminRoutes(e *echo.Echo, admin *AdminHandler, m *metrics.Metrics) {
	e.GET("/healthz", admin.Healthz)
	e.GET("/status", admin.Status)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

// pathless dispatches requests whose target has no path ("OPTIONS *",
// CONNECT authority-form) straight to h; the router only matches paths.
func pathless(h echo.HandlerFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(echo.GetPath(c.Request()), "/") {
				return h(c)
			}
			return next(c)
		}
	}
}
