package api

import (
	"net/http"

	"specter/api/router/handlers"
	"specter/core"
	"specter/events"
	"specter/logger"
	"specter/plugins"

	"github.com/go-chi/chi/v5"
)

// NewRouter wires the application components into the handlers and builds the
// API router. All registered paths are relative to the /api base path.
func NewRouter(proxy *core.Proxy, pipeline *core.Pipeline, manager *plugins.Manager, authority *core.Authority, broker *events.Broker, proxyPort int) http.Handler {
	handlers.Configure(proxy, pipeline, manager, authority, broker, proxyPort)

	r := chi.NewRouter()

	handlers.RegisterHealthRoutes(r)
	handlers.RegisterProxyRoutes(r)
	handlers.RegisterCertificateRoutes(r)
	handlers.RegisterPluginRoutes(r)
	handlers.RegisterVulnerabilityRoutes(r)
	handlers.RegisterEventRoutes(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		logger.Error("API CATCH-ALL: Unhandled route relative to /api: %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	})

	return r
}
