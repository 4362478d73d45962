package handlers

import (
	"github.com/go-chi/chi/v5"
)

func RegisterProxyRoutes(r chi.Router) {
	r.Post("/proxy/start", StartProxyHandler)
	r.Post("/proxy/stop", StopProxyHandler)
	r.Get("/proxy/status", ProxyStatusHandler)
	r.Get("/scanner/stats", ScannerStatsHandler)
}
