package handlers

import (
	"github.com/go-chi/chi/v5"
)

func RegisterVulnerabilityRoutes(r chi.Router) {
	r.Get("/vulnerabilities", ListVulnerabilitiesHandler)
	r.Get("/vulnerabilities/stats", VulnerabilityStatsHandler)
	r.Route("/vulnerabilities/{vulnerability_id}", func(subRouter chi.Router) {
		subRouter.Get("/", GetVulnerabilityHandler)
		subRouter.Put("/status", UpdateVulnerabilityStatusHandler)
		subRouter.Delete("/", DeleteVulnerabilityHandler)
	})
}
