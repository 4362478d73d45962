package handlers

import (
	"github.com/go-chi/chi/v5"
)

func RegisterCertificateRoutes(r chi.Router) {
	r.Get("/certificate", ExportCACertificateHandler)
	r.Get("/certificate/info", CACertificateInfoHandler)
}
