package handlers

import (
	"net/http"

	"specter/logger"
)

// ExportCACertificateHandler serves the root CA certificate as a PEM download
// so clients can install the trust anchor.
func ExportCACertificateHandler(w http.ResponseWriter, r *http.Request) {
	pemBytes, err := authority.CertPEM()
	if err != nil {
		logger.Error("ExportCACertificateHandler: could not encode CA certificate: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to export CA certificate")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="specter-ca.crt"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pemBytes); err != nil {
		logger.Error("ExportCACertificateHandler: error writing certificate: %v", err)
	}
}

// CACertificateInfoHandler reports where the CA lives and its fingerprint,
// for display in a settings UI.
func CACertificateInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"path":        authority.CertPath(),
		"fingerprint": authority.Fingerprint(),
	})
}
