package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"specter/core"
	"specter/logger"
)

type startProxyRequest struct {
	Port int `json:"port,omitempty"`
}

type proxyStatusResponse struct {
	Running bool   `json:"running"`
	Port    int    `json:"port"`
	CAPath  string `json:"ca_path"`
}

// StartProxyHandler handles POST requests to start the intercepting proxy.
// An optional port in the body overrides the configured preferred port; the
// response reports the port actually bound after retry.
func StartProxyHandler(w http.ResponseWriter, r *http.Request) {
	var req startProxyRequest
	if r.Body != nil {
		// An empty body means "use the configured port".
		_ = json.NewDecoder(r.Body).Decode(&req)
		r.Body.Close()
	}

	preferred := req.Port
	if preferred <= 0 {
		preferred = proxyBasePort
	}

	boundPort, err := proxyInstance.Start(preferred)
	if err != nil {
		logger.Error("StartProxyHandler: failed to start proxy from port %d: %v", preferred, err)
		if errors.Is(err, core.ErrPortExhausted) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to start proxy: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, proxyStatusResponse{
		Running: true,
		Port:    boundPort,
		CAPath:  authority.CertPath(),
	})
}

// StopProxyHandler handles POST requests to gracefully stop the proxy.
func StopProxyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := proxyInstance.Stop(ctx); err != nil {
		logger.Error("StopProxyHandler: error stopping proxy: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to stop proxy: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proxyStatusResponse{Running: false, CAPath: authority.CertPath()})
}

// ProxyStatusHandler reports whether the proxy is running and on which port.
func ProxyStatusHandler(w http.ResponseWriter, r *http.Request) {
	running, port := proxyInstance.Running()
	writeJSON(w, http.StatusOK, proxyStatusResponse{
		Running: running,
		Port:    port,
		CAPath:  authority.CertPath(),
	})
}

// ScannerStatsHandler returns a snapshot of the scan pipeline counters.
func ScannerStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pipeline.Stats())
}
