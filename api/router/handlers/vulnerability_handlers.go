package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"specter/database"
	"specter/logger"
	"specter/models"

	"github.com/go-chi/chi/v5"
)

// ListVulnerabilitiesHandler returns ledger rows, optionally filtered by
// severity, status, plugin_id, or vuln_type query parameters.
func ListVulnerabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := database.VulnerabilityFilters{
		Severity: q.Get("severity"),
		Status:   q.Get("status"),
		PluginID: q.Get("plugin_id"),
		VulnType: q.Get("vuln_type"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filters.Limit = limit
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filters.Offset = offset
		}
	}

	vulns, err := database.ListVulnerabilities(filters)
	if err != nil {
		logger.Error("ListVulnerabilitiesHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to retrieve vulnerabilities")
		return
	}
	if vulns == nil {
		vulns = []models.PersistedVulnerability{}
	}
	writeJSON(w, http.StatusOK, vulns)
}

type vulnerabilityDetailResponse struct {
	models.PersistedVulnerability
	Evidence []models.Evidence `json:"evidence"`
}

// GetVulnerabilityHandler returns one ledger row with its evidence snippets.
func GetVulnerabilityHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseVulnerabilityID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid vulnerability ID format")
		return
	}

	vuln, err := database.GetVulnerabilityByID(id)
	if err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "Vulnerability not found")
			return
		}
		logger.Error("GetVulnerabilityHandler: error fetching vulnerability %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to retrieve vulnerability")
		return
	}

	evidence, err := database.ListEvidence(id, 50)
	if err != nil {
		logger.Error("GetVulnerabilityHandler: error fetching evidence for %d: %v", id, err)
		evidence = nil
	}
	if evidence == nil {
		evidence = []models.Evidence{}
	}

	writeJSON(w, http.StatusOK, vulnerabilityDetailResponse{
		PersistedVulnerability: vuln,
		Evidence:               evidence,
	})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateVulnerabilityStatusHandler sets the operator triage status on a row.
func UpdateVulnerabilityStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseVulnerabilityID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid vulnerability ID format")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if !models.ValidVulnStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "Invalid status: "+req.Status)
		return
	}

	if err := database.UpdateVulnerabilityStatus(id, req.Status); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "Vulnerability not found")
			return
		}
		logger.Error("UpdateVulnerabilityStatusHandler: error updating %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to update vulnerability status")
		return
	}

	updated, err := database.GetVulnerabilityByID(id)
	if err != nil {
		logger.Error("UpdateVulnerabilityStatusHandler: error re-fetching %d: %v", id, err)
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteVulnerabilityHandler removes a ledger row and its evidence.
func DeleteVulnerabilityHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseVulnerabilityID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid vulnerability ID format")
		return
	}

	if err := database.DeleteVulnerability(id); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "Vulnerability not found")
			return
		}
		logger.Error("DeleteVulnerabilityHandler: error deleting %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete vulnerability")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "message": "Vulnerability deleted"})
}

// VulnerabilityStatsHandler returns row counts grouped by severity.
func VulnerabilityStatsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := database.CountVulnerabilities()
	if err != nil {
		logger.Error("VulnerabilityStatsHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to count vulnerabilities")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func parseVulnerabilityID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "vulnerability_id"), 10, 64)
}
