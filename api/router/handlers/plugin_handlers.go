package handlers

import (
	"encoding/json"
	"net/http"

	"specter/logger"
	"specter/models"

	"github.com/go-chi/chi/v5"
)

// ListPluginsHandler returns every known plugin with its lifecycle state.
func ListPluginsHandler(w http.ResponseWriter, r *http.Request) {
	records := pluginManager.List()
	if records == nil {
		records = []models.PluginRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// LoadPluginHandler loads a single plugin, either from a script path on disk
// or from inline source written into the plugin directory.
func LoadPluginHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Path     string `json:"path"`
		Filename string `json:"filename"`
		Source   string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var rec models.PluginRecord
	var err error
	switch {
	case payload.Source != "":
		rec, err = pluginManager.LoadSource(payload.Filename, payload.Source)
	case payload.Path != "":
		rec, err = pluginManager.LoadFile(payload.Path)
	default:
		writeError(w, http.StatusBadRequest, "Either 'path' or 'source' must be provided")
		return
	}
	if err != nil {
		logger.Error("LoadPluginHandler: %v", err)
		writeError(w, http.StatusUnprocessableEntity, "Failed to load plugin: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ScanPluginDirectoryHandler re-scans the plugin directory, picking up new
// and changed scripts.
func ScanPluginDirectoryHandler(w http.ResponseWriter, r *http.Request) {
	if err := pluginManager.ScanDirectory(); err != nil {
		logger.Error("ScanPluginDirectoryHandler: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to scan plugin directory: "+err.Error())
		return
	}
	ListPluginsHandler(w, r)
}

// GetPluginHandler returns one plugin record by ID.
func GetPluginHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "plugin_id")
	rec, ok := pluginManager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown plugin: "+id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// EnablePluginHandler marks a plugin eligible for scan dispatch.
func EnablePluginHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "plugin_id")
	if err := pluginManager.Enable(id); err != nil {
		logger.Error("EnablePluginHandler: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, _ := pluginManager.Get(id)
	writeJSON(w, http.StatusOK, rec)
}

// DisablePluginHandler removes a plugin from scan dispatch, draining any
// in-flight calls before returning.
func DisablePluginHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "plugin_id")
	if err := pluginManager.Disable(id); err != nil {
		logger.Error("DisablePluginHandler: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, _ := pluginManager.Get(id)
	writeJSON(w, http.StatusOK, rec)
}

// RemovePluginHandler unloads a plugin and deletes its registry row.
func RemovePluginHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "plugin_id")
	if err := pluginManager.Remove(id); err != nil {
		logger.Error("RemovePluginHandler: %v", err)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Plugin removed", "id": id})
}
