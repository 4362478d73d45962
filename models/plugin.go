package models

import "database/sql"

// PluginMetadata is what a plugin's get_metadata entry point declares about
// itself. When the entry point is missing, the loader derives ID and Name
// from the source filename.
type PluginMetadata struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Category        string   `json:"category"`
	DefaultSeverity string   `json:"default_severity"`
	Tags            []string `json:"tags"`
	Description     string   `json:"description,omitempty"`
}

// PluginRecord is the registry entry for one plugin: its metadata plus the
// lifecycle state the manager tracks.
type PluginRecord struct {
	PluginMetadata
	Status       string         `json:"status"`
	SourcePath   string         `json:"source_path"`
	ErrorMessage sql.NullString `json:"error_message"`
}
