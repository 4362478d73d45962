package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"specter/models"
)

// UpsertPluginRecord writes the registry row for a plugin, replacing any
// previous row with the same ID.
func UpsertPluginRecord(rec models.PluginRecord) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags for plugin %s: %w", rec.ID, err)
	}

	query := `
		INSERT INTO plugin_registry (
			id, name, version, category, default_severity, tags,
			status, source_path, error_message, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			category = excluded.category,
			default_severity = excluded.default_severity,
			tags = excluded.tags,
			status = excluded.status,
			source_path = excluded.source_path,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`

	_, err = DB.Exec(query,
		rec.ID, rec.Name, rec.Version, rec.Category, rec.DefaultSeverity, string(tagsJSON),
		rec.Status, rec.SourcePath, rec.ErrorMessage, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert plugin registry row %s: %w", rec.ID, err)
	}
	return nil
}

// GetPluginRecord fetches one registry row. Returns sql.ErrNoRows when the ID
// is unknown.
func GetPluginRecord(id string) (models.PluginRecord, error) {
	if DB == nil {
		return models.PluginRecord{}, fmt.Errorf("database not initialized")
	}
	row := DB.QueryRow(`SELECT id, name, version, category, default_severity, tags,
		status, source_path, error_message FROM plugin_registry WHERE id = ?`, id)
	rec, err := scanPluginRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.PluginRecord{}, err
		}
		return models.PluginRecord{}, fmt.Errorf("failed to get plugin registry row %s: %w", id, err)
	}
	return rec, nil
}

// ListPluginRecords returns all registry rows ordered by ID.
func ListPluginRecords() ([]models.PluginRecord, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := DB.Query(`SELECT id, name, version, category, default_severity, tags,
		status, source_path, error_message FROM plugin_registry ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin registry: %w", err)
	}
	defer rows.Close()

	var results []models.PluginRecord
	for rows.Next() {
		rec, err := scanPluginRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin registry row: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// DeletePluginRecord removes a registry row. Returns sql.ErrNoRows when the
// ID is unknown.
func DeletePluginRecord(id string) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	result, err := DB.Exec("DELETE FROM plugin_registry WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete plugin registry row %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for plugin %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanPluginRecord(row interface{ Scan(...interface{}) error }) (models.PluginRecord, error) {
	var rec models.PluginRecord
	var tagsJSON string
	err := row.Scan(
		&rec.ID, &rec.Name, &rec.Version, &rec.Category, &rec.DefaultSeverity, &tagsJSON,
		&rec.Status, &rec.SourcePath, &rec.ErrorMessage,
	)
	if err != nil {
		return models.PluginRecord{}, err
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
			rec.Tags = nil
		}
	}
	return rec, nil
}
