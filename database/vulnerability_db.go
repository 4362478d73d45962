package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"specter/models"
)

// UpsertVulnerability inserts a new deduplicated vulnerability row for the
// given signature, or bumps hit_count and last_seen_at on the existing row.
// Operator-owned fields (status) are never touched on a repeat. It returns
// the row ID, the resulting hit count, and whether the row was newly created.
func UpsertVulnerability(signature string, f models.Finding, seenAt time.Time) (int64, int64, bool, error) {
	if DB == nil {
		return 0, 0, false, fmt.Errorf("database not initialized")
	}

	query := `
		INSERT INTO vulnerabilities (
			signature, plugin_id, vuln_type, severity, confidence,
			url, method, param_name, description, cwe, owasp,
			status, hit_count, first_seen_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			hit_count = hit_count + 1,
			last_seen_at = excluded.last_seen_at
		RETURNING id, hit_count`

	var id, hitCount int64
	err := DB.QueryRow(query,
		signature, f.PluginID, f.VulnType,
		models.NormalizeSeverity(f.Severity), models.NormalizeConfidence(f.Confidence),
		f.URL, f.Method,
		models.NullString(f.ParamName), models.NullString(f.Description),
		models.NullString(f.CWE), models.NullString(f.OWASP),
		models.VulnStatusOpen, seenAt, seenAt,
	).Scan(&id, &hitCount)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to upsert vulnerability: %w", err)
	}
	return id, hitCount, hitCount == 1, nil
}

// AddEvidence stores one captured snippet against a vulnerability row.
func AddEvidence(vulnerabilityID int64, url, method, snippet string, capturedAt time.Time) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := DB.Exec(
		`INSERT INTO evidence (vulnerability_id, url, method, snippet, captured_at) VALUES (?, ?, ?, ?, ?)`,
		vulnerabilityID, url, method, snippet, capturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert evidence for vulnerability %d: %w", vulnerabilityID, err)
	}
	return nil
}

// VulnerabilityFilters narrows ListVulnerabilities. Empty fields are ignored.
type VulnerabilityFilters struct {
	Severity string
	Status   string
	PluginID string
	VulnType string
	Limit    int
	Offset   int
}

const vulnerabilityColumns = `id, signature, plugin_id, vuln_type, severity, confidence,
	url, method, param_name, description, cwe, owasp, status, hit_count, first_seen_at, last_seen_at`

func scanVulnerability(row interface{ Scan(...interface{}) error }) (models.PersistedVulnerability, error) {
	var v models.PersistedVulnerability
	err := row.Scan(
		&v.ID, &v.Signature, &v.PluginID, &v.VulnType, &v.Severity, &v.Confidence,
		&v.URL, &v.Method, &v.ParamName, &v.Description, &v.CWE, &v.OWASP,
		&v.Status, &v.HitCount, &v.FirstSeenAt, &v.LastSeenAt,
	)
	return v, err
}

// ListVulnerabilities returns ledger rows newest-first, applying any filters.
func ListVulnerabilities(filters VulnerabilityFilters) ([]models.PersistedVulnerability, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	var conditions []string
	var args []interface{}
	if filters.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, strings.ToLower(filters.Severity))
	}
	if filters.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, strings.ToLower(filters.Status))
	}
	if filters.PluginID != "" {
		conditions = append(conditions, "plugin_id = ?")
		args = append(args, filters.PluginID)
	}
	if filters.VulnType != "" {
		conditions = append(conditions, "vuln_type = ?")
		args = append(args, filters.VulnType)
	}

	query := "SELECT " + vulnerabilityColumns + " FROM vulnerabilities"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_seen_at DESC, id DESC"
	if filters.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filters.Limit, filters.Offset)
	}

	rows, err := DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vulnerabilities: %w", err)
	}
	defer rows.Close()

	var results []models.PersistedVulnerability
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vulnerability row: %w", err)
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

// GetVulnerabilityByID fetches one ledger row. Returns sql.ErrNoRows when the
// ID does not exist.
func GetVulnerabilityByID(id int64) (models.PersistedVulnerability, error) {
	if DB == nil {
		return models.PersistedVulnerability{}, fmt.Errorf("database not initialized")
	}
	row := DB.QueryRow("SELECT "+vulnerabilityColumns+" FROM vulnerabilities WHERE id = ?", id)
	v, err := scanVulnerability(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.PersistedVulnerability{}, err
		}
		return models.PersistedVulnerability{}, fmt.Errorf("failed to get vulnerability %d: %w", id, err)
	}
	return v, nil
}

// ListEvidence returns the captured snippets for a vulnerability, newest-first.
func ListEvidence(vulnerabilityID int64, limit int) ([]models.Evidence, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	query := `SELECT id, vulnerability_id, url, method, snippet, captured_at
		FROM evidence WHERE vulnerability_id = ? ORDER BY captured_at DESC, id DESC`
	args := []interface{}{vulnerabilityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence for vulnerability %d: %w", vulnerabilityID, err)
	}
	defer rows.Close()

	var results []models.Evidence
	for rows.Next() {
		var e models.Evidence
		if err := rows.Scan(&e.ID, &e.VulnerabilityID, &e.URL, &e.Method, &e.Snippet, &e.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evidence row: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// UpdateVulnerabilityStatus sets the operator triage status on a row. Returns
// sql.ErrNoRows when the ID does not exist.
func UpdateVulnerabilityStatus(id int64, status string) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if !models.ValidVulnStatus(status) {
		return fmt.Errorf("invalid vulnerability status: %s", status)
	}
	result, err := DB.Exec("UPDATE vulnerabilities SET status = ? WHERE id = ?", strings.ToLower(status), id)
	if err != nil {
		return fmt.Errorf("failed to update status for vulnerability %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for vulnerability %d: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteVulnerability removes a ledger row and, via FK cascade, its evidence.
func DeleteVulnerability(id int64) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	result, err := DB.Exec("DELETE FROM vulnerabilities WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete vulnerability %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for vulnerability %d: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountVulnerabilities returns total rows grouped by severity.
func CountVulnerabilities() (map[string]int64, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := DB.Query("SELECT severity, COUNT(*) FROM vulnerabilities GROUP BY severity")
	if err != nil {
		return nil, fmt.Errorf("failed to count vulnerabilities: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var severity string
		var n int64
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("failed to scan vulnerability count row: %w", err)
		}
		counts[severity] = n
	}
	return counts, rows.Err()
}
