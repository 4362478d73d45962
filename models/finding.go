package models

import (
	"database/sql"
	"time"
)

// Finding is a single potential vulnerability emitted by one plugin scan
// call. ID and PluginID are stamped server-side when the plugin calls the
// emit_finding host function; the rest comes from the plugin.
type Finding struct {
	ID          string `json:"id"`
	PluginID    string `json:"plugin_id"`
	VulnType    string `json:"vuln_type"`
	Severity    string `json:"severity"`
	Confidence  string `json:"confidence"`
	URL         string `json:"url"`
	Method      string `json:"method"`
	ParamName   string `json:"param_name,omitempty"`
	ParamValue  string `json:"param_value,omitempty"`
	Evidence    string `json:"evidence"`
	Description string `json:"description,omitempty"`
	CWE         string `json:"cwe,omitempty"`
	OWASP       string `json:"owasp,omitempty"`
}

// PersistedVulnerability is the deduplicated ledger row for a finding
// signature. HitCount and LastSeenAt are bumped on every repeat match;
// Status belongs to the operator.
type PersistedVulnerability struct {
	ID          int64          `json:"id"`
	Signature   string         `json:"signature"`
	PluginID    string         `json:"plugin_id"`
	VulnType    string         `json:"vuln_type"`
	Severity    string         `json:"severity"`
	Confidence  string         `json:"confidence"`
	URL         string         `json:"url"`
	Method      string         `json:"method"`
	ParamName   sql.NullString `json:"param_name"`
	Description sql.NullString `json:"description"`
	CWE         sql.NullString `json:"cwe"`
	OWASP       sql.NullString `json:"owasp"`
	Status      string         `json:"status"`
	HitCount    int64          `json:"hit_count"`
	FirstSeenAt time.Time      `json:"first_seen_at"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
}

// Evidence is one captured request/response snippet that triggered a hit on
// a persisted vulnerability.
type Evidence struct {
	ID              int64     `json:"id"`
	VulnerabilityID int64     `json:"vulnerability_id"`
	URL             string    `json:"url"`
	Method          string    `json:"method"`
	Snippet         string    `json:"snippet"`
	CapturedAt      time.Time `json:"captured_at"`
}
