package models

import (
	"database/sql"
	"strings"
)

// NullString is a helper function to create a sql.NullString from a string.
// If the input string is empty, it returns a NullString with Valid set to false.
// Otherwise, it returns a NullString with the given string and Valid set to true.
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{String: "", Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// ErrorResponse is the JSON error envelope returned by API handlers.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Severity levels accepted on findings.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Confidence levels accepted on findings.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Vulnerability review statuses. Status is operator-controlled; repeat hits
// never overwrite it.
const (
	VulnStatusOpen          = "open"
	VulnStatusReviewed      = "reviewed"
	VulnStatusFalsePositive = "false_positive"
	VulnStatusFixed         = "fixed"
)

// Plugin lifecycle statuses.
const (
	PluginStatusLoaded   = "loaded"
	PluginStatusEnabled  = "enabled"
	PluginStatusDisabled = "disabled"
	PluginStatusError    = "error"
)

// NormalizeSeverity maps arbitrary plugin-supplied severity strings onto the
// known set, defaulting to medium.
func NormalizeSeverity(s string) string {
	lowered := strings.ToLower(s)
	switch lowered {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return lowered
	}
	return SeverityMedium
}

// NormalizeConfidence maps arbitrary plugin-supplied confidence strings onto
// the known set, defaulting to medium.
func NormalizeConfidence(s string) string {
	lowered := strings.ToLower(s)
	switch lowered {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return lowered
	}
	return ConfidenceMedium
}

// ValidVulnStatus reports whether s is an operator-settable review status.
func ValidVulnStatus(s string) bool {
	switch s {
	case VulnStatusOpen, VulnStatusReviewed, VulnStatusFalsePositive, VulnStatusFixed:
		return true
	}
	return false
}
