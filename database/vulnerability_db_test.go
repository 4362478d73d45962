package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"specter/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	require.NoError(t, InitDB(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { CloseDB() })
}

func testFinding() models.Finding {
	return models.Finding{
		PluginID:   "sqli-detector",
		VulnType:   "sql_injection",
		Severity:   "high",
		Confidence: "medium",
		URL:        "https://example.com/search?q=1",
		Method:     "GET",
		ParamName:  "q",
		Evidence:   "sql syntax error",
	}
}

func TestUpsertVulnerabilityInsertThenBump(t *testing.T) {
	setupTestDB(t)
	now := time.Now().UTC()

	id1, hits1, isNew1, err := UpsertVulnerability("sig-1", testFinding(), now)
	require.NoError(t, err)
	assert.True(t, isNew1)
	assert.EqualValues(t, 1, hits1)

	later := now.Add(time.Minute)
	id2, hits2, isNew2, err := UpsertVulnerability("sig-1", testFinding(), later)
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.EqualValues(t, 2, hits2)
	assert.Equal(t, id1, id2)

	vuln, err := GetVulnerabilityByID(id1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, vuln.HitCount)
	assert.Equal(t, models.VulnStatusOpen, vuln.Status)
	assert.True(t, vuln.LastSeenAt.After(vuln.FirstSeenAt))
}

func TestUpsertVulnerabilityNormalizesSeverity(t *testing.T) {
	setupTestDB(t)

	f := testFinding()
	f.Severity = "CATASTROPHIC"
	f.Confidence = "absolute"
	id, _, _, err := UpsertVulnerability("sig-odd", f, time.Now().UTC())
	require.NoError(t, err)

	vuln, err := GetVulnerabilityByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMedium, vuln.Severity)
	assert.Equal(t, models.ConfidenceMedium, vuln.Confidence)
}

func TestListVulnerabilitiesFilters(t *testing.T) {
	setupTestDB(t)
	now := time.Now().UTC()

	high := testFinding()
	_, _, _, err := UpsertVulnerability("sig-high", high, now)
	require.NoError(t, err)

	low := testFinding()
	low.Severity = "low"
	low.VulnType = "info_leak"
	low.PluginID = "header-checker"
	_, _, _, err = UpsertVulnerability("sig-low", low, now)
	require.NoError(t, err)

	all, err := ListVulnerabilities(VulnerabilityFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	highs, err := ListVulnerabilities(VulnerabilityFilters{Severity: "high"})
	require.NoError(t, err)
	require.Len(t, highs, 1)
	assert.Equal(t, "sig-high", highs[0].Signature)

	byPlugin, err := ListVulnerabilities(VulnerabilityFilters{PluginID: "header-checker"})
	require.NoError(t, err)
	require.Len(t, byPlugin, 1)
	assert.Equal(t, "info_leak", byPlugin[0].VulnType)

	none, err := ListVulnerabilities(VulnerabilityFilters{Status: models.VulnStatusFixed})
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := ListVulnerabilities(VulnerabilityFilters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUpdateVulnerabilityStatus(t *testing.T) {
	setupTestDB(t)

	id, _, _, err := UpsertVulnerability("sig-1", testFinding(), time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, UpdateVulnerabilityStatus(id, models.VulnStatusReviewed))
	vuln, err := GetVulnerabilityByID(id)
	require.NoError(t, err)
	assert.Equal(t, models.VulnStatusReviewed, vuln.Status)

	assert.Error(t, UpdateVulnerabilityStatus(id, "bogus"))
	assert.ErrorIs(t, UpdateVulnerabilityStatus(99999, models.VulnStatusFixed), sql.ErrNoRows)
}

func TestDeleteVulnerabilityCascadesEvidence(t *testing.T) {
	setupTestDB(t)
	now := time.Now().UTC()

	id, _, _, err := UpsertVulnerability("sig-1", testFinding(), now)
	require.NoError(t, err)
	require.NoError(t, AddEvidence(id, "https://example.com/search?q=1", "GET", "snippet one", now))
	require.NoError(t, AddEvidence(id, "https://example.com/search?q=2", "GET", "snippet two", now))

	evidence, err := ListEvidence(id, 0)
	require.NoError(t, err)
	require.Len(t, evidence, 2)

	require.NoError(t, DeleteVulnerability(id))
	_, err = GetVulnerabilityByID(id)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	orphaned, err := ListEvidence(id, 0)
	require.NoError(t, err)
	assert.Empty(t, orphaned, "evidence rows are removed by the FK cascade")

	assert.ErrorIs(t, DeleteVulnerability(id), sql.ErrNoRows)
}

func TestCountVulnerabilitiesGroupsBySeverity(t *testing.T) {
	setupTestDB(t)
	now := time.Now().UTC()

	for i, severity := range []string{"high", "high", "low"} {
		f := testFinding()
		f.Severity = severity
		_, _, _, err := UpsertVulnerability("sig-"+string(rune('a'+i)), f, now)
		require.NoError(t, err)
	}

	counts, err := CountVulnerabilities()
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts["high"])
	assert.EqualValues(t, 1, counts["low"])
}
