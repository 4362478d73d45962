package core

import (
	"path/filepath"
	"sync"
	"testing"

	"specter/database"
	"specter/events"
	"specter/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	require.NoError(t, database.InitDB(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { database.CloseDB() })
}

func sampleFinding() models.Finding {
	return models.Finding{
		ID:         "f-1",
		PluginID:   "sqli-detector",
		VulnType:   "sql_injection",
		Severity:   "high",
		Confidence: "medium",
		URL:        "https://example.com/search?q=test&page=2",
		Method:     "GET",
		ParamName:  "q",
		Evidence:   "You have an error in your SQL syntax",
	}
}

func TestSignatureIsDeterministic(t *testing.T) {
	d := NewDeduper(256, nil)
	f := sampleFinding()
	assert.Equal(t, d.Signature(f), d.Signature(f))
	assert.Len(t, d.Signature(f), 64)
}

func TestSignatureIgnoresQueryParamValues(t *testing.T) {
	d := NewDeduper(256, nil)

	a := sampleFinding()
	b := sampleFinding()
	b.URL = "https://example.com/search?q=ANOTHER'--&page=99"
	assert.Equal(t, d.Signature(a), d.Signature(b),
		"different payloads against the same parameter set must collapse")

	c := sampleFinding()
	c.URL = "https://example.com/search?q=test&page=2&extra=1"
	assert.NotEqual(t, d.Signature(a), d.Signature(c),
		"a different parameter set is a different signature")
}

func TestSignatureDistinguishesComponents(t *testing.T) {
	d := NewDeduper(256, nil)
	base := sampleFinding()

	byPlugin := sampleFinding()
	byPlugin.PluginID = "other-plugin"
	assert.NotEqual(t, d.Signature(base), d.Signature(byPlugin))

	byType := sampleFinding()
	byType.VulnType = "xss"
	assert.NotEqual(t, d.Signature(base), d.Signature(byType))

	byParam := sampleFinding()
	byParam.ParamName = "page"
	assert.NotEqual(t, d.Signature(base), d.Signature(byParam))

	byPath := sampleFinding()
	byPath.URL = "https://example.com/other?q=test&page=2"
	assert.NotEqual(t, d.Signature(base), d.Signature(byPath))
}

func TestSignatureNormalizesEvidenceWhitespace(t *testing.T) {
	d := NewDeduper(256, nil)

	a := sampleFinding()
	b := sampleFinding()
	b.Evidence = "You have an error   in your\n\tSQL syntax"
	assert.Equal(t, d.Signature(a), d.Signature(b))
}

func TestSignatureTruncatesLongEvidence(t *testing.T) {
	d := NewDeduper(16, nil)

	a := sampleFinding()
	a.Evidence = "shared-prefix-0123456789 tail one"
	b := sampleFinding()
	b.Evidence = "shared-prefix-0123456789 tail two"
	assert.Equal(t, d.Signature(a), d.Signature(b),
		"evidence differing beyond the cap must not split the signature")
}

func TestIngestInsertsThenBumps(t *testing.T) {
	setupTestDB(t)
	d := NewDeduper(256, nil)

	first, err := d.Ingest(sampleFinding())
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.EqualValues(t, 1, first.HitCount)

	second, err := d.Ingest(sampleFinding())
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.EqualValues(t, 2, second.HitCount)
	assert.Equal(t, first.VulnerabilityID, second.VulnerabilityID)

	vulns, err := database.ListVulnerabilities(database.VulnerabilityFilters{})
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	assert.EqualValues(t, 2, vulns[0].HitCount)

	evidence, err := database.ListEvidence(first.VulnerabilityID, 0)
	require.NoError(t, err)
	assert.Len(t, evidence, 2, "every hit records an evidence snippet")
}

func TestIngestPreservesOperatorStatus(t *testing.T) {
	setupTestDB(t)
	d := NewDeduper(256, nil)

	first, err := d.Ingest(sampleFinding())
	require.NoError(t, err)
	require.NoError(t, database.UpdateVulnerabilityStatus(first.VulnerabilityID, models.VulnStatusFalsePositive))

	_, err = d.Ingest(sampleFinding())
	require.NoError(t, err)

	vuln, err := database.GetVulnerabilityByID(first.VulnerabilityID)
	require.NoError(t, err)
	assert.Equal(t, models.VulnStatusFalsePositive, vuln.Status, "a repeat hit must not reset triage")
	assert.EqualValues(t, 2, vuln.HitCount)
}

func TestIngestPublishesNewThenRepeat(t *testing.T) {
	setupTestDB(t)
	broker := events.NewBroker(8)
	ch, cancel := broker.Subscribe()
	defer cancel()

	d := NewDeduper(256, broker)
	_, err := d.Ingest(sampleFinding())
	require.NoError(t, err)
	_, err = d.Ingest(sampleFinding())
	require.NoError(t, err)

	ev1 := <-ch
	ev2 := <-ch
	assert.Equal(t, events.TypeNewFinding, ev1.Type)
	assert.Equal(t, events.TypeRepeatHit, ev2.Type)
}

func TestIngestConcurrentSameSignature(t *testing.T) {
	setupTestDB(t)
	d := NewDeduper(256, nil)

	const goroutines = 8
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Ingest(sampleFinding())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	vulns, err := database.ListVulnerabilities(database.VulnerabilityFilters{})
	require.NoError(t, err)
	require.Len(t, vulns, 1, "concurrent ingests of one signature yield one row")
	assert.EqualValues(t, goroutines, vulns[0].HitCount)
}
