package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"specter/database"
	"specter/events"
	"specter/models"
	"specter/plugins"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineScript = `
get_metadata := func() {
	return {id: "sql-error-detector", name: "SQL Error Detector", default_severity: "high"}
}

scan_request := func(ctx) {
	if ctx.query_params.debug != undefined {
		emit_finding({
			vuln_type: "debug_param",
			severity: "low",
			param_name: "debug",
			evidence: "debug parameter present"
		})
	}
	return true
}

scan_response := func(ctx) {
	text := import("text")
	if text.contains(ctx.response.body, "sql syntax") {
		emit_finding({
			vuln_type: "sql_error_leak",
			evidence: "sql syntax",
			param_name: ""
		})
	}
	return true
}
`

func setupPipelineTest(t *testing.T, cfg PipelineConfig) *Pipeline {
	t.Helper()
	setupTestDB(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "detector.tengo"), []byte(pipelineScript), 0644))

	manager := plugins.NewManager(dir, plugins.Options{CallTimeout: 5 * time.Second}, nil)
	require.NoError(t, manager.ScanDirectory())
	require.NoError(t, manager.Enable("sql-error-detector"))
	require.Len(t, manager.EnabledEngines(), 1)

	p := NewPipeline(manager, NewDeduper(256, nil), events.NewBroker(8), cfg)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func pipelineRequest(id, rawURL string) models.RequestContext {
	return models.RequestContext{
		ID:          id,
		URL:         rawURL,
		Method:      "GET",
		Headers:     map[string][]string{},
		QueryParams: map[string]string{},
		Timestamp:   time.Now(),
	}
}

func countVulns(t *testing.T, vulnType string) int {
	t.Helper()
	vulns, err := database.ListVulnerabilities(database.VulnerabilityFilters{VulnType: vulnType})
	require.NoError(t, err)
	return len(vulns)
}

func TestPipelineScansRequestPhase(t *testing.T) {
	p := setupPipelineTest(t, PipelineConfig{})

	req := pipelineRequest("r1", "https://example.com/page?debug=1")
	req.QueryParams["debug"] = "1"
	p.ProcessRequest(req)

	assert.Eventually(t, func() bool {
		return countVulns(t, "debug_param") == 1
	}, 3*time.Second, 50*time.Millisecond, "request-phase finding should land in the ledger")
}

func TestPipelinePairsRequestWithResponse(t *testing.T) {
	p := setupPipelineTest(t, PipelineConfig{})

	p.ProcessRequest(pipelineRequest("r1", "https://example.com/search?q=1"))
	p.ProcessResponse(models.ResponseContext{
		ID:         "r1",
		StatusCode: 500,
		Headers:    map[string][]string{},
		Body:       []byte("You have an error in your sql syntax"),
		Timestamp:  time.Now(),
	})

	assert.Eventually(t, func() bool {
		return countVulns(t, "sql_error_leak") == 1
	}, 3*time.Second, 50*time.Millisecond, "response-phase finding should land in the ledger")

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.RequestsSeen)
	assert.EqualValues(t, 1, stats.ResponsesSeen)
	assert.Zero(t, stats.CachedExchanges, "a paired response clears the cache entry")
}

func TestPipelineDropsUncorrelatedResponse(t *testing.T) {
	p := setupPipelineTest(t, PipelineConfig{})

	p.ProcessResponse(models.ResponseContext{
		ID:         "never-seen",
		StatusCode: 500,
		Headers:    map[string][]string{},
		Body:       []byte("You have an error in your sql syntax"),
		Timestamp:  time.Now(),
	})

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, countVulns(t, "sql_error_leak"))
	assert.EqualValues(t, 1, p.Stats().ResponsesSeen)
}

func TestPipelineEvictsOrphanedRequests(t *testing.T) {
	p := setupPipelineTest(t, PipelineConfig{OrphanTTL: 200 * time.Millisecond})

	p.ProcessRequest(pipelineRequest("orphan", "https://example.com/abandoned"))
	require.Equal(t, 1, p.Stats().CachedExchanges)

	assert.Eventually(t, func() bool {
		return p.Stats().CachedExchanges == 0
	}, 5*time.Second, 100*time.Millisecond, "the janitor should evict the orphaned request")
}

func TestPipelineRepeatHitsCollapse(t *testing.T) {
	p := setupPipelineTest(t, PipelineConfig{})

	for i := 0; i < 3; i++ {
		req := pipelineRequest("r", "https://example.com/page?debug=1")
		req.ID = req.ID + string(rune('a'+i))
		req.QueryParams["debug"] = "1"
		p.ProcessRequest(req)
	}

	assert.Eventually(t, func() bool {
		vulns, err := database.ListVulnerabilities(database.VulnerabilityFilters{VulnType: "debug_param"})
		require.NoError(t, err)
		return len(vulns) == 1 && vulns[0].HitCount == 3
	}, 3*time.Second, 50*time.Millisecond, "identical findings collapse into one row with hit_count 3")
}

func TestPipelineStopsCleanly(t *testing.T) {
	p := setupPipelineTest(t, PipelineConfig{})
	p.ProcessRequest(pipelineRequest("r1", "https://example.com/"))
	p.Stop()

	// Enqueues after stop are ignored rather than panicking.
	p.ProcessRequest(pipelineRequest("r2", "https://example.com/"))
	p.Stop()
}
