package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"specter/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullScript = `
get_metadata := func() {
	return {
		id: "error-detector",
		name: "Error Detector",
		version: "1.2.3",
		category: "injection",
		default_severity: "high",
		tags: ["sqli", "errors"]
	}
}

scan_request := func(ctx) {
	if ctx.method == "POST" {
		emit_finding({
			vuln_type: "sensitive_post",
			evidence: "POST to " + ctx.url,
			param_name: "body"
		})
	}
	return true
}

scan_response := func(ctx) {
	text := import("text")
	if text.contains(ctx.response.body, "sql syntax") {
		log("info", "sql error leaked at " + ctx.request.url)
		emit_finding({
			vuln_type: "sql_error_leak",
			severity: "critical",
			evidence: "sql syntax"
		})
	}
	return true
}
`

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func testRequest(method string) models.RequestContext {
	return models.RequestContext{
		ID:          "req-1",
		URL:         "https://example.com/login",
		Method:      method,
		Headers:     map[string][]string{"Content-Type": {"application/json"}},
		QueryParams: map[string]string{},
	}
}

func TestNewEngineExtractsMetadata(t *testing.T) {
	e, err := NewEngine(writeScript(t, "detector.tengo", fullScript), Options{})
	require.NoError(t, err)

	meta := e.Metadata()
	assert.Equal(t, "error-detector", meta.ID)
	assert.Equal(t, "Error Detector", meta.Name)
	assert.Equal(t, "1.2.3", meta.Version)
	assert.Equal(t, "high", meta.DefaultSeverity)
	assert.Equal(t, []string{"sqli", "errors"}, meta.Tags)
	assert.True(t, e.HasRequestHook())
	assert.True(t, e.HasResponseHook())
}

func TestNewEngineFilenameFallbackMetadata(t *testing.T) {
	script := `scan_request := func(ctx) { return true }`
	e, err := NewEngine(writeScript(t, "bare-plugin.tengo", script), Options{})
	require.NoError(t, err)

	meta := e.Metadata()
	assert.Equal(t, "bare-plugin", meta.ID)
	assert.Equal(t, "bare-plugin", meta.Name)
	assert.Equal(t, models.SeverityMedium, meta.DefaultSeverity)
	assert.False(t, e.HasResponseHook())
}

func TestNewEngineRejectsNoEntryPoints(t *testing.T) {
	script := `helper := func() { return 1 }`
	_, err := NewEngine(writeScript(t, "useless.tengo", script), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither scan_request nor scan_response")
}

func TestNewEngineRejectsBrokenScript(t *testing.T) {
	_, err := NewEngine(writeScript(t, "broken.tengo", `scan_request := func(`), Options{})
	require.Error(t, err)
}

func TestScanRequestEmitsFindings(t *testing.T) {
	e, err := NewEngine(writeScript(t, "detector.tengo", fullScript), Options{})
	require.NoError(t, err)

	findings, err := e.ScanRequest(context.Background(), testRequest("POST"))
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, "error-detector", f.PluginID, "plugin identity is stamped host-side")
	assert.Equal(t, "sensitive_post", f.VulnType)
	assert.Equal(t, "high", f.Severity, "omitted severity falls back to the plugin default")
	assert.Equal(t, "https://example.com/login", f.URL)
	assert.Equal(t, "POST", f.Method)
	assert.NotEmpty(t, f.ID)

	// A GET request does not trip the probe.
	findings, err = e.ScanRequest(context.Background(), testRequest("GET"))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestScanResponseSeesCombinedContext(t *testing.T) {
	e, err := NewEngine(writeScript(t, "detector.tengo", fullScript), Options{})
	require.NoError(t, err)

	combined := models.CombinedContext{
		Request: testRequest("GET"),
		Response: models.ResponseContext{
			ID:         "req-1",
			StatusCode: 500,
			Headers:    map[string][]string{"Content-Type": {"text/html"}},
			Body:       []byte("You have an error in your sql syntax near line 1"),
		},
	}

	findings, err := e.ScanResponse(context.Background(), combined)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "sql_error_leak", findings[0].VulnType)
	assert.Equal(t, "critical", findings[0].Severity)
}

func TestScanRequestMissingHookIsNoop(t *testing.T) {
	script := `scan_response := func(ctx) { return true }`
	e, err := NewEngine(writeScript(t, "resp-only.tengo", script), Options{})
	require.NoError(t, err)

	findings, err := e.ScanRequest(context.Background(), testRequest("POST"))
	require.NoError(t, err)
	assert.Nil(t, findings)
}

func TestScanRequestTimesOutHungScript(t *testing.T) {
	script := `
scan_request := func(ctx) {
	for {}
	return true
}
`
	e, err := NewEngine(writeScript(t, "hung.tengo", script), Options{CallTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = e.ScanRequest(context.Background(), testRequest("GET"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "the hung call must be aborted, not waited out")

	// The engine stays usable after an aborted call.
	findings, err := e.ScanRequest(context.Background(), testRequest("GET"))
	_ = findings
	require.Error(t, err, "the script always hangs; the second call should also time out, not deadlock")
}

func TestFindingValidationRejectsIncompleteMaps(t *testing.T) {
	script := `
scan_request := func(ctx) {
	r := emit_finding({evidence: "no type"})
	if is_error(r) {
		log("warn", "rejected as expected")
	}
	return true
}
`
	e, err := NewEngine(writeScript(t, "invalid-emit.tengo", script), Options{})
	require.NoError(t, err)

	findings, err := e.ScanRequest(context.Background(), testRequest("GET"))
	require.NoError(t, err)
	assert.Empty(t, findings, "a finding without vuln_type is rejected")
}

func TestHTTPGetGatedByDefault(t *testing.T) {
	script := `
scan_request := func(ctx) {
	r := http_get("http://127.0.0.1:1/unreachable")
	if is_error(r) {
		emit_finding({vuln_type: "gate_closed", evidence: "outbound denied"})
	}
	return true
}
`
	e, err := NewEngine(writeScript(t, "outbound.tengo", script), Options{AllowOutbound: false})
	require.NoError(t, err)

	findings, err := e.ScanRequest(context.Background(), testRequest("GET"))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "gate_closed", findings[0].VulnType)
}
