// Package plugins loads and runs Tengo scan scripts. Scripts run in a
// sandboxed VM with only safe stdlib modules: no file I/O, no OS access, and
// no network unless the operator explicitly enables the outbound gate.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"specter/logger"
	"specter/models"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/google/uuid"
)

// safeModules are the only Tengo stdlib modules available to scripts.
var safeModules = stdlib.GetModuleMap("text", "fmt", "math", "times", "json")

const scriptMaxAllocs = 10_000_000

// ErrCallTimeout is returned when a scan call exceeds the configured budget.
var ErrCallTimeout = errors.New("plugin call timed out")

const outboundHTTPTimeout = 10 * time.Second

// Options tunes engine execution.
type Options struct {
	// CallTimeout bounds a single scan_request/scan_response invocation.
	CallTimeout time.Duration
	// AllowOutbound exposes the http_get host function to scripts.
	AllowOutbound bool
	// AutoEnable makes newly discovered plugins eligible for dispatch
	// immediately instead of waiting for an explicit enable.
	AutoEnable bool
}

// Engine is one loaded plugin: its metadata plus the pre-compiled entry point
// wrappers. A scan call clones the compiled wrapper, so concurrent calls and
// aborted calls never share or corrupt VM state.
type Engine struct {
	meta       models.PluginMetadata
	sourcePath string

	hasRequest  bool
	hasResponse bool

	compiledRequest  *tengo.Compiled
	compiledResponse *tengo.Compiled

	opts Options

	// wg tracks in-flight scan calls so Disable can drain them.
	wg sync.WaitGroup
}

// NewEngine reads, validates, and pre-compiles the script at path. The script
// must define at least one of scan_request or scan_response; get_metadata is
// optional and falls back to filename-derived identity.
func NewEngine(path string, opts Options) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin script %s: %w", path, err)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}

	fallbackID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	// Run the base script once so top-level code executes and entry point
	// definitions become visible.
	base := tengo.NewScript(data)
	base.SetImports(safeModules)
	base.SetMaxAllocs(scriptMaxAllocs)
	addHostPlaceholders(base, fallbackID)

	compiled, err := base.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate plugin script %s: %w", path, err)
	}

	e := &Engine{
		sourcePath:  path,
		hasRequest:  !compiled.Get("scan_request").IsUndefined(),
		hasResponse: !compiled.Get("scan_response").IsUndefined(),
		opts:        opts,
	}
	if !e.hasRequest && !e.hasResponse {
		return nil, fmt.Errorf("plugin script %s defines neither scan_request nor scan_response", path)
	}

	e.meta, err = extractMetadata(data, fallbackID, !compiled.Get("get_metadata").IsUndefined())
	if err != nil {
		return nil, fmt.Errorf("failed to extract metadata from %s: %w", path, err)
	}

	if e.hasRequest {
		e.compiledRequest, err = precompileEntry(data, "scan_request", e.meta.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to precompile scan_request for %s: %w", path, err)
		}
	}
	if e.hasResponse {
		e.compiledResponse, err = precompileEntry(data, "scan_response", e.meta.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to precompile scan_response for %s: %w", path, err)
		}
	}

	logger.Debug("Plugin %s loaded from %s (scan_request=%t scan_response=%t)",
		e.meta.ID, path, e.hasRequest, e.hasResponse)
	return e, nil
}

// addHostPlaceholders registers the host surface so top-level script code can
// reference it. Real bindings are swapped in per call via Set on the clone.
func addHostPlaceholders(s *tengo.Script, pluginID string) {
	_ = s.Add("emit_finding", &tengo.UserFunction{Name: "emit_finding",
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			return tengo.UndefinedValue, nil
		}})
	_ = s.Add("log", &tengo.UserFunction{Name: "log", Value: logHostFunc(pluginID)})
	_ = s.Add("http_get", &tengo.UserFunction{Name: "http_get",
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			return &tengo.Error{Value: &tengo.String{Value: "http_get not available outside scan calls"}}, nil
		}})
	_ = s.Add("__ctx__", tengo.UndefinedValue)
}

func precompileEntry(source []byte, entryPoint, pluginID string) (*tengo.Compiled, error) {
	wrapper := fmt.Sprintf("%s\n__ok__ := %s(__ctx__)\n", source, entryPoint)
	s := tengo.NewScript([]byte(wrapper))
	s.SetImports(safeModules)
	s.SetMaxAllocs(scriptMaxAllocs)
	addHostPlaceholders(s, pluginID)
	return s.Compile()
}

// extractMetadata invokes get_metadata via a wrapper run, or derives identity
// from the filename when the entry point is absent.
func extractMetadata(source []byte, fallbackID string, hasMetadata bool) (models.PluginMetadata, error) {
	meta := models.PluginMetadata{
		ID:              fallbackID,
		Name:            fallbackID,
		Version:         "1.0.0",
		DefaultSeverity: models.SeverityMedium,
	}
	if !hasMetadata {
		return meta, nil
	}

	wrapper := fmt.Sprintf("%s\n__meta__ := get_metadata()\n", source)
	s := tengo.NewScript([]byte(wrapper))
	s.SetImports(safeModules)
	s.SetMaxAllocs(scriptMaxAllocs)
	addHostPlaceholders(s, fallbackID)

	compiled, err := s.Run()
	if err != nil {
		return meta, fmt.Errorf("get_metadata failed: %w", err)
	}

	raw, ok := tengo.ToInterface(compiled.Get("__meta__").Object()).(map[string]interface{})
	if !ok {
		return meta, fmt.Errorf("get_metadata did not return a map")
	}

	if v := stringField(raw, "id"); v != "" {
		meta.ID = v
	}
	if v := stringField(raw, "name"); v != "" {
		meta.Name = v
	}
	if v := stringField(raw, "version"); v != "" {
		meta.Version = v
	}
	meta.Category = stringField(raw, "category")
	if v := stringField(raw, "default_severity"); v != "" {
		meta.DefaultSeverity = models.NormalizeSeverity(v)
	}
	meta.Description = stringField(raw, "description")
	if tags, ok := raw["tags"].([]interface{}); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				meta.Tags = append(meta.Tags, s)
			}
		}
	}
	return meta, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Metadata returns the plugin's declared identity.
func (e *Engine) Metadata() models.PluginMetadata { return e.meta }

// SourcePath returns the script file this engine was loaded from.
func (e *Engine) SourcePath() string { return e.sourcePath }

// HasRequestHook reports whether the script defines scan_request.
func (e *Engine) HasRequestHook() bool { return e.hasRequest }

// HasResponseHook reports whether the script defines scan_response.
func (e *Engine) HasResponseHook() bool { return e.hasResponse }

// Drain blocks until all in-flight scan calls have returned.
func (e *Engine) Drain() { e.wg.Wait() }

// ScanRequest runs the scan_request entry point against a captured request.
// Returns the findings the script emitted. A missing entry point is not an
// error; it returns no findings.
func (e *Engine) ScanRequest(ctx context.Context, req models.RequestContext) ([]models.Finding, error) {
	if e.compiledRequest == nil {
		return nil, nil
	}
	return e.runEntry(ctx, e.compiledRequest, requestToMap(req), req.URL, req.Method)
}

// ScanResponse runs the scan_response entry point against a correlated
// request/response pair.
func (e *Engine) ScanResponse(ctx context.Context, combined models.CombinedContext) ([]models.Finding, error) {
	if e.compiledResponse == nil {
		return nil, nil
	}
	ctxMap := map[string]interface{}{
		"request":  requestToMap(combined.Request),
		"response": responseToMap(combined.Response),
	}
	return e.runEntry(ctx, e.compiledResponse, ctxMap, combined.Request.URL, combined.Request.Method)
}

func (e *Engine) runEntry(ctx context.Context, compiled *tengo.Compiled, ctxMap map[string]interface{}, url, method string) (findings []models.Finding, err error) {
	e.wg.Add(1)
	defer e.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Plugin %s panicked during scan of %s: %v", e.meta.ID, url, r)
			findings = nil
			err = fmt.Errorf("plugin %s panicked: %v", e.meta.ID, r)
		}
	}()

	clone := compiled.Clone()
	if err := clone.Set("__ctx__", ctxMap); err != nil {
		return nil, fmt.Errorf("failed to bind scan context for plugin %s: %w", e.meta.ID, err)
	}

	var emitted []models.Finding
	emit := &tengo.UserFunction{Name: "emit_finding",
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			raw, ok := tengo.ToInterface(args[0]).(map[string]interface{})
			if !ok {
				return &tengo.Error{Value: &tengo.String{Value: "emit_finding expects a map"}}, nil
			}
			f, ferr := e.findingFromMap(raw, url, method)
			if ferr != nil {
				return &tengo.Error{Value: &tengo.String{Value: ferr.Error()}}, nil
			}
			emitted = append(emitted, f)
			return tengo.UndefinedValue, nil
		}}
	if err := clone.Set("emit_finding", emit); err != nil {
		return nil, fmt.Errorf("failed to bind emit_finding for plugin %s: %w", e.meta.ID, err)
	}
	if err := clone.Set("log", &tengo.UserFunction{Name: "log", Value: logHostFunc(e.meta.ID)}); err != nil {
		return nil, fmt.Errorf("failed to bind log for plugin %s: %w", e.meta.ID, err)
	}
	if err := clone.Set("http_get", &tengo.UserFunction{Name: "http_get", Value: e.httpGetHostFunc()}); err != nil {
		return nil, fmt.Errorf("failed to bind http_get for plugin %s: %w", e.meta.ID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	if runErr := clone.RunContext(callCtx); runErr != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			logger.Warn("Plugin %s exceeded its %s call budget on %s", e.meta.ID, e.opts.CallTimeout, url)
			return nil, fmt.Errorf("%w: plugin %s", ErrCallTimeout, e.meta.ID)
		}
		return nil, fmt.Errorf("plugin %s scan failed: %w", e.meta.ID, runErr)
	}

	return emitted, nil
}

// findingFromMap validates and normalizes a script-emitted finding. vuln_type
// and evidence are required; identity and defaults are stamped host-side so
// scripts cannot spoof another plugin.
func (e *Engine) findingFromMap(raw map[string]interface{}, url, method string) (models.Finding, error) {
	f := models.Finding{
		ID:          uuid.NewString(),
		PluginID:    e.meta.ID,
		VulnType:    stringField(raw, "vuln_type"),
		Severity:    stringField(raw, "severity"),
		Confidence:  stringField(raw, "confidence"),
		URL:         url,
		Method:      method,
		ParamName:   stringField(raw, "param_name"),
		ParamValue:  stringField(raw, "param_value"),
		Evidence:    stringField(raw, "evidence"),
		Description: stringField(raw, "description"),
		CWE:         stringField(raw, "cwe"),
		OWASP:       stringField(raw, "owasp"),
	}
	if f.VulnType == "" {
		return models.Finding{}, fmt.Errorf("finding is missing vuln_type")
	}
	if f.Evidence == "" {
		return models.Finding{}, fmt.Errorf("finding is missing evidence")
	}
	if f.Severity == "" {
		f.Severity = e.meta.DefaultSeverity
	}
	f.Severity = models.NormalizeSeverity(f.Severity)
	f.Confidence = models.NormalizeConfidence(f.Confidence)
	return f, nil
}

func logHostFunc(pluginID string) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		level, _ := tengo.ToString(args[0])
		msg, _ := tengo.ToString(args[1])
		logger.PluginLog(pluginID, level, msg)
		return tengo.UndefinedValue, nil
	}
}

// httpGetHostFunc implements the gated outbound capability. When the gate is
// closed it returns a script-visible error rather than aborting the run.
func (e *Engine) httpGetHostFunc() tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 1 {
			return nil, tengo.ErrWrongNumArguments
		}
		if !e.opts.AllowOutbound {
			return &tengo.Error{Value: &tengo.String{Value: "outbound http is disabled (plugins.allow_outbound)"}}, nil
		}
		url, ok := tengo.ToString(args[0])
		if !ok {
			return &tengo.Error{Value: &tengo.String{Value: "http_get expects a url string"}}, nil
		}

		client := &http.Client{Timeout: outboundHTTPTimeout}
		resp, err := client.Get(url)
		if err != nil {
			return &tengo.Error{Value: &tengo.String{Value: err.Error()}}, nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &tengo.Error{Value: &tengo.String{Value: err.Error()}}, nil
		}

		result, err := tengo.FromInterface(map[string]interface{}{
			"status_code": resp.StatusCode,
			"body":        string(body),
		})
		if err != nil {
			return &tengo.Error{Value: &tengo.String{Value: err.Error()}}, nil
		}
		return result, nil
	}
}

func requestToMap(req models.RequestContext) map[string]interface{} {
	return map[string]interface{}{
		"id":           req.ID,
		"url":          req.URL,
		"method":       req.Method,
		"headers":      headersToMap(req.Headers),
		"query_params": stringMapToInterface(req.QueryParams),
		"body_params":  stringMapToInterface(req.BodyParams),
		"body":         string(req.Body),
	}
}

func responseToMap(resp models.ResponseContext) map[string]interface{} {
	return map[string]interface{}{
		"id":          resp.ID,
		"status_code": resp.StatusCode,
		"headers":     headersToMap(resp.Headers),
		"body":        string(resp.Body),
	}
}

func headersToMap(h map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for name, values := range h {
		// Scripts index headers lowercase regardless of wire casing.
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

func stringMapToInterface(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
