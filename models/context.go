package models

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// RequestContext is an immutable snapshot of one intercepted request. ID is
// the correlation key used to pair the request with its eventual response.
type RequestContext struct {
	ID          string              `json:"id"`
	URL         string              `json:"url"`
	Method      string              `json:"method"`
	Headers     map[string][]string `json:"headers"`
	QueryParams map[string]string   `json:"query_params"`
	BodyParams  map[string]string   `json:"body_params,omitempty"`
	Body        []byte              `json:"body"`
	Timestamp   time.Time           `json:"timestamp"`
}

// ResponseContext is a snapshot of the upstream response matching a cached
// RequestContext through the shared correlation ID.
type ResponseContext struct {
	ID         string              `json:"id"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	Timestamp  time.Time           `json:"timestamp"`
}

// CombinedContext pairs a request with its response; it is the unit handed to
// plugins' response-analysis entry point.
type CombinedContext struct {
	Request  RequestContext  `json:"request"`
	Response ResponseContext `json:"response"`
}

// NewRequestContext builds a RequestContext from a parsed request and its
// already-captured body. Query parameters are flattened to first-value;
// JSON request bodies additionally contribute top-level field names as
// body params so request-side plugins see the full parameter surface.
func NewRequestContext(id string, r *http.Request, body []byte) RequestContext {
	ctx := RequestContext{
		ID:          id,
		URL:         r.URL.String(),
		Method:      r.Method,
		Headers:     copyHeaders(r.Header),
		QueryParams: flattenQuery(r.URL.Query()),
		Body:        body,
		Timestamp:   time.Now(),
	}
	if len(body) > 0 && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "json") {
		ctx.BodyParams = jsonBodyParams(body)
	}
	return ctx
}

// NewResponseContext builds a ResponseContext carrying the same correlation
// ID as the request it answers.
func NewResponseContext(id string, resp *http.Response, body []byte) ResponseContext {
	return ResponseContext{
		ID:         id,
		StatusCode: resp.StatusCode,
		Headers:    copyHeaders(resp.Header),
		Body:       body,
		Timestamp:  time.Now(),
	}
}

func copyHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		vals := make([]string, len(v))
		copy(vals, v)
		out[k] = vals
	}
	return out
}

func flattenQuery(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		} else {
			out[k] = ""
		}
	}
	return out
}

// jsonBodyParams extracts the top-level fields of a JSON object body as
// candidate parameters. Non-object bodies (arrays, scalars, invalid JSON)
// yield nothing.
func jsonBodyParams(body []byte) map[string]string {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil
	}
	params := make(map[string]string)
	parsed.ForEach(func(key, value gjson.Result) bool {
		params[key.String()] = value.String()
		return true
	})
	if len(params) == 0 {
		return nil
	}
	return params
}
