package events

// Event types published on the broker.
const (
	TypeProxyStatusChanged  = "proxy_status_changed"
	TypeNewFinding          = "new_finding"
	TypeRepeatHit           = "repeat_hit"
	TypePluginStatusChanged = "plugin_status_changed"
	TypeScanStats           = "scan_stats"
)

// ProxyStatus is the payload for proxy_status_changed.
type ProxyStatus struct {
	Running     bool   `json:"running"`
	Port        int    `json:"port"`
	MitmEnabled bool   `json:"mitm_enabled"`
	CAPath      string `json:"ca_path,omitempty"`
}

// NewFinding is the payload for new_finding and repeat_hit.
type NewFinding struct {
	Signature string `json:"signature"`
	VulnType  string `json:"vuln_type"`
	Severity  string `json:"severity"`
	URL       string `json:"url"`
	PluginID  string `json:"plugin_id"`
	HitCount  int64  `json:"hit_count"`
}

// PluginStatusChanged is the payload for plugin_status_changed.
type PluginStatusChanged struct {
	PluginID  string `json:"plugin_id"`
	NewStatus string `json:"new_status"`
	Message   string `json:"message,omitempty"`
}

// ScanStats is the periodic payload for scan_stats.
type ScanStats struct {
	RequestsSeen    uint64 `json:"requests_seen"`
	ResponsesSeen   uint64 `json:"responses_seen"`
	FindingsTotal   uint64 `json:"findings_total"`
	EventsDropped   uint64 `json:"events_dropped"`
	CachedExchanges int    `json:"cached_exchanges"`
}
