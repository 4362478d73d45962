package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"specter/database"
	"specter/events"
	"specter/logger"
	"specter/models"

	"github.com/cenkalti/backoff"
)

// Deduper collapses repeated findings into single ledger rows keyed by a
// stable signature, bumping hit counts on repeats.
type Deduper struct {
	evidenceMaxLen int
	broker         *events.Broker
}

// DedupOutcome reports what Ingest did with a finding.
type DedupOutcome struct {
	VulnerabilityID int64  `json:"vulnerability_id"`
	Signature       string `json:"signature"`
	HitCount        int64  `json:"hit_count"`
	IsNew           bool   `json:"is_new"`
}

// NewDeduper builds a deduper. evidenceMaxLen bounds how much of the evidence
// string participates in the signature; zero or negative falls back to 256.
func NewDeduper(evidenceMaxLen int, broker *events.Broker) *Deduper {
	if evidenceMaxLen <= 0 {
		evidenceMaxLen = 256
	}
	return &Deduper{evidenceMaxLen: evidenceMaxLen, broker: broker}
}

// Signature computes the dedup key for a finding: SHA-256 over plugin ID,
// vulnerability type, the normalized URL, the parameter name, and normalized
// evidence. Query parameter VALUES are deliberately excluded so the same flaw
// hit with different payloads collapses into one row.
func (d *Deduper) Signature(f models.Finding) string {
	h := sha256.New()
	h.Write([]byte(f.PluginID))
	h.Write([]byte{0})
	h.Write([]byte(f.VulnType))
	h.Write([]byte{0})
	h.Write([]byte(normalizeURL(f.URL)))
	h.Write([]byte{0})
	h.Write([]byte(f.ParamName))
	h.Write([]byte{0})
	h.Write([]byte(d.normalizeEvidence(f.Evidence)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeURL reduces a URL to scheme://host/path plus the sorted set of
// query parameter names. An unparsable URL is used verbatim so the finding is
// still deduplicable against itself.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(u.Path)

	if u.RawQuery != "" {
		names := make([]string, 0, len(u.Query()))
		for name := range u.Query() {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("?")
		b.WriteString(strings.Join(names, "&"))
	}
	return b.String()
}

// normalizeEvidence collapses runs of whitespace to single spaces and
// truncates, so cosmetic response formatting differences do not split one
// vulnerability into many rows.
func (d *Deduper) normalizeEvidence(evidence string) string {
	collapsed := strings.Join(strings.Fields(evidence), " ")
	if len(collapsed) > d.evidenceMaxLen {
		collapsed = collapsed[:d.evidenceMaxLen]
	}
	return collapsed
}

// Ingest computes the finding's signature and atomically inserts a new ledger
// row or bumps the hit count of the existing one, recording the evidence
// snippet either way. Publishes new_finding or repeat_hit accordingly.
func (d *Deduper) Ingest(f models.Finding) (DedupOutcome, error) {
	signature := d.Signature(f)
	seenAt := time.Now().UTC()

	var id, hitCount int64
	var isNew bool

	// SQLite rejects concurrent writers with SQLITE_BUSY; retry briefly
	// instead of dropping the finding.
	operation := func() error {
		var err error
		id, hitCount, isNew, err = database.UpsertVulnerability(signature, f, seenAt)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(operation, policy); err != nil {
		return DedupOutcome{}, fmt.Errorf("failed to persist finding %s: %w", signature, err)
	}

	if err := database.AddEvidence(id, f.URL, f.Method, f.Evidence, seenAt); err != nil {
		logger.Warn("Could not record evidence for vulnerability %d: %v", id, err)
	}

	outcome := DedupOutcome{VulnerabilityID: id, Signature: signature, HitCount: hitCount, IsNew: isNew}
	d.publish(f, outcome)
	if isNew {
		logger.Info("New %s finding from %s: %s at %s", f.Severity, f.PluginID, f.VulnType, f.URL)
	} else {
		logger.Debug("Repeat hit %d for signature %s (%s)", hitCount, signature[:12], f.VulnType)
	}
	return outcome, nil
}

func (d *Deduper) publish(f models.Finding, outcome DedupOutcome) {
	if d.broker == nil {
		return
	}
	eventType := events.TypeNewFinding
	if !outcome.IsNew {
		eventType = events.TypeRepeatHit
	}
	d.broker.Publish(eventType, events.NewFinding{
		Signature: outcome.Signature,
		VulnType:  f.VulnType,
		Severity:  f.Severity,
		URL:       f.URL,
		PluginID:  f.PluginID,
		HitCount:  outcome.HitCount,
	})
}
