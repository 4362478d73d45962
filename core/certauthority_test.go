package core

import (
	"crypto/x509"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	dir := t.TempDir()
	a, err := NewAuthority(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	require.NoError(t, err)
	return a
}

func TestNewAuthorityGeneratesAndReloadsSameRoot(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	first, err := NewAuthority(certPath, keyPath)
	require.NoError(t, err)

	// A second authority over the same paths must load, not regenerate.
	second, err := NewAuthority(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestSanitizeHost(t *testing.T) {
	cases := map[string]string{
		"Example.COM":       "example.com",
		"example.com:8443":  "example.com",
		"example.com.":      "example.com",
		"*.example.com":     "example.com",
		" example.com ":     "example.com",
		"[2001:db8::1]:443": "2001:db8::1",
		"exa\x00mple.com":   "example.com",
		"":                 "unknown.invalid",
		"*":                "unknown.invalid",
		"...":              "unknown.invalid",
	}
	for input, want := range cases {
		assert.Equal(t, want, SanitizeHost(input), "input %q", input)
	}

	// Non-ASCII hostnames cannot appear in a DNS SAN.
	assert.Equal(t, "unknown.invalid", SanitizeHost("bücher.example.com"))
	assert.Equal(t, "unknown.invalid", SanitizeHost("例え.example:443"))

	long := strings.Repeat("a", 300) + ".example.com"
	sanitized := SanitizeHost(long)
	assert.LessOrEqual(t, len(sanitized), 253)
	assert.NotEqual(t, "unknown.invalid", sanitized, "over-length ASCII hosts are truncated, not rejected")
}

func TestIssueLeafSignsVerifiableCertificate(t *testing.T) {
	a := newTestAuthority(t)

	leaf, err := a.IssueLeaf("www.example.com:443")
	require.NoError(t, err)
	require.NotNil(t, leaf.Leaf)

	roots := x509.NewCertPool()
	pemBytes, err := a.CertPEM()
	require.NoError(t, err)
	require.True(t, roots.AppendCertsFromPEM(pemBytes))

	_, err = leaf.Leaf.Verify(x509.VerifyOptions{
		DNSName: "www.example.com",
		Roots:   roots,
	})
	assert.NoError(t, err)

	// Sibling subdomains are covered by the wildcard SAN.
	_, err = leaf.Leaf.Verify(x509.VerifyOptions{
		DNSName: "api.example.com",
		Roots:   roots,
	})
	assert.NoError(t, err)
}

func TestIssueLeafCachesByHost(t *testing.T) {
	a := newTestAuthority(t)

	first, err := a.IssueLeaf("cache.example.com")
	require.NoError(t, err)
	second, err := a.IssueLeaf("cache.example.com:443")
	require.NoError(t, err)

	assert.Same(t, first, second, "port variants of one host should share a cached leaf")
	assert.Equal(t, 1, a.CachedLeafCount())
}

func TestIssueLeafForIPAddress(t *testing.T) {
	a := newTestAuthority(t)

	leaf, err := a.IssueLeaf("127.0.0.1:8443")
	require.NoError(t, err)
	require.Len(t, leaf.Leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.Leaf.IPAddresses[0].String())
}

func TestIssueLeafDegenerateHostStillIssues(t *testing.T) {
	a := newTestAuthority(t)

	for _, host := range []string{"", "*", "...", "bücher.example.com", "例え.example:443"} {
		leaf, err := a.IssueLeaf(host)
		require.NoError(t, err, "host %q", host)
		assert.Equal(t, "unknown.invalid", leaf.Leaf.Subject.CommonName)
	}
	// All degenerate hosts collapse onto a single cached placeholder.
	assert.Equal(t, 1, a.CachedLeafCount())

	// Over-length hostnames are truncated but still get a real certificate.
	long := strings.Repeat("a", 300) + ".example.com"
	leaf, err := a.IssueLeaf(long)
	require.NoError(t, err)
	require.NotEmpty(t, leaf.Leaf.DNSNames)
	assert.LessOrEqual(t, len(leaf.Leaf.DNSNames[0]), 253)
}
