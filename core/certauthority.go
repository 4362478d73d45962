package core

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"specter/logger"
)

const caCommonName = "Specter Passive Scanner CA"

// Authority owns the root CA used for TLS interception and issues per-host
// leaf certificates on demand. Leaves are cached by sanitized hostname so a
// busy host pays the RSA keygen cost once.
type Authority struct {
	certPath string
	keyPath  string

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	tlsCA  tls.Certificate

	mu        sync.RWMutex
	leafCache map[string]*tls.Certificate
}

// NewAuthority loads the root CA from certPath/keyPath, generating and saving
// a fresh one when either file is missing. Loading an existing pair never
// regenerates it, so the operator's installed trust anchor stays valid.
func NewAuthority(certPath, keyPath string) (*Authority, error) {
	a := &Authority{
		certPath:  certPath,
		keyPath:   keyPath,
		leafCache: make(map[string]*tls.Certificate),
	}

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if os.IsNotExist(certErr) || os.IsNotExist(keyErr) {
		logger.Info("CA material not found, generating a new root CA (cert: %s, key: %s)", certPath, keyPath)
		if err := GenerateAndSaveCA(certPath, keyPath); err != nil {
			return nil, err
		}
	}

	if err := a.loadCA(); err != nil {
		return nil, err
	}
	return a, nil
}

// GenerateAndSaveCA creates a new 10-year RSA root CA and writes it to disk
// as PEM. The key is written with mode 0600.
func GenerateAndSaveCA(certPath, keyPath string) error {
	caCert, caKey, err := generateCA(caCommonName)
	if err != nil {
		logger.Error("Failed to generate CA: %v", err)
		return fmt.Errorf("failed to generate CA: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0750); err != nil {
		return fmt.Errorf("failed to create CA directory %s: %w", filepath.Dir(certPath), err)
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		logger.Error("Failed to open %s for writing: %v", certPath, err)
		return fmt.Errorf("failed to open %s for writing: %w", certPath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw}); err != nil {
		logger.Error("Failed to write CA certificate to %s: %v", certPath, err)
		return fmt.Errorf("failed to write CA certificate to %s: %w", certPath, err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		logger.Error("Failed to open %s for writing: %v", keyPath, err)
		return fmt.Errorf("failed to open %s for writing: %w", keyPath, err)
	}
	defer keyOut.Close()

	privBytes, err := x509.MarshalPKCS8PrivateKey(caKey)
	if err != nil {
		logger.Warn("Could not marshal private key to PKCS8: %v. Trying PKCS1.", err)
		privBytes = x509.MarshalPKCS1PrivateKey(caKey)
		if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}); err != nil {
			logger.Error("Failed to write CA RSA private key to %s: %v", keyPath, err)
			return fmt.Errorf("failed to write CA RSA private key to %s: %w", keyPath, err)
		}
	} else {
		if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
			logger.Error("Failed to write CA private key to %s: %v", keyPath, err)
			return fmt.Errorf("failed to write CA private key to %s: %w", keyPath, err)
		}
	}

	logger.Info("New root CA saved (cert: %s, key: %s)", certPath, keyPath)
	return nil
}

func (a *Authority) loadCA() error {
	certPEMBlock, err := os.ReadFile(a.certPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file %s: %w", a.certPath, err)
	}
	certDERBlock, _ := pem.Decode(certPEMBlock)
	if certDERBlock == nil || certDERBlock.Type != "CERTIFICATE" {
		return fmt.Errorf("failed to decode CA certificate PEM block from %s", a.certPath)
	}
	caCert, err := x509.ParseCertificate(certDERBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate from %s: %w", a.certPath, err)
	}

	keyPEMBlock, err := os.ReadFile(a.keyPath)
	if err != nil {
		return fmt.Errorf("failed to read CA key file %s: %w", a.keyPath, err)
	}
	keyDERBlock, _ := pem.Decode(keyPEMBlock)
	if keyDERBlock == nil {
		return fmt.Errorf("failed to decode CA key PEM block from %s", a.keyPath)
	}

	var parsedKey interface{}
	switch keyDERBlock.Type {
	case "PRIVATE KEY":
		parsedKey, err = x509.ParsePKCS8PrivateKey(keyDERBlock.Bytes)
	case "RSA PRIVATE KEY":
		parsedKey, err = x509.ParsePKCS1PrivateKey(keyDERBlock.Bytes)
	default:
		return fmt.Errorf("unknown CA key PEM block type '%s' from %s", keyDERBlock.Type, a.keyPath)
	}
	if err != nil {
		return fmt.Errorf("failed to parse CA private key from %s (type %s): %w", a.keyPath, keyDERBlock.Type, err)
	}

	caKey, ok := parsedKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("CA key from %s is not an RSA private key after parsing type %s", a.keyPath, keyDERBlock.Type)
	}

	a.caCert = caCert
	a.caKey = caKey
	a.tlsCA = tls.Certificate{
		Certificate: [][]byte{caCert.Raw},
		PrivateKey:  caKey,
		Leaf:        caCert,
	}

	logger.ProxyInfo("CA certificate and key loaded successfully from %s", a.certPath)
	return nil
}

func generateCA(commonName string) (*x509.Certificate, *rsa.PrivateKey, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA private key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Specter Local Proxy"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}
	return cert, privKey, nil
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}

// SanitizeHost normalizes a CONNECT target into a hostname usable as a
// certificate subject. Ports, whitespace, control characters, trailing dots
// and stray wildcard prefixes are stripped and the result is bounded to the
// 253-byte DNS limit. Hosts that sanitize to nothing, and non-ASCII hosts
// (a DNS SAN is an IA5String, which cannot encode them), map to a fixed
// placeholder so issuance still succeeds.
func SanitizeHost(host string) string {
	h := strings.TrimSpace(host)
	if stripped, _, err := net.SplitHostPort(h); err == nil {
		h = stripped
	}
	h = strings.Trim(h, "[]")
	h = strings.TrimSuffix(h, ".")
	h = strings.TrimPrefix(h, "*.")
	h = strings.ToLower(h)
	h = strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, h)
	for i := 0; i < len(h); i++ {
		if h[i] >= utf8.RuneSelf {
			return "unknown.invalid"
		}
	}
	if len(h) > 253 {
		h = h[:253]
	}
	h = strings.Trim(h, ".")
	if h == "" || h == "*" {
		return "unknown.invalid"
	}
	return h
}

// IssueLeaf returns a certificate for the given host, signed by the root CA.
// Results are cached until the certificate is within 24 hours of expiry.
func (a *Authority) IssueLeaf(host string) (*tls.Certificate, error) {
	sanitized := SanitizeHost(host)

	a.mu.RLock()
	cached, ok := a.leafCache[sanitized]
	a.mu.RUnlock()
	if ok && time.Until(cached.Leaf.NotAfter) > 24*time.Hour {
		return cached, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Double check under the write lock.
	if cached, ok := a.leafCache[sanitized]; ok && time.Until(cached.Leaf.NotAfter) > 24*time.Hour {
		return cached, nil
	}

	leaf, err := a.generateLeaf(sanitized)
	if err != nil {
		logger.ProxyError("Failed to issue leaf certificate for %q (sanitized %q): %v", host, sanitized, err)
		return nil, fmt.Errorf("failed to issue leaf certificate for %s: %w", sanitized, err)
	}
	a.leafCache[sanitized] = leaf
	logger.ProxyDebug("Issued leaf certificate for %s (cache size %d)", sanitized, len(a.leafCache))
	return leaf, nil
}

func (a *Authority) generateLeaf(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf private key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Specter Local Proxy"},
			CommonName:   host,
		},
		NotBefore:   time.Now().Add(-1 * time.Hour),
		NotAfter:    time.Now().AddDate(1, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
		// Cover sibling subdomains so e.g. www.example.com and
		// api.example.com can share a cached certificate lookup path.
		if parts := strings.Split(host, "."); len(parts) >= 3 {
			parent := strings.Join(parts[1:], ".")
			template.DNSNames = append(template.DNSNames, "*."+parent, parent)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, a.caCert, &privKey.PublicKey, a.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign leaf certificate: %w", err)
	}

	leafCert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{derBytes, a.caCert.Raw},
		PrivateKey:  privKey,
		Leaf:        leafCert,
	}, nil
}

// TLSConfigForHost issues (or reuses) a leaf for the handshake target.
func (a *Authority) TLSConfigForHost(host string) (*tls.Config, error) {
	leaf, err := a.IssueLeaf(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// CACert returns the root certificate in tls form for goproxy.
func (a *Authority) CACert() tls.Certificate {
	return a.tlsCA
}

// CertPath returns the on-disk location of the root certificate PEM.
func (a *Authority) CertPath() string {
	return a.certPath
}

// CertPEM returns the root certificate PEM bytes, for export to clients that
// need to install the trust anchor.
func (a *Authority) CertPEM() ([]byte, error) {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.caCert.Raw}), nil
}

// Fingerprint returns the SHA-256 fingerprint of the root certificate as
// colon-separated hex, matching openssl output.
func (a *Authority) Fingerprint() string {
	sum := sha256.Sum256(a.caCert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// CachedLeafCount reports how many leaves are currently cached.
func (a *Authority) CachedLeafCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.leafCache)
}
