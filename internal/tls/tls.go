// Package tls builds the daemon's server TLS configuration. Certificates come
// from explicit files or from a directory where they can be self-signed on
// first start, and are picked up again when the files change on disk.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/simpool/internal/config"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
	caName   = "tls_ca.crt"

	defaultValidDays = 5 * 365
)

var versions = map[string]uint16{
	"1.2":    tls.VersionTLS12,
	"tls1.2": tls.VersionTLS12,
	"1.3":    tls.VersionTLS13,
	"tls1.3": tls.VersionTLS13,
}

func parseVersion(s string, def uint16) (uint16, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "default" {
		return def, nil
	}
	v, ok := versions[s]
	if !ok {
		return 0, fmt.Errorf("unsupported TLS version %q", s)
	}
	return v, nil
}

// SetupTLS returns nil when TLS is disabled. The certificate is loaded once up
// front so a bad pair fails startup instead of the first handshake.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	t := server.TLS
	if t == nil || !t.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(server.TLSMinVersion, tls.VersionTLS13)
	if err != nil {
		return nil, fmt.Errorf("server.tls_min_version: %w", err)
	}
	maxVer, err := parseVersion(server.TLSMaxVersion, tls.VersionTLS13)
	if err != nil {
		return nil, fmt.Errorf("server.tls_max_version: %w", err)
	}
	if minVer > maxVer {
		return nil, errors.New("server.tls_min_version is above tls_max_version")
	}
	certPath, keyPath, err := certPaths(t)
	if err != nil {
		return nil, err
	}
	kp := &keyPair{certPath: certPath, keyPath: keyPath}
	if _, err := kp.load(); err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	// #nosec G402 TLS 1.2 is opt-in through tls_min_version
	return &tls.Config{
		GetCertificate: kp.get,
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// certPaths prefers explicit files over the certificate directory.
func certPaths(t *config.TLSConfig) (string, string, error) {
	if t.CertFile != "" && t.KeyFile != "" {
		return t.CertFile, t.KeyFile, nil
	}
	if t.Dir == "" {
		return "", "", errors.New("TLS enabled but no valid certificate configuration found")
	}
	certPath := filepath.Join(t.Dir, certName)
	keyPath := filepath.Join(t.Dir, keyName)
	if t.AutoGenerate && (!exists(certPath) || !exists(keyPath)) {
		if err := selfSign(t.AutoGen, t.Dir); err != nil {
			return "", "", fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	return certPath, keyPath, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func selfSign(gen *config.AutoGenTLS, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	cfg := CertConfig{
		CommonName:   "localhost",
		Organization: "simpool",
		DNSNames:     []string{"localhost"},
		IPAddresses:  []string{"127.0.0.1", "::1"},
		NotAfter:     time.Now().AddDate(0, 0, defaultValidDays),
		CertPath:     filepath.Join(dir, certName),
		KeyPath:      filepath.Join(dir, keyName),
		CACertPath:   filepath.Join(dir, caName),
	}
	if gen != nil {
		if gen.CommonName != "" {
			cfg.CommonName = gen.CommonName
		}
		if gen.Organization != "" {
			cfg.Organization = gen.Organization
		}
		if len(gen.DNSNames) > 0 {
			cfg.DNSNames = gen.DNSNames
		}
		if len(gen.IPAddresses) > 0 {
			cfg.IPAddresses = gen.IPAddresses
		}
		if gen.ValidDays > 0 {
			cfg.NotAfter = time.Now().AddDate(0, 0, gen.ValidDays)
		}
	}
	return GenerateSelfSignedCert(cfg)
}

// keyPair serves the certificate on disk and reloads it when either file's
// modification time changes. A pair that fails to parse mid-rotation keeps
// the previous certificate in service until the next handshake retries.
type keyPair struct {
	certPath string
	keyPath  string

	mu      sync.Mutex
	cert    *tls.Certificate
	certMod time.Time
	keyMod  time.Time
}

func (k *keyPair) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return k.load()
}

func (k *keyPair) load() (*tls.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cs, certErr := os.Stat(k.certPath)
	ks, keyErr := os.Stat(k.keyPath)
	if err := errors.Join(certErr, keyErr); err != nil {
		if k.cert != nil {
			return k.cert, nil
		}
		return nil, err
	}
	if k.cert != nil && cs.ModTime().Equal(k.certMod) && ks.ModTime().Equal(k.keyMod) {
		return k.cert, nil
	}
	c, err := tls.LoadX509KeyPair(k.certPath, k.keyPath)
	if err != nil {
		if k.cert != nil {
			return k.cert, nil
		}
		return nil, err
	}
	k.cert, k.certMod, k.keyMod = &c, cs.ModTime(), ks.ModTime()
	return k.cert, nil
}
