// Package tls builds the server TLS configuration of the status API,
// optionally generating a self-signed certificate on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	caFile   = "tls_ca.crt"
	certFile = "tls.crt"
	keyFile  = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	MaxVersion   string   `mapstructure:"max_version"`
	CommonName   string   `mapstructure:"common_name"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

var ErrNoCertificate = errors.New("TLS enabled but no certificate configured")

func parseVersion(v string) (uint16, bool) {
	switch v {
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	}
	return 0, false
}

// Versions resolves the configured bounds; both default to TLS 1.3.
func (c Config) Versions() (lo, hi uint16) {
	lo, hi = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseVersion(c.MinVersion); ok {
		lo = v
	}
	if v, ok := parseVersion(c.MaxVersion); ok {
		hi = v
	}
	if lo > hi {
		hi = lo
	}
	return lo, hi
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// Dir; with AutoGenerate a missing pair in Dir is created.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	lo, hi := c.Versions()
	if c.CertFile != "" && c.KeyFile != "" {
		return serverConfig(c.CertFile, c.KeyFile, lo, hi), nil
	}
	if c.Dir == "" {
		return nil, ErrNoCertificate
	}
	cert := filepath.Join(c.Dir, certFile)
	key := filepath.Join(c.Dir, keyFile)
	if !exists(cert) || !exists(key) {
		if !c.AutoGenerate {
			return nil, fmt.Errorf("%w: %s missing", ErrNoCertificate, cert)
		}
		if err := generate(c, cert, key); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	return serverConfig(cert, key, lo, hi), nil
}

// serverConfig reloads the pair on every handshake so rotated files are
// picked up without a restart.
func serverConfig(cert, key string, lo, hi uint16) *tls.Config {
	return &tls.Config{
		MinVersion: lo,
		MaxVersion: hi,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			pair, err := tls.LoadX509KeyPair(filepath.Clean(cert), filepath.Clean(key))
			if err != nil {
				return nil, err
			}
			return &pair, nil
		},
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func generate(c Config, cert, key string) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365 * 5
	}
	cn := c.CommonName
	if cn == "" {
		cn = "localhost"
	}
	dns := c.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	ips := c.IPAddresses
	if len(ips) == 0 {
		ips = []string{"127.0.0.1"}
	}
	return GenerateSelfSigned(CertRequest{
		CommonName:   cn,
		Organization: "metricwatch",
		DNSNames:     dns,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     cert,
		KeyPath:      key,
		CACertPath:   filepath.Join(c.Dir, caFile),
	})
}
