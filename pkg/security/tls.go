// Package security loads the TLS material used to authenticate
// connections between keeper peers on the forward port. Certificates
// are provisioned out of band (no in-process CA, unlike a workload
// orchestrator that must mint client certs on demand); this package
// only loads and validates them.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// PeerTLSFiles names the PEM files expected in a node's TLS directory.
type PeerTLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// DefaultPeerTLSFiles resolves the standard node.crt/node.key/ca.crt
// layout under dir.
func DefaultPeerTLSFiles(dir string) PeerTLSFiles {
	return PeerTLSFiles{
		CertFile: filepath.Join(dir, "node.crt"),
		KeyFile:  filepath.Join(dir, "node.key"),
		CAFile:   filepath.Join(dir, "ca.crt"),
	}
}

// Exists reports whether all three files are present.
func (f PeerTLSFiles) Exists() bool {
	for _, p := range []string{f.CertFile, f.KeyFile, f.CAFile} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// LoadServerConfig builds a TLS config for a forward-connection
// listener that requires and verifies client certificates against the
// cluster CA.
func LoadServerConfig(f PeerTLSFiles) (*tls.Config, error) {
	cert, roots, err := loadCertAndRoots(f)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    roots,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// LoadClientConfig builds a TLS config for dialing a peer's forward
// port, presenting this node's certificate and verifying the peer's
// against the cluster CA.
func LoadClientConfig(f PeerTLSFiles) (*tls.Config, error) {
	cert, roots, err := loadCertAndRoots(f)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func loadCertAndRoots(f PeerTLSFiles) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load node certificate: %w", err)
	}

	caPEM, err := os.ReadFile(f.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read cluster CA: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("no usable certificates found in cluster CA file %s", f.CAFile)
	}

	return cert, pool, nil
}
