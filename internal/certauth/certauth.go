// Package certauth manages the TLS material the stream proxy needs to
// terminate intercepted HTTPS tunnels. A self-signed CA is created exactly
// once on first start and persisted; per-domain leaf certificates are minted
// on demand, signed by that CA, and cached on disk. Operators install the CA
// certificate into the browser profile once, so CA files are never
// regenerated for the lifetime of a deployment.
package certauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"

	// Validity windows are long because deployments are ephemeral and trust
	// is installed manually.
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 2 * 365 * 24 * time.Hour
)

// Authority mints per-domain leaf certificates signed by a persistent CA.
type Authority struct {
	dir    string
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	mu     sync.Mutex
	leaves map[string]*tls.Certificate
}

// New loads the CA from dir, creating it on first start, and returns an
// authority ready to mint leaves.
func New(dir string) (*Authority, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}
	a := &Authority{dir: dir, leaves: make(map[string]*tls.Certificate)}
	if err := a.loadCA(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err = a.createCA(); err != nil {
			return nil, err
		}
		log.Infof("generated new proxy CA in %s; install %s into the browser profile", dir, filepath.Join(dir, caCertFile))
	}
	return a, nil
}

// CACertPath returns the path of the PEM-encoded CA certificate clients must
// trust.
func (a *Authority) CACertPath() string {
	return filepath.Join(a.dir, caCertFile)
}

// Leaf returns a certificate chain and key for the exact domain, minting and
// persisting it on first use.
func (a *Authority) Leaf(domain string) (*tls.Certificate, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("empty domain")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if leaf, ok := a.leaves[domain]; ok {
		return leaf, nil
	}
	if leaf, err := a.loadLeaf(domain); err == nil {
		a.leaves[domain] = leaf
		return leaf, nil
	}
	leaf, err := a.mintLeaf(domain)
	if err != nil {
		return nil, err
	}
	a.leaves[domain] = leaf
	return leaf, nil
}

func (a *Authority) loadCA() error {
	certPEM, err := os.ReadFile(filepath.Join(a.dir, caCertFile))
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(filepath.Join(a.dir, caKeyFile))
	if err != nil {
		return err
	}
	certBlock, _ := pem.Decode(certPEM)
	keyBlock, _ := pem.Decode(keyPEM)
	if certBlock == nil || keyBlock == nil {
		return fmt.Errorf("malformed CA PEM files in %s", a.dir)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA key: %w", err)
	}
	a.caCert = cert
	a.caKey = key
	return nil
}

func (a *Authority) createCA() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "AI Studio Proxy CA",
			Organization: []string{"AIstudioProxyAPI"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	if err = writePEM(filepath.Join(a.dir, caCertFile), "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	if err = writePEM(filepath.Join(a.dir, caKeyFile), "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	a.caCert = cert
	a.caKey = key
	return nil
}

func (a *Authority) mintLeaf(domain string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key for %s: %w", domain, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to mint leaf for %s: %w", domain, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err = writePEM(a.leafCertPath(domain), "CERTIFICATE", der, 0o644); err != nil {
		return nil, err
	}
	if err = writePEM(a.leafKeyPath(domain), "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, err
	}
	log.Debugf("minted leaf certificate for %s", domain)
	return &tls.Certificate{
		Certificate: [][]byte{der, a.caCert.Raw},
		PrivateKey:  key,
	}, nil
}

func (a *Authority) loadLeaf(domain string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(a.leafCertPath(domain), a.leafKeyPath(domain))
	if err != nil {
		return nil, err
	}
	cert.Certificate = append(cert.Certificate, a.caCert.Raw)
	return &cert, nil
}

func (a *Authority) leafCertPath(domain string) string {
	return filepath.Join(a.dir, leafFileName(domain)+".crt")
}

func (a *Authority) leafKeyPath(domain string) string {
	return filepath.Join(a.dir, leafFileName(domain)+".key")
}

// leafFileName flattens a domain into a safe file name.
func leafFileName(domain string) string {
	return strings.ReplaceAll(domain, "*", "_wildcard_")
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
