package cert

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	CommonName   = "localhost"
	ValidityDays = 365
)

// Generator creates a self-signed certificate and private key, both PEM encoded.
type Generator interface {
	Generate(commonName string, validityDays int) (certPEM, keyPEM []byte, err error)
}

// Certificate is a PEM certificate/key pair and where it lives on disk.
type Certificate struct {
	CertPEM   []byte
	KeyPEM    []byte
	CertPath  string
	KeyPath   string
	Generated bool // true when Ensure wrote the pair during this call
}

// TLSCertificate returns the pair as a tls.Certificate.
func (c *Certificate) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(c.CertPEM, c.KeyPEM)
}

// Leaf parses the first certificate block.
func (c *Certificate) Leaf() (*x509.Certificate, error) {
	block, _ := pem.Decode(c.CertPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// CertGenerationError is returned when the generator fails to create a pair.
type CertGenerationError struct {
	Err error
}

func (e *CertGenerationError) Error() string {
	return fmt.Sprintf("generating self-signed certificate: %v", e.Err)
}

func (e *CertGenerationError) Unwrap() error { return e.Err }

// PersistenceError is returned when a certificate or key file cannot be read
// or written.
type PersistenceError struct {
	Op   string // "read" or "write"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CorruptCertificateError is returned when both files exist but do not form a
// usable key pair.
type CorruptCertificateError struct {
	CertPath string
	KeyPath  string
	Err      error
}

func (e *CorruptCertificateError) Error() string {
	return fmt.Sprintf("certificate %s / key %s are not a valid pair (delete both to regenerate): %v", e.CertPath, e.KeyPath, e.Err)
}

func (e *CorruptCertificateError) Unwrap() error { return e.Err }

// Provisioner makes sure a certificate pair exists before the listener starts.
type Provisioner struct {
	logger    *slog.Logger
	generator Generator
}

// NewProvisioner creates a Provisioner. A nil generator selects X509Generator.
func NewProvisioner(logger *slog.Logger, generator Generator) *Provisioner {
	if generator == nil {
		generator = X509Generator{}
	}
	return &Provisioner{logger: logger, generator: generator}
}

// Ensure loads the pair at certPath/keyPath, generating and writing a new
// self-signed pair when either file is missing.
func (p *Provisioner) Ensure(certPath, keyPath string) (*Certificate, error) {
	certExists, err := exists(certPath)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: certPath, Err: err}
	}
	keyExists, err := exists(keyPath)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: keyPath, Err: err}
	}

	if certExists && keyExists {
		return p.load(certPath, keyPath)
	}

	p.logger.Info("SSL certificate or key not found, generating self-signed certificate", "cert", certPath, "key", keyPath)

	certPEM, keyPEM, err := p.generator.Generate(CommonName, ValidityDays)
	if err != nil {
		return nil, &CertGenerationError{Err: err}
	}

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return nil, &PersistenceError{Op: "write", Path: certPath, Err: errors.WithStack(err)}
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, &PersistenceError{Op: "write", Path: keyPath, Err: errors.WithStack(err)}
	}

	p.logger.Info("self-signed SSL certificate generated", "commonName", CommonName, "validityDays", ValidityDays)
	return &Certificate{
		CertPEM:   certPEM,
		KeyPEM:    keyPEM,
		CertPath:  certPath,
		KeyPath:   keyPath,
		Generated: true,
	}, nil
}

func (p *Provisioner) load(certPath, keyPath string) (*Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: certPath, Err: errors.WithStack(err)}
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: keyPath, Err: errors.WithStack(err)}
	}

	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, &CorruptCertificateError{CertPath: certPath, KeyPath: keyPath, Err: err}
	}

	p.logger.Debug("loaded existing certificate", "cert", certPath, "key", keyPath)
	return &Certificate{
		CertPEM:  certPEM,
		KeyPEM:   keyPEM,
		CertPath: certPath,
		KeyPath:  keyPath,
	}, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// X509Generator generates RSA self-signed server certificates.
type X509Generator struct {
	// Bits is the RSA key size; 2048 when zero.
	Bits int
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Generate creates a self-signed certificate valid for validityDays, with
// commonName as subject and as a DNS name, plus the loopback addresses.
func (g X509Generator) Generate(commonName string, validityDays int) ([]byte, []byte, error) {
	bits := g.Bits
	if bits == 0 {
		bits = 2048
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate RSA key")
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate serial number")
	}

	notBefore := now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(commonName); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = append(template.DNSNames, commonName)
	}
	if commonName == "localhost" {
		template.IPAddresses = append(template.IPAddresses, net.IPv4(127, 0, 0, 1), net.IPv6loopback)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create certificate")
	}

	var certBuf, keyBuf bytes.Buffer
	if err := pem.Encode(&certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode certificate")
	}
	if err := pem.Encode(&keyBuf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		return nil, nil, errors.Wrap(err, "failed to encode private key")
	}

	return certBuf.Bytes(), keyBuf.Bytes(), nil
}
