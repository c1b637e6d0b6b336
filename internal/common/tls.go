package common

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultCredentialDir = "cert_client_8126_8124"
	DefaultCAFile        = "ca-crt.pem"
	DefaultCertFile      = "client1-crt.pem"
	DefaultKeyFile       = "client1-key.pem"
)

var ErrNoCACertificate = errors.New("no certificate found in CA bundle")

// Credentials points at the PEM material used for mutual authentication
type Credentials struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// DefaultCredentials returns the credential paths relative to dir
func DefaultCredentials(dir string) Credentials {
	return Credentials{
		CAFile:   filepath.Join(dir, DefaultCredentialDir, DefaultCAFile),
		CertFile: filepath.Join(dir, DefaultCredentialDir, DefaultCertFile),
		KeyFile:  filepath.Join(dir, DefaultCredentialDir, DefaultKeyFile),
	}
}

// MutualTLSConfig loads the CA bundle and the client key pair. The returned config
// presents the client certificate and only trusts servers signed by the CA.
func (c Credentials) MutualTLSConfig(serverName string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%v: %w", c.CAFile, ErrNoCACertificate)
	}

	keyPair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key pair: %w", err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{keyPair},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
