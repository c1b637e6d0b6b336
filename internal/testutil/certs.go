// Package testutil generates throwaway PKI material for tests that need mutual TLS.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type KeyPair struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
	KeyPEM  []byte
}

func (kp *KeyPair) TLSCertificate(t testing.TB) tls.Certificate {
	c, err := tls.X509KeyPair(kp.CertPEM, kp.KeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// PKI is a CA together with one server and one client certificate signed by it
type PKI struct {
	CA     *KeyPair
	Server *KeyPair
	Client *KeyPair
}

var serial int64 = 1

func newKeyPair(t testing.TB, tmpl *x509.Certificate, parent *KeyPair) *KeyPair {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl.SerialNumber = big.NewInt(atomic.AddInt64(&serial, 1))
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(time.Hour)

	signerCert, signerKey := tmpl, key
	if parent != nil {
		signerCert, signerKey = parent.Cert, parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return &KeyPair{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}
}

// NewPKI issues a fresh CA, a server certificate valid for localhost and 127.0.0.1,
// and a client certificate
func NewPKI(t testing.TB) *PKI {
	ca := newKeyPair(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "test ca"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}, nil)
	server := newKeyPair(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: "localhost"},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, ca)
	client := newKeyPair(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: "client1"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, ca)
	return &PKI{CA: ca, Server: server, Client: client}
}

// ServerTLSConfig requires and verifies a client certificate signed by the CA
func (p *PKI) ServerTLSConfig(t testing.TB) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(p.CA.Cert)
	return &tls.Config{
		Certificates: []tls.Certificate{p.Server.TLSCertificate(t)},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
}

// WriteClientFiles writes the CA certificate and the client key pair under dir and returns
// their paths in the order ca, cert, key
func (p *PKI) WriteClientFiles(t testing.TB, dir string) (string, string, string) {
	caPath := filepath.Join(dir, "ca-crt.pem")
	certPath := filepath.Join(dir, "client1-crt.pem")
	keyPath := filepath.Join(dir, "client1-key.pem")
	for path, content := range map[string][]byte{
		caPath:   p.CA.CertPEM,
		certPath: p.Client.CertPEM,
		keyPath:  p.Client.KeyPEM,
	} {
		if err := os.WriteFile(path, content, 0600); err != nil {
			t.Fatal(err)
		}
	}
	return caPath, certPath, keyPath
}
