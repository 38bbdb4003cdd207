// Package tlsmaterial loads the PEM certificate chains, leaf keys, and root
// trust store the proxy needs to terminate and originate TLS connections.
package tlsmaterial

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

// alpnProtocol is the ALPN identifier offered and required on both the
// client- and server-side TLS connections.
const alpnProtocol = "imap"

// LoadCertificateChain reads a PEM file containing one or more certificates
// and returns them in the order they appear: the leaf first, followed by
// the issuer chain.
func LoadCertificateChain(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: read certificate chain %s: %w", path, err)
	}

	var der [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			der = append(der, block.Bytes)
		}
	}
	if len(der) == 0 {
		return nil, fmt.Errorf("tlsmaterial: %s contains no certificates", path)
	}
	return der, nil
}

// LoadLeafKey reads a PEM file containing the leaf certificate's private
// key and parses it into a crypto.PrivateKey-compatible value usable with
// tls.Certificate.
func LoadLeafKey(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: read leaf key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("tlsmaterial: %s contains no PEM blocks", path)
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: parse leaf key %s: %w", path, err)
	}
	return key, nil
}

// parsePrivateKey tries, in order, the three DER encodings OpenSSL and Go's
// own tooling commonly emit for a leaf key: PKCS#8, PKCS#1 (RSA), and
// SEC1 (EC).
func parsePrivateKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return key, nil
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key encoding")
}

// Identity names the PEM files of the certificate chain and leaf key a
// TLS server presents; ServerConfig loads them from disk.
type Identity struct {
	CertificateChainPath string
	LeafKeyPath          string
}

// ServerConfig builds a fresh *tls.Config for accepting a client
// connection, reading the certificate chain and leaf key from disk each
// time it is called. Rebuilding on every accept trades a small amount of
// per-connection I/O for the ability to rotate certificates on disk
// without restarting the proxy.
func (id Identity) ServerConfig() (*tls.Config, error) {
	chain, err := LoadCertificateChain(id.CertificateChainPath)
	if err != nil {
		return nil, err
	}
	key, err := LoadLeafKey(id.LeafKeyPath)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

var (
	rootStoreOnce  sync.Once
	rootStore      *x509.CertPool
	rootStoreError error
)

// RootCertStore returns the process-wide system trust store, built once
// and cached for the lifetime of the process.
func RootCertStore() (*x509.CertPool, error) {
	rootStoreOnce.Do(func() {
		rootStore, rootStoreError = x509.SystemCertPool()
		if rootStoreError != nil {
			return
		}
		if rootStore == nil {
			rootStore = x509.NewCertPool()
		}
	})
	return rootStore, rootStoreError
}

// ClientConfig builds a *tls.Config for connecting to the upstream server
// identified by serverName, trusting the process-wide root store.
func ClientConfig(serverName string) (*tls.Config, error) {
	pool, err := RootCertStore()
	if err != nil {
		return nil, fmt.Errorf("tlsmaterial: load root cert store: %w", err)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		NextProtos: []string{alpnProtocol},
		MinVersion: tls.VersionTLS12,
	}, nil
}
