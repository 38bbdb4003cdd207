package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctolnik/imap-proxy/internal/config"
)

func TestInsecureRoundTrip(t *testing.T) {
	bind := config.Bind{Encryption: config.Insecure, Host: "127.0.0.1", Port: 0}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	connectAddr := ln.Addr().(*net.TCPAddr)
	connect := config.Connect{Encryption: config.Insecure, Host: "127.0.0.1", Port: uint16(connectAddr.Port)}

	serverErrCh := make(chan error, 1)
	var serverStream *Stream
	go func() {
		s, err := AcceptClient(ln, bind)
		serverStream = s
		serverErrCh <- err
	}()

	limiter := NewHandshakeLimiter(4)
	clientStream, err := limiter.ConnectToServer(context.Background(), connect)
	if err != nil {
		t.Fatalf("ConnectToServer: %v", err)
	}
	defer clientStream.Close()

	if err := <-serverErrCh; err != nil {
		t.Fatalf("AcceptClient: %v", err)
	}
	defer serverStream.Close()

	if clientStream.IsTLS() || serverStream.IsTLS() {
		t.Error("expected plaintext streams")
	}

	if _, err := clientStream.Write([]byte("hello\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 7)
	if _, err := serverStream.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello\r\n" {
		t.Errorf("got %q, want %q", buf, "hello\r\n")
	}
}

func TestTLSConnectRejectsUntrustedCertificate(t *testing.T) {
	chainPath, keyPath := writeSelfSignedIdentity(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	bind := config.Bind{
		Encryption: config.TLS,
		Host:       "127.0.0.1",
		Identity: &config.Identity{
			Type:                 config.CertificateChainAndLeafKey,
			CertificateChainPath: chainPath,
			LeafKeyPath:          keyPath,
		},
	}
	connectAddr := ln.Addr().(*net.TCPAddr)
	connect := config.Connect{Encryption: config.TLS, Host: "localhost", Port: uint16(connectAddr.Port)}

	serverErrCh := make(chan error, 1)
	var serverStream *Stream
	go func() {
		s, err := AcceptClient(ln, bind)
		serverStream = s
		serverErrCh <- err
	}()

	limiter := NewHandshakeLimiter(4)

	// The self-signed test certificate is not trusted by the system pool,
	// so this exercises only the dial/handshake wiring, not certificate
	// trust. A context with a short deadline keeps a failed handshake from
	// hanging the test.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = limiter.ConnectToServer(ctx, connect)
	if err == nil {
		t.Fatal("expected a certificate verification error against an untrusted self-signed cert")
	}

	<-serverErrCh
}

func writeSelfSignedIdentity(t *testing.T) (chainPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	chainPath = filepath.Join(dir, "leaf.pem")
	keyPath = filepath.Join(dir, "leaf-key.pem")

	if err := os.WriteFile(chainPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write chain: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return chainPath, keyPath
}
