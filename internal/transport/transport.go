// Package transport wraps a TCP connection, optionally upgraded to TLS,
// into the duplex byte stream the conversation driver reads from and
// writes to. It owns the accept-side and connect-side dial logic and the
// process-wide bound on concurrent upstream TLS handshakes.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"golang.org/x/sync/semaphore"

	"github.com/ctolnik/imap-proxy/internal/config"
	"github.com/ctolnik/imap-proxy/internal/tlsmaterial"
)

// Stream is a bidirectional byte channel with an attribute distinguishing
// plaintext from TLS. It is owned by exactly one conversation.
type Stream struct {
	conn  net.Conn
	isTLS bool
}

// NewInsecure wraps a plain net.Conn.
func NewInsecure(conn net.Conn) *Stream {
	return &Stream{conn: conn}
}

// NewTLS wraps a *tls.Conn.
func NewTLS(conn *tls.Conn) *Stream {
	return &Stream{conn: conn, isTLS: true}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) { return s.conn.Read(p) }

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) { return s.conn.Write(p) }

// Close releases the underlying connection.
func (s *Stream) Close() error { return s.conn.Close() }

// IsTLS reports whether this stream is TLS-protected.
func (s *Stream) IsTLS() bool { return s.isTLS }

// RemoteAddr returns the address of the peer.
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Listen opens the TCP listener a service accepts client connections on.
// It does not touch TLS materials; those are loaded fresh on every
// AcceptClient call so certificates can be rotated on disk without
// restarting the proxy.
func Listen(bind config.Bind) (net.Listener, error) {
	ln, err := net.Listen("tcp", bind.AddrPort())
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", bind.AddrPort(), err)
	}
	return ln, nil
}

// AcceptClient accepts one client connection from ln and, if bind
// requires TLS, performs the server-side handshake using freshly loaded
// certificate chain and leaf key.
func AcceptClient(ln net.Listener, bind config.Bind) (*Stream, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}

	if bind.Encryption != config.TLS {
		return NewInsecure(conn), nil
	}

	identity := tlsmaterial.Identity{
		CertificateChainPath: bind.Identity.CertificateChainPath,
		LeafKeyPath:          bind.Identity.LeafKeyPath,
	}
	tlsCfg, err := identity.ServerConfig()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: build server TLS config: %w", err)
	}

	tlsConn := tls.Server(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("transport: TLS handshake with client: %w", err)
	}
	return NewTLS(tlsConn), nil
}

// HandshakeLimiter bounds the number of concurrent upstream TLS
// handshakes in flight, so a burst of incoming client connections cannot
// force an unbounded number of simultaneous handshakes against the
// upstream server.
type HandshakeLimiter struct {
	sem *semaphore.Weighted
}

// NewHandshakeLimiter returns a limiter that admits at most max
// concurrent handshakes.
func NewHandshakeLimiter(max int64) *HandshakeLimiter {
	return &HandshakeLimiter{sem: semaphore.NewWeighted(max)}
}

// ConnectToServer dials the upstream server described by connect,
// performing a TLS handshake if required. For a TLS upstream, the TCP
// dial and the handshake together are bounded by the limiter; a plaintext
// dial is not bounded.
func (h *HandshakeLimiter) ConnectToServer(ctx context.Context, connect config.Connect) (*Stream, error) {
	addr := connect.AddrPort()

	if connect.Encryption != config.TLS {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}
		return NewInsecure(conn), nil
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("transport: wait for handshake slot: %w", err)
	}
	defer h.sem.Release(1)

	tlsCfg, err := tlsmaterial.ClientConfig(connect.Host)
	if err != nil {
		return nil, err
	}

	dialer := tls.Dialer{Config: tlsCfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: TLS dial %s: %w", addr, err)
	}
	return NewTLS(conn.(*tls.Conn)), nil
}
