// Package transport upgrades the two legs of a session: TLS in the server role
// toward the client, TLS in the client role toward the target, and CredSSP on
// top of either.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNegotiationFailed wraps every handshake and authentication failure.
var ErrNegotiationFailed = errors.New("transport: negotiation failed")

// Adapter holds the certificate presented to clients. It is read-only after
// construction and shared by all sessions.
type Adapter struct {
	cert       tls.Certificate
	leaf       *x509.Certificate
	minVersion uint16
}

// NewAdapter returns an adapter presenting cert. minTLS is "1.0" to "1.3".
func NewAdapter(cert tls.Certificate, minTLS string) (*Adapter, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("transport: empty certificate chain")
	}

	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, fmt.Errorf("transport: parse certificate: %w", err)
		}
	}

	return &Adapter{cert: cert, leaf: leaf, minVersion: ParseTLSVersion(minTLS)}, nil
}

// LoadAdapter reads a PEM certificate and key.
func LoadAdapter(certFile, keyFile, minTLS string) (*Adapter, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load key pair: %w", err)
	}
	return NewAdapter(cert, minTLS)
}

// Certificate returns the certificate presented to clients.
func (a *Adapter) Certificate() tls.Certificate {
	return a.cert
}

// PublicKey returns the subject public key of the presented certificate, the
// value CredSSP binds to.
func (a *Adapter) PublicKey() ([]byte, error) {
	return SubjectPublicKey(a.leaf.RawSubjectPublicKeyInfo)
}

// ParseTLSVersion maps "1.0" to "1.3" to a TLS version, defaulting to TLS 1.2.
func ParseTLSVersion(version string) uint16 {
	switch version {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.2":
		return tls.VersionTLS12
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// UpgradeServer runs the TLS handshake toward a client, with the proxy in the
// server role.
func (a *Adapter) UpgradeServer(ctx context.Context, conn net.Conn) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{a.cert},
		MinVersion:   a.minVersion, // #nosec G402
	})

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: client TLS handshake: %w", ErrNegotiationFailed, err)
	}

	return tlsConn, nil
}

// UpgradeClient runs the TLS handshake toward the target. The target
// certificate is never verified.
func (a *Adapter) UpgradeClient(ctx context.Context, conn net.Conn, serverName string) (*tls.Conn, error) {
	if serverName == "" || net.ParseIP(serverName) != nil {
		serverName = "rdp-server"
	}

	// Windows RDP servers typically only support TLS 1.0-1.2
	tlsConn := tls.Client(conn, &tls.Config{
		InsecureSkipVerify: true, // #nosec G402
		MinVersion:         tls.VersionTLS10,
		MaxVersion:         tls.VersionTLS12,
		ServerName:         serverName,
	})

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: server TLS handshake: %w", ErrNegotiationFailed, err)
	}

	return tlsConn, nil
}

// PeerPublicKey returns the subject public key of the certificate the target
// presented.
func PeerPublicKey(conn *tls.Conn) ([]byte, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: no peer certificates", ErrNegotiationFailed)
	}
	return SubjectPublicKey(state.PeerCertificates[0].RawSubjectPublicKeyInfo)
}

// bindDeadline applies the context deadline to conn and interrupts pending I/O
// on cancellation. The returned function restores the connection.
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}
