package server

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
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "wrd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certPath, certOut, 0o600))

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyPath, keyOut, 0o600))
	return certPath, keyPath
}

func TestListenerSpeaksTLS13Only(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())
	ln, err := Listen(Options{
		Addr: "127.0.0.1:0", CertPath: certPath, KeyPath: keyPath, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			// Drive the handshake from the server side.
			err = conn.(*tls.Conn).Handshake()
			conn.Close()
		}
		accepted <- err
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	require.NoError(t, err)
	state := conn.ConnectionState()
	assert.Equal(t, uint16(tls.VersionTLS13), state.Version)
	assert.Contains(t, tls13Suites, state.CipherSuite)
	conn.Close()
	require.NoError(t, <-accepted)
}

func TestListenerRejectsTLS12Client(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())
	ln, err := Listen(Options{
		Addr: "127.0.0.1:0", CertPath: certPath, KeyPath: keyPath, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.(*tls.Conn).Handshake()
			conn.Close()
		}
	}()

	_, err = tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
	})
	assert.Error(t, err, "TLS 1.2 clients are refused")
}

func TestListenerMissingCert(t *testing.T) {
	_, err := Listen(Options{
		Addr: "127.0.0.1:0", CertPath: "/nope/cert.pem", KeyPath: "/nope/key.pem", Logger: zerolog.Nop(),
	})
	assert.Error(t, err)
}
