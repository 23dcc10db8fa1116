// Package server owns the TLS 1.3 listener the session coordinator
// consumes authenticated byte streams from.
package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Listener wraps a TCP listener in TLS 1.3 with a pinned cipher suite set
// and hot certificate reload.
type Listener struct {
	net.Listener
	certs  *certStore
	logger zerolog.Logger
}

// Options configure the listener.
type Options struct {
	Addr     string
	CertPath string
	KeyPath  string
	Logger   zerolog.Logger
}

// tls13Suites is the allowed suite set. TLS 1.3 suites are not
// configurable via the Config API, but pinning MinVersion to 1.3 yields
// exactly this set; it is recorded here for the startup log.
var tls13Suites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_AES_128_GCM_SHA256,
}

// Listen binds the address and arms certificate reload. Key file
// permissions looser than owner-only produce a warning, not a failure.
func Listen(opts Options) (*Listener, error) {
	logger := opts.Logger.With().Str("component", "listener").Logger()

	checkKeyPermissions(opts.KeyPath, logger)
	certs, err := newCertStore(opts.CertPath, opts.KeyPath, logger)
	if err != nil {
		return nil, err
	}

	tcpLn, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("server: bind %s: %w", opts.Addr, err)
	}

	tlsCfg := &tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: certs.get,
	}
	ln := &Listener{
		Listener: tls.NewListener(tcpLn, tlsCfg),
		certs:    certs,
		logger:   logger,
	}
	logger.Info().
		Str("addr", opts.Addr).
		Ints32("suites", suiteIDs()).
		Msg("TLS 1.3 listener ready")
	return ln, nil
}

func suiteIDs() []int32 {
	out := make([]int32, len(tls13Suites))
	for i, s := range tls13Suites {
		out[i] = int32(s)
	}
	return out
}

// Close stops the listener and the reload watcher.
func (l *Listener) Close() error {
	l.certs.close()
	return l.Listener.Close()
}

// checkKeyPermissions warns when the private key is readable beyond its
// owner.
func checkKeyPermissions(path string, logger zerolog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return // surfaces properly at load
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn().
			Str("key", path).
			Str("mode", perm.String()).
			Msg("private key is not owner-read-only")
	}
}

// certStore holds the active certificate and swaps it when the files
// change on disk.
type certStore struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
}

func newCertStore(certPath, keyPath string, logger zerolog.Logger) (*certStore, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("server: load certificate: %w", err)
	}
	s := &certStore{cert: &cert, certPath: certPath, keyPath: keyPath, logger: logger}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("certificate reload disabled")
		return s, nil
	}
	s.watcher = watcher
	for _, p := range []string{certPath, keyPath} {
		if err := watcher.Add(p); err != nil {
			logger.Warn().Err(err).Str("path", p).Msg("cannot watch for reload")
		}
	}
	go s.watch()
	return s, nil
}

func (s *certStore) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert, nil
}

func (s *certStore) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
			if err != nil {
				s.logger.Warn().Err(err).Msg("certificate reload failed, keeping previous")
				continue
			}
			s.mu.Lock()
			s.cert = &cert
			s.mu.Unlock()
			s.logger.Info().Msg("certificate reloaded")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("certificate watcher error")
		}
	}
}

func (s *certStore) close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
