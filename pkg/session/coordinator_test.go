package session

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waylandrdp/wrd-server/pkg/capture"
	"github.com/waylandrdp/wrd-server/pkg/config"
	"github.com/waylandrdp/wrd-server/pkg/encoder"
	"github.com/waylandrdp/wrd-server/pkg/input"
	"github.com/waylandrdp/wrd-server/pkg/rdp"
	"github.com/waylandrdp/wrd-server/pkg/registry"
)

// stubStage satisfies encoder.Stage without GStreamer.
type stubStage struct {
	keyframes atomic.Int64
}

func (s *stubStage) Encode(capture.VideoFrame) (*encoder.EncodedFrame, error) {
	return nil, &encoder.Error{Kind: encoder.KindFatal, Err: errors.New("stub")}
}
func (s *stubStage) Flush() ([]*encoder.EncodedFrame, error) { return nil, nil }
func (s *stubStage) SetBitrate(int)                          {}
func (s *stubStage) RequestKeyframe()                        { s.keyframes.Add(1) }
func (s *stubStage) Variant() encoder.Variant                { return encoder.VariantOpenH264 }
func (s *stubStage) Close()                                  {}

type nilInjector struct{}

func (nilInjector) KeyboardKeycode(int32, bool) error              { return nil }
func (nilInjector) PointerMotionAbsolute(uint32, float64, float64) error { return nil }
func (nilInjector) PointerMotionRelative(float64, float64) error   { return nil }
func (nilInjector) PointerButton(int32, bool) error                { return nil }
func (nilInjector) PointerAxis(float64, float64) error             { return nil }
func (nilInjector) PointerAxisDiscrete(uint32, int32) error        { return nil }
func (nilInjector) Close() error                                   { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Timeouts.DrainSecs = 1
	cfg.Timeouts.AuthSecs = 2
	return cfg
}

func testCoordinator(t *testing.T, cfg *config.Config, auth Authenticator) *Coordinator {
	t.Helper()
	c := New(cfg, nil, nil, auth, nil, zerolog.Nop())
	c.provision = func(ctx context.Context, sess *Session, conn net.Conn) (*pipeline, error) {
		writer := rdp.NewChannelWriter(conn)
		stage := &stubStage{}
		graphics := rdp.NewGraphicsChannel(writer, sess.Caps, stage, cfg.Video.Bitrate, zerolog.Nop())
		return &pipeline{
			stage:    stage,
			writer:   writer,
			graphics: graphics,
			cursor:   rdp.NewCursorStream(writer),
			router: input.NewRouter(nil, 1920, 1080, registry.InputPortalAbsolute,
				nilInjector{}, nil, zerolog.Nop()),
			injector: nilInjector{},
		}, nil
	}
	return c
}

func clientCapsPayload() []byte {
	payload := make([]byte, 15)
	binary.LittleEndian.PutUint16(payload[0:2], 1920)
	binary.LittleEndian.PutUint16(payload[2:4], 1080)
	binary.LittleEndian.PutUint16(payload[4:6], 32)
	binary.LittleEndian.PutUint16(payload[6:8], 8192)
	binary.LittleEndian.PutUint32(payload[8:12], 512*1024)
	binary.LittleEndian.PutUint16(payload[12:14], 0x0001) // AVC420
	payload[14] = 1
	return payload
}

// clientHandshake authenticates and negotiates over conn, returning the
// auth verdict.
func clientHandshake(t *testing.T, conn net.Conn, user, pass string) byte {
	t.Helper()
	w := rdp.NewChannelWriter(conn)
	require.NoError(t, w.WritePDU(rdp.ChannelControl,
		rdp.EncodeAuthRequest(rdp.AuthRequest{Username: user, Password: pass})))

	ch, payload, err := rdp.ReadChannelPDU(conn)
	require.NoError(t, err)
	require.Equal(t, rdp.ChannelControl, ch)
	require.Len(t, payload, 1)
	if payload[0] != rdp.AuthOK {
		return payload[0]
	}

	require.NoError(t, w.WritePDU(rdp.ChannelControl, clientCapsPayload()))
	ch, _, err = rdp.ReadChannelPDU(conn)
	require.NoError(t, err)
	require.Equal(t, rdp.ChannelControl, ch)
	return rdp.AuthOK
}

func startServer(t *testing.T, c *Coordinator) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Serve(ctx, ln)
	}()
	return ln.Addr().String(), func() {
		cancel()
		ln.Close()
		c.Stop()
		<-done
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func sessionIn(c *Coordinator, state State) func() bool {
	return func() bool {
		found := false
		c.sessions.Range(func(_, v interface{}) bool {
			if v.(*Session).State() == state {
				found = true
				return false
			}
			return true
		})
		return found
	}
}

func TestSessionReachesActiveAndTerminatesOnClose(t *testing.T) {
	okAuth := AuthFunc(func(ctx context.Context, u, p string) error {
		if u == "alice" && p == "secret" {
			return nil
		}
		return ErrAuthFailed
	})
	c := testCoordinator(t, testConfig(t), okAuth)
	addr, stop := startServer(t, c)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	verdict := clientHandshake(t, conn, "alice", "secret")
	assert.Equal(t, byte(rdp.AuthOK), verdict)
	waitFor(t, 3*time.Second, sessionIn(c, StateActive))

	// Client-side close drains the session within the cap.
	conn.Close()
	waitFor(t, 5*time.Second, func() bool { return c.SessionCount() == 0 })
}

func TestAuthLockout(t *testing.T) {
	var pamCalls atomic.Int64
	failAuth := AuthFunc(func(ctx context.Context, u, p string) error {
		pamCalls.Add(1)
		return ErrAuthFailed
	})
	cfg := testConfig(t)
	cfg.Security.MaxAuthAttempts = 3
	cfg.Security.BanDurationSecs = 60
	c := testCoordinator(t, cfg, failAuth)
	addr, stop := startServer(t, c)
	defer stop()

	// Three failures from the same peer.
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		verdict := clientHandshake(t, conn, "alice", "wrong")
		assert.NotEqual(t, byte(rdp.AuthOK), verdict)
		conn.Close()
	}
	assert.Equal(t, int64(3), pamCalls.Load())

	// The fourth connection is refused before any oracle call: the server
	// closes the stream without an auth exchange.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	w := rdp.NewChannelWriter(conn)
	w.WritePDU(rdp.ChannelControl, rdp.EncodeAuthRequest(rdp.AuthRequest{Username: "alice", Password: "wrong"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = rdp.ReadChannelPDU(conn)
	assert.Error(t, err, "banned peer gets no auth response")
	conn.Close()
	assert.Equal(t, int64(3), pamCalls.Load(), "no PAM call for a banned peer")
}

func TestStopIsIdempotent(t *testing.T) {
	c := testCoordinator(t, testConfig(t), AuthFunc(func(context.Context, string, string) error { return nil }))
	_, stop := startServer(t, c)
	stop()
	// Calling Stop again must be a no-op, not a panic or a hang.
	c.Stop()
	c.Stop()
	assert.Equal(t, 0, c.SessionCount())
}

func TestMaxConnectionsRefused(t *testing.T) {
	slowAuth := AuthFunc(func(ctx context.Context, u, p string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	cfg := testConfig(t)
	cfg.Server.MaxConnections = 2
	cfg.Server.PerIPLimit = 2
	c := testCoordinator(t, cfg, slowAuth)
	addr, stop := startServer(t, c)
	defer stop()

	var conns []net.Conn
	defer func() {
		for _, cn := range conns {
			cn.Close()
		}
	}()
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conns = append(conns, conn)
		w := rdp.NewChannelWriter(conn)
		require.NoError(t, w.WritePDU(rdp.ChannelControl,
			rdp.EncodeAuthRequest(rdp.AuthRequest{Username: "u", Password: "p"})))
	}

	waitFor(t, 2*time.Second, func() bool { return c.SessionCount() == 2 })

	// Third connection is closed immediately: the limit gates before the
	// session exists.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conns = append(conns, conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	_, err = conn.Read(one)
	assert.Error(t, err)
	assert.Equal(t, 2, c.SessionCount())
}
