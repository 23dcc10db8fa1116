package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/waylandrdp/wrd-server/pkg/capture"
	"github.com/waylandrdp/wrd-server/pkg/clipboard"
	"github.com/waylandrdp/wrd-server/pkg/config"
	"github.com/waylandrdp/wrd-server/pkg/credstore"
	"github.com/waylandrdp/wrd-server/pkg/encoder"
	"github.com/waylandrdp/wrd-server/pkg/input"
	"github.com/waylandrdp/wrd-server/pkg/observability"
	"github.com/waylandrdp/wrd-server/pkg/rdp"
	"github.com/waylandrdp/wrd-server/pkg/registry"
)

// Coordinator accepts authenticated TLS streams and drives each one
// through the session state machine. One Coordinator serves the whole
// process; all other state is per-session.
type Coordinator struct {
	cfg     *config.Config
	reg     *registry.Registry
	store   credstore.Store
	auth    Authenticator
	metrics *observability.Metrics
	logger  zerolog.Logger

	limits   *limiter
	bans     *banList
	sessions sync.Map // session id -> *Session
	wg       sync.WaitGroup

	stopOnce sync.Once
	stopping chan struct{}

	// provision builds a session's pipeline; swapped out in tests.
	provision func(ctx context.Context, sess *Session, conn net.Conn) (*pipeline, error)
}

// New wires a coordinator.
func New(cfg *config.Config, reg *registry.Registry, store credstore.Store, auth Authenticator, metrics *observability.Metrics, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		reg:      reg,
		store:    store,
		auth:     auth,
		metrics:  metrics,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		limits:   newLimiter(cfg.Server.MaxConnections, cfg.Server.PerIPLimit),
		bans:     newBanList(cfg.Security.MaxAuthAttempts, cfg.Security.BanDuration(), nil),
		stopping: make(chan struct{}),
	}
	c.provision = c.provisionPipeline
	return c
}

// Serve accepts connections until the listener closes or ctx is done.
// Accept errors on a live listener are transient I/O and retried with
// backoff.
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopping:
			return nil
		default:
		}

		var conn net.Conn
		err := retry.Do(func() error {
			var acceptErr error
			conn, acceptErr = ln.Accept()
			return acceptErr
		}, retry.Attempts(3), retry.Delay(100*time.Millisecond), retry.LastErrorOnly(true))
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		// max_connections gates before the session even exists.
		if err := c.limits.AcquireGlobal(); err != nil {
			c.logger.Warn().Str("peer", conn.RemoteAddr().String()).Err(err).Msg("connection refused")
			conn.Close()
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(ctx, conn)
		}()
	}
}

// handleConn is one session's whole life.
func (c *Coordinator) handleConn(ctx context.Context, conn net.Conn) {
	peerIP := peerIPOf(conn)
	sess := newSession(peerIP, c.logger)
	claimedIP := ""

	defer func() {
		sess.transition(StateTerminated)
		sess.releasePipeline()
		conn.Close()
		c.sessions.Delete(sess.ID)
		c.limits.Release(claimedIP)
		if c.metrics != nil {
			c.metrics.SessionsActive.Set(float64(c.sessionCount()))
		}
		sess.logger.Info().Msg("session terminated")
	}()

	// per_ip_limit applies the moment the peer is known.
	if c.bans.Banned(peerIP) {
		sess.logger.Warn().Str("peer", peerIP).Msg("banned peer refused")
		return
	}
	if err := c.limits.ClaimIP(peerIP); err != nil {
		sess.logger.Warn().Str("peer", peerIP).Err(err).Msg("connection refused")
		return
	}
	claimedIP = peerIP
	c.sessions.Store(sess.ID, sess)
	sess.logger.Info().Str("peer", peerIP).Msg("session connecting")

	if !sess.transition(StateAuthenticating) {
		return
	}
	if err := c.authenticate(ctx, sess, conn); err != nil {
		sess.logger.Warn().Err(err).Msg("authentication failed")
		return
	}

	if !sess.transition(StateNegotiating) {
		return
	}
	caps, err := c.negotiate(sess, conn)
	if err != nil {
		sess.logger.Warn().Err(err).Msg("capability negotiation failed")
		return
	}
	sess.Caps = caps

	if !sess.transition(StateProvisioning) {
		return
	}
	p, err := c.provision(ctx, sess, conn)
	if err != nil {
		// Fatal for this session, never for the server.
		sess.logger.Error().Err(err).Msg("provisioning failed")
		return
	}
	sess.mu.Lock()
	sess.pipeline = p
	sess.mu.Unlock()

	if !sess.transition(StateActive) {
		return
	}
	if c.metrics != nil {
		c.metrics.SessionsActive.Set(float64(c.sessionCount()))
	}

	c.runActive(ctx, sess, conn, p)
	c.drain(sess, p)
}

// authenticate runs NLA against the external oracle, with lockout.
func (c *Coordinator) authenticate(ctx context.Context, sess *Session, conn net.Conn) error {
	if !c.cfg.Security.EnableNLA {
		return nil
	}

	deadline := time.Now().Add(c.cfg.Timeouts.Auth())
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	ch, payload, err := rdp.ReadChannelPDU(conn)
	if err != nil {
		return fmt.Errorf("read auth PDU: %w", err)
	}
	if ch != rdp.ChannelControl {
		return fmt.Errorf("%w: auth expected on control channel", rdp.ErrMalformedPDU)
	}
	req, err := rdp.ParseAuthRequest(payload)
	if err != nil {
		return err
	}

	authCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	verifyErr := c.auth.Verify(authCtx, req.Username, req.Password)

	writer := rdp.NewChannelWriter(conn)
	if verifyErr != nil {
		if c.metrics != nil {
			c.metrics.AuthFailures.Inc()
		}
		code := byte(rdp.AuthDenied)
		if banned := c.bans.RecordFailure(sess.PeerIP); banned {
			code = rdp.AuthBanned
			sess.logger.Warn().
				Str("peer", sess.PeerIP).
				Dur("ban", c.cfg.Security.BanDuration()).
				Msg("peer banned after repeated auth failures")
		}
		writer.WritePDU(rdp.ChannelControl, rdp.EncodeAuthResponse(code))
		return ErrAuthFailed
	}

	c.bans.RecordSuccess(sess.PeerIP)
	if err := writer.WritePDU(rdp.ChannelControl, rdp.EncodeAuthResponse(rdp.AuthOK)); err != nil {
		return fmt.Errorf("write auth response: %w", err)
	}
	sess.logger.Info().Str("user", req.Username).Msg("authenticated")
	return nil
}

// negotiate runs the capability exchange and pins the session's
// capability set.
func (c *Coordinator) negotiate(sess *Session, conn net.Conn) (*rdp.CapabilitySet, error) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.Timeouts.Auth()))
	defer conn.SetReadDeadline(time.Time{})

	ch, payload, err := rdp.ReadChannelPDU(conn)
	if err != nil {
		return nil, fmt.Errorf("read capabilities: %w", err)
	}
	if ch != rdp.ChannelControl {
		return nil, fmt.Errorf("%w: capabilities expected on control channel", rdp.ErrMalformedPDU)
	}
	caps, err := rdp.ParseClientCapabilities(payload)
	if err != nil {
		return nil, err
	}

	writer := rdp.NewChannelWriter(conn)
	if err := writer.WritePDU(rdp.ChannelControl, rdp.EncodeServerCapabilities(caps)); err != nil {
		return nil, fmt.Errorf("write capabilities: %w", err)
	}
	sess.logger.Info().
		Uint16("width", caps.DesktopWidth).
		Uint16("height", caps.DesktopHeight).
		Str("avc", caps.AVC.String()).
		Uint8("monitors", caps.MonitorCount).
		Msg("capabilities negotiated")
	return caps, nil
}

// provisionPipeline builds the real pipeline: portal session, capture
// source, encoder stage, graphics/cursor channels, input router, and the
// clipboard bridge.
func (c *Coordinator) provisionPipeline(ctx context.Context, sess *Session, conn net.Conn) (*pipeline, error) {
	strategy := c.reg.Strategy()

	portalConn, err := capture.ConnectPortal(ctx, sess.logger)
	if err != nil {
		return nil, err
	}
	opts := capture.PortalOptions{
		CursorMode: cursorModeOf(c.cfg.Video.CursorMode),
		Persist:    strategy.PersistTokens,
		TargetFPS:  c.cfg.Video.TargetFPS,
		Store:      c.store,
		Timeout:    c.cfg.Timeouts.PortalCreate(),
	}
	portal := capture.NewPortal(portalConn, sess.logger, opts)
	warn, err := portal.CreateSession(ctx, opts)
	if err != nil {
		portal.Close()
		return nil, err
	}
	if warn != nil {
		sess.logger.Warn().Err(warn).Msg("portal session is ephemeral")
	}

	// Compositor-side revocation is session-fatal.
	portal.OnClosed(func() {
		sess.logger.Warn().Msg("capture revoked by compositor")
		sess.transition(StateTerminated)
	})

	stage, err := c.initEncoder(sess)
	if err != nil {
		portal.Close()
		return nil, err
	}

	// Dmabuf hand-off is only safe when the VA-API stage actually won the
	// selection; under "auto" that is known only now.
	zeroCopy := c.cfg.Performance.ZeroCopy && stage.Variant() == encoder.VariantVAAPI
	if c.cfg.Performance.ZeroCopy && !zeroCopy {
		sess.logger.Info().Msg("zero_copy requested but the software encoder is in use, capturing through system memory")
	}

	source := capture.NewSource(portal, c.cfg.Video.TargetFPS, zeroCopy, c.metrics, sess.logger)
	monitors, err := source.Start(ctx, nil)
	if err != nil {
		stage.Close()
		source.Stop()
		return nil, err
	}

	writer := rdp.NewChannelWriter(conn)
	graphics := rdp.NewGraphicsChannel(writer, sess.Caps, stage, c.cfg.Video.Bitrate, sess.logger)
	cursor := rdp.NewCursorStream(writer)

	injector, err := input.NewInjector(strategy.Input, portal, monitors, sess.logger)
	if err != nil {
		stage.Close()
		source.Stop()
		return nil, err
	}
	input.PrimeKeyboard(injector)

	router := input.NewRouter(monitors,
		uint32(sess.Caps.DesktopWidth), uint32(sess.Caps.DesktopHeight),
		strategy.Input, injector, c.metrics, sess.logger)

	bridge, err := clipboard.New(clipboard.Options{
		Local:   portal,
		Remote:  writer,
		Metrics: c.metrics,
		Logger:  sess.logger,
		Timeout: c.cfg.Timeouts.ClipboardTransfer(),
	})
	if err != nil {
		// Clipboard is degraded, not fatal: the session still streams.
		sess.logger.Warn().Err(err).Msg("clipboard bridge unavailable")
	}

	return &pipeline{
		source:   source,
		stage:    stage,
		writer:   writer,
		graphics: graphics,
		cursor:   cursor,
		router:   router,
		injector: injector,
		bridge:   bridge,
		monitors: monitors,
	}, nil
}

// initEncoder builds the encoder stage under the configured init timeout;
// a wedged driver must not hold provisioning hostage.
func (c *Coordinator) initEncoder(sess *Session) (encoder.Stage, error) {
	type result struct {
		stage encoder.Stage
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		stage, err := encoder.New(c.cfg.Video.Encoder, c.reg, encoder.Options{
			TargetFPS:   c.cfg.Video.TargetFPS,
			BitrateKbps: c.cfg.Video.Bitrate,
			Threads:     c.cfg.Performance.EncoderThreads,
		}, sess.logger)
		ch <- result{stage, err}
	}()
	select {
	case r := <-ch:
		return r.stage, r.err
	case <-time.After(c.cfg.Timeouts.EncoderInit()):
		return nil, fmt.Errorf("encoder init timed out after %s", c.cfg.Timeouts.EncoderInit())
	}
}

// runActive drives the steady state until the stream closes, a child
// fails fatally, or the server stops.
func (c *Coordinator) runActive(ctx context.Context, sess *Session, conn net.Conn, p *pipeline) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, grpCtx := errgroup.WithContext(runCtx)

	// Reader: demultiplexes the client's PDUs.
	grp.Go(func() error {
		defer cancel()
		return c.readLoop(grpCtx, sess, conn, p)
	})

	// One video task per monitor: capture -> encode -> packetize.
	for _, m := range p.monitors {
		monitorID := m.ID
		grp.Go(func() error {
			return c.videoLoop(grpCtx, sess, p, monitorID)
		})
	}

	// Housekeeping: cursor coalescing and stop-flag checks.
	grp.Go(func() error {
		ticker := time.NewTicker(8 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-grpCtx.Done():
				return nil
			case <-c.stopping:
				return errors.New("server stopping")
			case <-ticker.C:
				if sess.Cancelled() {
					return nil
				}
				if err := p.cursor.Flush(); err != nil {
					return err
				}
			}
		}
	})

	if p.bridge != nil {
		grp.Go(func() error {
			return c.clipboardLoop(grpCtx, sess, p)
		})
	}

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		sess.logger.Warn().Err(err).Msg("active pipeline ended")
	}
}

// readLoop parses and routes inbound PDUs. Malformed PDUs are peer-fatal:
// the session drains, the server continues.
func (c *Coordinator) readLoop(ctx context.Context, sess *Session, conn net.Conn, p *pipeline) error {
	for {
		if sess.Cancelled() || ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		ch, payload, err := rdp.ReadChannelPDU(conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				sess.logger.Info().Msg("client closed the stream")
				return io.EOF
			}
			return fmt.Errorf("read: %w", err)
		}

		switch ch {
		case rdp.ChannelInput:
			events, err := rdp.ParseInputPDU(payload)
			if err != nil {
				return err // peer-fatal
			}
			p.router.Dispatch(events)
		case rdp.ChannelControl:
			acked, err := rdp.ParseAckPDU(payload)
			if err != nil {
				return err
			}
			p.graphics.Ack(acked)
		case rdp.ChannelClipboard:
			if p.bridge == nil {
				continue
			}
			msg, err := rdp.ParseClipMessage(payload)
			if err != nil {
				return err
			}
			if err := p.bridge.HandleMessage(ctx, msg); err != nil {
				// Clipboard failures degrade the bridge, not the session.
				sess.logger.Warn().Err(err).Msg("clipboard message failed")
			}
		default:
			sess.logger.Warn().Uint8("channel", uint8(ch)).Msg("PDU on unexpected channel dropped")
		}
	}
}

// videoLoop is one monitor's capture -> encode -> send chain. Encoder
// resets are recoverable; everything else ends the session.
func (c *Coordinator) videoLoop(ctx context.Context, sess *Session, p *pipeline, monitorID uint32) error {
	monitorLabel := fmt.Sprintf("%d", monitorID)
	for {
		if sess.Cancelled() || ctx.Err() != nil {
			return nil
		}
		frame, err := p.source.NextFrame(ctx, monitorID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, capture.ErrStopped) {
				return nil
			}
			return fmt.Errorf("capture: %w", err)
		}

		encoded, err := p.stage.Encode(frame)
		p.source.Recycle(frame)
		if err != nil {
			if encoder.IsReset(err) {
				if c.metrics != nil {
					c.metrics.EncoderResets.WithLabelValues(monitorLabel).Inc()
				}
				sess.logger.Warn().Err(err).Msg("encoder reset, next frame will be a keyframe")
				continue
			}
			return fmt.Errorf("encode: %w", err)
		}
		if c.metrics != nil {
			c.metrics.FramesEncoded.WithLabelValues(monitorLabel).Inc()
			c.metrics.GraphicsBytes.WithLabelValues(sess.ID).Add(float64(frameBytes(encoded)))
			c.metrics.BitrateTarget.WithLabelValues(sess.ID).Set(float64(p.graphics.CurrentBitrate()))
		}

		if err := p.graphics.SendFrame(encoded); err != nil {
			if errors.Is(err, rdp.ErrOversizePDU) {
				// Keyframe was requested; the refreshed stream renegotiates
				// NALU sizing on the next picture.
				sess.logger.Warn().Err(err).Msg("oversized NALU, forcing refresh")
				continue
			}
			return fmt.Errorf("graphics: %w", err)
		}
	}
}

// clipboardLoop pumps the portal's selection signals into the bridge.
func (c *Coordinator) clipboardLoop(ctx context.Context, sess *Session, p *pipeline) error {
	// The portal watch channels are owned by the source's portal.
	portal := p.source.PortalHandle()
	if portal == nil {
		return nil
	}
	transfers, owners, err := portal.WatchSelection()
	if err != nil {
		sess.logger.Warn().Err(err).Msg("selection watch unavailable")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-transfers:
			if !ok {
				return nil
			}
			if err := p.bridge.OnLocalPasteRequest(req.Serial, req.MIME); err != nil {
				sess.logger.Warn().Err(err).Msg("local paste failed")
			}
		case change, ok := <-owners:
			if !ok {
				return nil
			}
			if err := p.bridge.OnLocalOwnerChange(change.MIMETypes, change.SessionIsOwner); err != nil {
				sess.logger.Warn().Err(err).Msg("owner change propagation failed")
			}
		}
	}
}

// drain flushes the stream and caps teardown at the configured drain
// timeout; whatever has not finished by then is abandoned.
func (c *Coordinator) drain(sess *Session, p *pipeline) {
	if !sess.transition(StateDraining) {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.stage.RequestKeyframe()
		if frames, err := p.stage.Flush(); err == nil {
			for _, f := range frames {
				if err := p.graphics.SendFrame(f); err != nil {
					break
				}
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.Timeouts.Drain()):
		sess.logger.Warn().Msg("drain cap hit, abandoning in-flight work")
	}
}

// Stop drains every session and stops accepting. Calling it twice has
// the same effect as calling it once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopping)
		c.sessions.Range(func(_, v interface{}) bool {
			sess := v.(*Session)
			if sess.State() == StateActive {
				sess.transition(StateDraining)
			} else {
				sess.transition(StateTerminated)
			}
			return true
		})

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.cfg.Timeouts.Drain()):
			c.logger.Warn().Msg("drain cap hit on shutdown, abandoning sessions")
		}
		c.logger.Info().Msg("coordinator stopped")
	})
}

// SessionCount returns the number of live sessions.
func (c *Coordinator) SessionCount() int { return c.sessionCount() }

func (c *Coordinator) sessionCount() int {
	n := 0
	c.sessions.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

func peerIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func cursorModeOf(mode config.CursorMode) uint32 {
	switch mode {
	case config.CursorEmbedded:
		return capture.CursorEmbedded
	case config.CursorHidden:
		return capture.CursorHidden
	default:
		return capture.CursorMetadata
	}
}

func frameBytes(f *encoder.EncodedFrame) int {
	n := 0
	for _, nalu := range f.NALUs {
		n += len(nalu)
	}
	return n
}
