package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/capture"
	"github.com/waylandrdp/wrd-server/pkg/clipboard"
	"github.com/waylandrdp/wrd-server/pkg/encoder"
	"github.com/waylandrdp/wrd-server/pkg/input"
	"github.com/waylandrdp/wrd-server/pkg/rdp"
)

// Session is the per-client root object. It exclusively owns its pipeline
// children; children refer back only by the session id, which they hand to
// the coordinator when reporting failure.
type Session struct {
	ID      string
	Created time.Time
	PeerIP  string

	Caps *rdp.CapabilitySet

	mu    sync.Mutex
	state State

	// cancelled is the shared cooperative cancellation flag checked by
	// every child task at its suspension points.
	cancelled atomic.Bool

	pipeline *pipeline
	logger   zerolog.Logger
}

// pipeline bundles the provisioned children.
type pipeline struct {
	source   *capture.Source
	stage    encoder.Stage
	writer   *rdp.ChannelWriter
	graphics *rdp.GraphicsChannel
	cursor   *rdp.CursorStream
	router   *input.Router
	injector input.Injector
	bridge   *clipboard.Bridge
	monitors []capture.MonitorDescriptor
}

func newSession(peerIP string, logger zerolog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		ID:      id,
		Created: time.Now(),
		PeerIP:  peerIP,
		state:   StateConnecting,
		logger:  logger.With().Str("session_id", id).Logger(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the state machine along a legal edge; illegal moves
// are logged and ignored (the session is already on a terminal path).
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return true
	}
	if !canTransition(s.state, to) {
		s.logger.Warn().
			Str("from", s.state.String()).
			Str("to", to.String()).
			Msg("illegal state transition ignored")
		return false
	}
	s.logger.Info().
		Str("from", s.state.String()).
		Str("to", to.String()).
		Msg("session state")
	s.state = to
	if to == StateDraining || to == StateTerminated {
		s.cancelled.Store(true)
	}
	return true
}

// Cancelled is the cooperative cancellation flag.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// releasePipeline tears the children down in reverse dependency order.
// Safe to call more than once.
func (s *Session) releasePipeline() {
	s.mu.Lock()
	p := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	if p.stage != nil {
		p.stage.Close()
	}
	if p.source != nil {
		p.source.Stop()
	}
	if p.injector != nil {
		p.injector.Close()
	}
}
