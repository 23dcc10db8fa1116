package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/observability"
)

// Source is the capture half of a session: one portal session plus one
// media pipeline per monitor.
type Source struct {
	portal  *Portal
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	pipelines   map[uint32]*monitorPipeline
	monitors    []MonitorDescriptor
	droppedSeen map[uint32]uint64
	started     bool
	stopped     bool

	targetFPS int
	zeroCopy  bool
}

// NewSource wraps a negotiated portal session. zeroCopy keeps frames in
// dmabuf memory end to end; callers enable it only when the encoder stage
// can import dmabuf.
func NewSource(portal *Portal, targetFPS int, zeroCopy bool, metrics *observability.Metrics, logger zerolog.Logger) *Source {
	return &Source{
		portal:      portal,
		logger:      logger.With().Str("component", "capture").Logger(),
		metrics:     metrics,
		pipelines:   map[uint32]*monitorPipeline{},
		droppedSeen: map[uint32]uint64{},
		targetFPS:   targetFPS,
		zeroCopy:    zeroCopy,
	}
}

// Start builds and starts the per-monitor pipelines. selection, when
// non-nil, restricts capture to the named monitor ids. Returns the
// monitor layout; errors are ErrNoMonitors or pipeline construction
// failures.
func (s *Source) Start(ctx context.Context, selection []uint32) ([]MonitorDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	if s.started {
		return s.monitors, nil
	}

	all := s.portal.Monitors()
	if len(all) == 0 {
		return nil, ErrNoMonitors
	}

	selected := all
	if len(selection) > 0 {
		selected = selected[:0:0]
		for _, m := range all {
			for _, want := range selection {
				if m.ID == want {
					selected = append(selected, m)
				}
			}
		}
		if len(selected) == 0 {
			return nil, fmt.Errorf("%w: selection matched nothing", ErrNoMonitors)
		}
	}

	for _, m := range selected {
		nodeID, ok := s.portal.NodeID(m.ID)
		if !ok {
			return nil, fmt.Errorf("capture: monitor %d has no stream node", m.ID)
		}
		p, err := newMonitorPipeline(m, nodeID, s.portal.PipeWireFD(), s.targetFPS, s.zeroCopy, s.logger)
		if err != nil {
			s.stopLocked()
			return nil, err
		}
		if err := p.start(); err != nil {
			s.stopLocked()
			return nil, err
		}
		s.pipelines[m.ID] = p
	}

	s.monitors = selected
	s.started = true
	s.logger.Info().Int("monitors", len(selected)).Msg("capture started")
	return selected, nil
}

// NextFrame blocks until the next frame for the monitor arrives, the
// context is cancelled, or the source stops. Frames are delivered newest-
// biased: under encoder backpressure the oldest pending frame was already
// dropped at the ring.
func (s *Source) NextFrame(ctx context.Context, monitorID uint32) (VideoFrame, error) {
	s.mu.Lock()
	p, ok := s.pipelines[monitorID]
	s.mu.Unlock()
	if !ok {
		return VideoFrame{}, fmt.Errorf("capture: unknown monitor %d", monitorID)
	}

	type result struct {
		frame VideoFrame
		ok    bool
	}
	ch := make(chan result, 1)
	go func() {
		f, ok := p.ring.Pop()
		ch <- result{f, ok}
	}()

	select {
	case <-ctx.Done():
		return VideoFrame{}, ctx.Err()
	case r := <-ch:
		if !r.ok {
			return VideoFrame{}, ErrStopped
		}
		if s.metrics != nil {
			monitor := fmt.Sprintf("%d", monitorID)
			s.metrics.FramesCaptured.WithLabelValues(monitor).Inc()
			s.mu.Lock()
			if d := p.ring.Dropped(); d > s.droppedSeen[monitorID] {
				s.metrics.FramesDropped.WithLabelValues(monitor).Add(float64(d - s.droppedSeen[monitorID]))
				s.droppedSeen[monitorID] = d
			}
			s.mu.Unlock()
		}
		return r.frame, nil
	}
}

// Recycle returns a consumed frame's buffer to its pipeline pool.
func (s *Source) Recycle(f VideoFrame) {
	s.mu.Lock()
	p, ok := s.pipelines[f.MonitorID]
	s.mu.Unlock()
	if ok {
		p.Recycle(f)
	}
}

// FramesDropped reports the cumulative drop count for one monitor.
func (s *Source) FramesDropped(monitorID uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pipelines[monitorID]; ok {
		return p.ring.Dropped()
	}
	return 0
}

// Monitors returns the layout negotiated at Start.
func (s *Source) Monitors() []MonitorDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitors
}

// Stop tears down pipelines and revokes the portal session. Idempotent.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Source) stopLocked() {
	if s.stopped {
		return
	}
	s.stopped = true
	for _, p := range s.pipelines {
		p.stop()
	}
	s.portal.Close()
	s.logger.Info().Msg("capture stopped")
}

// PortalHandle exposes the underlying portal session for components that
// share it (the input injector and the clipboard bridge).
func (s *Source) PortalHandle() *Portal {
	return s.portal
}
