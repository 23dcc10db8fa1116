package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/gstutil"
)

// monitorPipeline is one `pipewiresrc ! appsink` graph. The appsink
// callback runs on the media graph's realtime streaming thread; it copies
// the mapped buffer into a pooled slice and pushes into the drop-oldest
// ring without ever blocking.
type monitorPipeline struct {
	monitor  MonitorDescriptor
	pipeline *gst.Pipeline
	sink     *app.Sink
	ring     *frameRing
	pool     sync.Pool
	zeroCopy bool
	running  atomic.Bool
	stopOnce sync.Once
	logger   zerolog.Logger

	// negotiated caps, written once by the streaming thread
	width, height, stride uint32
	format                PixelFormat
	capsKnown             atomic.Bool
}

// ringDepth is frames buffered per monitor between capture and encode.
const ringDepth = 3

func newMonitorPipeline(monitor MonitorDescriptor, nodeID uint32, pwFD int, targetFPS int, zeroCopy bool, logger zerolog.Logger) (*monitorPipeline, error) {
	gstutil.Init()

	src := fmt.Sprintf("pipewiresrc path=%d do-timestamp=true", nodeID)
	if pwFD >= 0 {
		src = fmt.Sprintf("pipewiresrc path=%d fd=%d do-timestamp=true", nodeID, pwFD)
	}
	// The framerate cap bounds delivery above; the compositor bounds it
	// below by only posting on damage. In zero-copy mode the negotiated
	// caps keep the compositor's buffers in dmabuf memory; the appsink
	// then hands out unmapped buffer handles instead of pixel copies.
	memory := ""
	if zeroCopy {
		memory = "(memory:DMABuf)"
	}
	desc := fmt.Sprintf(
		"%s ! video/x-raw%s,format=BGRx,max-framerate=%d/1 ! appsink name=framesink",
		src, memory, targetFPS,
	)

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("capture: parse pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("framesink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: get framesink: %w", err)
	}
	sink := app.SinkFromElement(elem)
	if sink == nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: framesink is not an appsink")
	}

	m := &monitorPipeline{
		monitor:  monitor,
		pipeline: pipeline,
		sink:     sink,
		ring:     newFrameRing(ringDepth),
		zeroCopy: zeroCopy,
		logger:   logger.With().Uint32("monitor_id", monitor.ID).Logger(),
	}
	m.pool.New = func() interface{} { return []byte(nil) }
	return m, nil
}

func (m *monitorPipeline) start() error {
	if m.running.Load() {
		return nil
	}

	m.sink.SetProperty("emit-signals", true)
	m.sink.SetProperty("max-buffers", uint(2))
	m.sink.SetProperty("drop", true)
	m.sink.SetProperty("sync", false)
	m.sink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: m.onNewSample})

	if err := m.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("capture: set playing: %w", err)
	}
	m.running.Store(true)
	go m.watchBus()
	return nil
}

// onNewSample runs on the GStreamer streaming thread. Steady state does
// not allocate: buffers are recycled through the pool once the encoder
// returns them via Recycle.
func (m *monitorPipeline) onNewSample(sink *app.Sink) gst.FlowReturn {
	if !m.running.Load() {
		return gst.FlowEOS
	}

	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	if !m.capsKnown.Load() {
		m.readCaps(sample)
	}

	if m.zeroCopy {
		// The buffer stays in GPU memory: no map, no copy. The handle
		// moves through the ring to the encoder, which imports it into
		// its own graph.
		var pts uint64
		if d := buffer.PresentationTimestamp().AsDuration(); d != nil {
			pts = uint64(d.Nanoseconds())
		}
		m.ring.Push(VideoFrame{
			MonitorID: m.monitor.ID,
			Width:     m.width,
			Height:    m.height,
			Stride:    m.stride,
			Format:    FormatDMABUF,
			PTS:       pts,
			Handle:    buffer,
		})
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return gst.FlowOK
	}
	defer buffer.Unmap()

	src := mapInfo.Bytes()
	data := m.pool.Get().([]byte)
	if cap(data) < len(src) {
		data = make([]byte, len(src))
	}
	data = data[:len(src)]
	copy(data, src)

	var pts uint64
	if d := buffer.PresentationTimestamp().AsDuration(); d != nil {
		pts = uint64(d.Nanoseconds())
	}

	m.ring.Push(VideoFrame{
		MonitorID: m.monitor.ID,
		Width:     m.width,
		Height:    m.height,
		Stride:    m.stride,
		Format:    m.format,
		PTS:       pts,
		Data:      data,
	})
	return gst.FlowOK
}

// readCaps fills the negotiated geometry from the first sample.
func (m *monitorPipeline) readCaps(sample *gst.Sample) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return
	}
	s := caps.GetStructureAt(0)
	if s == nil {
		return
	}
	if w, err := s.GetValue("width"); err == nil {
		if wi, ok := w.(int); ok {
			m.width = uint32(wi)
		}
	}
	if h, err := s.GetValue("height"); err == nil {
		if hi, ok := h.(int); ok {
			m.height = uint32(hi)
		}
	}
	m.format = FormatBGRA8
	if f, err := s.GetValue("format"); err == nil {
		if fs, ok := f.(string); ok && fs == "NV12" {
			m.format = FormatNV12
		}
	}
	if m.width == 0 {
		m.width = m.monitor.Width
	}
	if m.height == 0 {
		m.height = m.monitor.Height
	}
	m.stride = m.width * 4
	m.capsKnown.Store(true)
	m.logger.Info().
		Uint32("width", m.width).
		Uint32("height", m.height).
		Str("format", m.format.String()).
		Msg("capture caps negotiated")
}

func (m *monitorPipeline) watchBus() {
	bus := m.pipeline.GetPipelineBus()
	if bus == nil {
		return
	}
	for m.running.Load() {
		msg := bus.TimedPop(gst.ClockTime(100_000_000)) // 100ms
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			m.logger.Info().Msg("capture pipeline EOS")
			m.stop()
			return
		case gst.MessageError:
			if gerr := msg.ParseError(); gerr != nil {
				m.logger.Error().Str("err", gerr.Error()).Msg("capture pipeline error")
			}
			m.stop()
			return
		}
	}
}

func (m *monitorPipeline) stop() {
	m.stopOnce.Do(func() {
		m.running.Store(false)
		if m.pipeline != nil {
			m.pipeline.SetState(gst.StateNull)
		}
		m.ring.Close()
	})
}

// Recycle returns a frame's buffer to the allocation pool. Callers hand
// back frames they have fully consumed.
func (m *monitorPipeline) Recycle(f VideoFrame) {
	if f.Data != nil {
		m.pool.Put(f.Data[:0])
	}
}
