package encoder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/capture"
	"github.com/waylandrdp/wrd-server/pkg/gstutil"
)

// gstStage drives one GStreamer encode pipeline per monitor:
//
//	appsrc ! videoconvert ! <encoder> ! h264parse config-interval=-1 ! appsink
//
// The encoder element is CBR with b-frames disabled so every input frame
// yields exactly one output picture in order.
type gstStage struct {
	variant Variant
	element string
	opts    Options
	logger  zerolog.Logger

	mu        sync.Mutex
	pipelines map[uint32]*encodePipeline
	seq       *sequencer
	bitrate   atomic.Int64 // kbps, applied at the next frame boundary
	closed    bool
}

// encodeTimeout bounds the wait for one encoded picture. Software
// encoders on a loaded host stay well under this; exceeding it is treated
// as an internal failure (reset).
const encodeTimeout = 2 * time.Second

func newGstStage(variant Variant, opts Options, logger zerolog.Logger) (*gstStage, error) {
	gstutil.Init()
	element, err := elementFor(variant)
	if err != nil {
		return nil, err
	}

	s := &gstStage{
		variant:   variant,
		element:   element,
		opts:      opts,
		logger:    logger.With().Str("variant", string(variant)).Logger(),
		pipelines: map[uint32]*encodePipeline{},
		seq:       newSequencer(opts.keyInt()),
	}
	s.bitrate.Store(int64(opts.BitrateKbps))
	s.logger.Info().
		Str("element", element).
		Int("bitrate_kbps", opts.BitrateKbps).
		Int("keyframe_interval", opts.keyInt()).
		Msg("encoder stage ready")
	return s, nil
}

func (s *gstStage) Encode(frame capture.VideoFrame) (*EncodedFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &Error{Kind: KindFatal, Err: fmt.Errorf("stage closed")}
	}
	p, ok := s.pipelines[frame.MonitorID]
	if !ok {
		var err error
		p, err = s.newPipeline(frame)
		if err != nil {
			s.mu.Unlock()
			return nil, &Error{Kind: KindFatal, Err: err}
		}
		s.pipelines[frame.MonitorID] = p
	}
	seq, wantKey := s.seq.next(frame.MonitorID)
	kbps := int(s.bitrate.Load())
	s.mu.Unlock()

	// Bitrate changes land here, on the frame boundary before the push.
	p.applyBitrate(kbps)
	if wantKey {
		p.forceKeyUnit()
	}

	nalus, pts, keyframe, err := p.encode(frame)
	if err != nil {
		s.mu.Lock()
		p.stop()
		delete(s.pipelines, frame.MonitorID)
		s.seq.declareReset(frame.MonitorID)
		s.mu.Unlock()
		return nil, &Error{Kind: KindReset, Err: err}
	}

	if sps := findSPS(nalus); sps != nil && !p.spsLogged {
		p.spsLogged = true
		if info, err := parseSPSInfo(sps); err == nil {
			s.logger.Info().
				Uint("profile", info.Profile).
				Uint("level", info.Level).
				Uint("width", info.Width).
				Uint("height", info.Height).
				Msg("encoded stream parameters")
		}
	}

	return &EncodedFrame{
		MonitorID: frame.MonitorID,
		Sequence:  seq,
		Keyframe:  keyframe || containsIDR(nalus),
		PTS:       pts,
		NALUs:     nalus,
	}, nil
}

func (s *gstStage) Flush() ([]*EncodedFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// CBR with zero lookahead and no b-frames buffers nothing; flushing
	// just signals EOS downstream.
	for _, p := range s.pipelines {
		p.src.EndStream()
	}
	return nil, nil
}

func (s *gstStage) SetBitrate(kbps int) {
	if kbps <= 0 {
		return
	}
	s.bitrate.Store(int64(kbps))
}

func (s *gstStage) RequestKeyframe() {
	s.mu.Lock()
	s.seq.requestKeyframe()
	s.mu.Unlock()
}

func (s *gstStage) Variant() Variant { return s.variant }

func (s *gstStage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, p := range s.pipelines {
		p.stop()
		delete(s.pipelines, id)
	}
	s.logger.Info().Msg("encoder stage closed")
}

// encodePipeline is the per-monitor GStreamer graph.
type encodePipeline struct {
	pipeline  *gst.Pipeline
	src       *app.Source
	enc       *gst.Element
	variant   Variant
	samples   chan encodedSample
	running   atomic.Bool
	stopOnce  sync.Once
	lastKbps  int
	spsLogged bool
}

type encodedSample struct {
	data     []byte
	pts      uint64
	keyframe bool
}

func (s *gstStage) newPipeline(frame capture.VideoFrame) (*encodePipeline, error) {
	format := "BGRx"
	if frame.Format == capture.FormatNV12 {
		format = "NV12"
	}
	dmabuf := frame.Format == capture.FormatDMABUF && s.variant == VariantVAAPI
	if dmabuf {
		format = "BGRx"
	}

	var encSection string
	switch s.variant {
	case VariantVAAPI:
		encSection = fmt.Sprintf(
			"%s name=enc rate-control=cbr bitrate=%d key-int-max=%d b-frames=0 target-usage=6",
			s.element, s.opts.BitrateKbps, s.opts.keyInt(),
		)
	case VariantOpenH264:
		// openh264enc takes bits per second. The BGRA path converts
		// through NV12 to I420 in two videoconvert steps; NV12 input skips
		// the first hop.
		encSection = fmt.Sprintf(
			"%s name=enc rate-control=bitrate bitrate=%d gop-size=%d complexity=low multi-thread=%d",
			s.element, s.opts.BitrateKbps*1000, s.opts.keyInt(), s.opts.threads(),
		)
	}

	// Dmabuf input goes straight into the VA element: the driver imports
	// the GPU buffer and converts on the engine, so videoconvert would
	// only force a download. System-memory input keeps the CPU
	// conversion, bounded to the configured thread count.
	convert := fmt.Sprintf(" ! videoconvert n-threads=%d", s.opts.threads())
	if s.variant == VariantOpenH264 && format == "BGRx" {
		convert = fmt.Sprintf(" ! videoconvert n-threads=%d ! video/x-raw,format=NV12 ! videoconvert n-threads=%d",
			s.opts.threads(), s.opts.threads())
	}
	if dmabuf {
		convert = ""
	}

	desc := fmt.Sprintf(
		"appsrc name=encsrc"+
			"%s ! %s ! h264parse config-interval=-1 ! video/x-h264,stream-format=byte-stream,alignment=au"+
			" ! appsink name=encsink",
		convert, encSection,
	)

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("encoder: parse pipeline: %w", err)
	}
	srcElem, err := pipeline.GetElementByName("encsrc")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encoder: get appsrc: %w", err)
	}
	encElem, err := pipeline.GetElementByName("enc")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encoder: get encoder element: %w", err)
	}
	sinkElem, err := pipeline.GetElementByName("encsink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encoder: get appsink: %w", err)
	}
	sink := app.SinkFromElement(sinkElem)
	if sink == nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encoder: encsink is not an appsink")
	}

	p := &encodePipeline{
		pipeline: pipeline,
		src:      app.SrcFromElement(srcElem),
		enc:      encElem,
		variant:  s.variant,
		samples:  make(chan encodedSample, 4),
		lastKbps: s.opts.BitrateKbps,
	}

	p.src.SetProperty("format", gst.FormatTime)
	p.src.SetProperty("is-live", true)
	p.src.SetProperty("do-timestamp", true)
	memory := ""
	if dmabuf {
		memory = "(memory:DMABuf)"
	}
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw%s,format=%s,width=%d,height=%d,framerate=%d/1",
		memory, format, frame.Width, frame.Height, s.opts.TargetFPS))
	p.src.SetProperty("caps", caps)

	sink.SetProperty("emit-signals", true)
	sink.SetProperty("sync", false)
	sink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: p.onSample})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encoder: set playing: %w", err)
	}
	p.running.Store(true)
	return p, nil
}

func (p *encodePipeline) onSample(sink *app.Sink) gst.FlowReturn {
	if !p.running.Load() {
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
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return gst.FlowOK
	}
	defer buffer.Unmap()

	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())

	var pts uint64
	if d := buffer.PresentationTimestamp().AsDuration(); d != nil {
		pts = uint64(d.Nanoseconds())
	}

	out := encodedSample{
		data:     data,
		pts:      pts,
		keyframe: !buffer.HasFlags(gst.BufferFlagDeltaUnit),
	}
	select {
	case p.samples <- out:
	default:
		// The consumer is synchronous; overflow means it gave up on a
		// timed-out frame. Drop the stale sample.
	}
	return gst.FlowOK
}

// encode pushes one raw frame and waits for the matching picture. Dmabuf
// frames hand their buffer straight through; the pixels never touch
// system memory.
func (p *encodePipeline) encode(frame capture.VideoFrame) ([][]byte, uint64, bool, error) {
	buf := frame.Handle
	if frame.Format != capture.FormatDMABUF {
		buf = gst.NewBufferFromBytes(frame.Data)
	}
	if buf == nil {
		return nil, 0, false, fmt.Errorf("alloc gst buffer")
	}

	if ret := p.src.PushBuffer(buf); ret != gst.FlowOK {
		return nil, 0, false, fmt.Errorf("push buffer: flow %v", ret)
	}

	select {
	case s, ok := <-p.samples:
		if !ok {
			return nil, 0, false, fmt.Errorf("pipeline stopped")
		}
		nalus := splitAnnexB(s.data)
		if len(nalus) == 0 {
			return nil, 0, false, fmt.Errorf("encoder produced no NALUs")
		}
		return nalus, s.pts, s.keyframe, nil
	case <-time.After(encodeTimeout):
		return nil, 0, false, fmt.Errorf("encode timeout after %s", encodeTimeout)
	}
}

// applyBitrate reprograms the encoder element when the target moved.
// Landing here, before the next push, is what keeps the change on a frame
// boundary.
func (p *encodePipeline) applyBitrate(kbps int) {
	if kbps == p.lastKbps {
		return
	}
	p.lastKbps = kbps
	switch p.variant {
	case VariantOpenH264:
		p.enc.SetProperty("bitrate", uint(kbps*1000))
	default:
		p.enc.SetProperty("bitrate", uint(kbps))
	}
}

// forceKeyUnit asks the encoder for an IDR on the next picture.
func (p *encodePipeline) forceKeyUnit() {
	st := gst.NewStructure("GstForceKeyUnit")
	st.SetValue("all-headers", true)
	ev := gst.NewCustomEvent(gst.EventTypeCustomDownstream, st)
	p.enc.SendEvent(ev)
}

func (p *encodePipeline) stop() {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		if p.pipeline != nil {
			p.pipeline.SetState(gst.StateNull)
		}
		close(p.samples)
	})
}
