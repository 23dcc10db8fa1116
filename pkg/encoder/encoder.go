// Package encoder turns raw captured frames into H.264 NALU sequences.
// Two variants are provided, both built on GStreamer: VA-API hardware
// encode and OpenH264 software fallback.
package encoder

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/capture"
	"github.com/waylandrdp/wrd-server/pkg/config"
	"github.com/waylandrdp/wrd-server/pkg/gstutil"
	"github.com/waylandrdp/wrd-server/pkg/registry"
)

// EncodedFrame is one encoded picture. NALUs are complete units with
// start codes stripped; Sequence is per-monitor, gap-free, strictly
// increasing.
type EncodedFrame struct {
	MonitorID uint32
	Sequence  uint64
	Keyframe  bool
	PTS       uint64
	NALUs     [][]byte
}

// ErrorKind classifies encoder failures.
type ErrorKind int

const (
	// KindReset: internal failure; the pipeline was torn down and the next
	// successful encode produces a keyframe. Consumers treat the break as a
	// forced refresh.
	KindReset ErrorKind = iota
	// KindFatal: the encoder cannot continue (hardware gone).
	KindFatal
)

// Error is the typed encoder failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindReset:
		return fmt.Sprintf("encoder reset: %v", e.Err)
	default:
		return fmt.Sprintf("encoder fatal: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsReset reports whether err is a recoverable encoder reset.
func IsReset(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Kind == KindReset
}

// Stage is the pipeline contract between capture and the graphics channel.
type Stage interface {
	// Encode consumes one frame and returns the encoded picture. The frame
	// is owned by the stage for the duration of the call.
	Encode(frame capture.VideoFrame) (*EncodedFrame, error)
	// Flush drains any frames buffered inside the codec.
	Flush() ([]*EncodedFrame, error)
	// SetBitrate applies at the next frame boundary, never mid-frame.
	SetBitrate(kbps int)
	// RequestKeyframe takes effect on the next encoded frame.
	RequestKeyframe()
	// Variant reports the selected implementation; provisioning consults
	// it to decide whether capture may hand over dmabuf frames.
	Variant() Variant
	Close()
}

// Variant names the concrete encoder implementation.
type Variant string

const (
	VariantVAAPI    Variant = "vaapi"
	VariantOpenH264 Variant = "openh264"
)

// Options parameterize a stage.
type Options struct {
	TargetFPS   int
	BitrateKbps int
	// KeyframeInterval in frames; zero means target_fps * 2 (two seconds).
	KeyframeInterval int
	// Threads bounds codec-side worker threads (videoconvert and the
	// software encoder); zero means 2.
	Threads int
}

func (o *Options) threads() int {
	if o.Threads > 0 {
		return o.Threads
	}
	return 2
}

func (o *Options) keyInt() int {
	if o.KeyframeInterval > 0 {
		return o.KeyframeInterval
	}
	return o.TargetFPS * 2
}

// New selects and constructs a stage per the configured policy. Under
// "auto" it attempts VA-API and falls back to OpenH264 on any
// initialization failure or when the registry reports no hardware encode.
func New(kind config.EncoderKind, reg *registry.Registry, opts Options, logger zerolog.Logger) (Stage, error) {
	logger = logger.With().Str("component", "encoder").Logger()

	switch kind {
	case config.EncoderVAAPI:
		return newGstStage(VariantVAAPI, opts, logger)
	case config.EncoderOpenH264:
		return newGstStage(VariantOpenH264, opts, logger)
	case config.EncoderAuto:
		if reg != nil && !reg.Strategy().HardwareEncode {
			logger.Info().Msg("no hardware H.264 capability, using OpenH264")
			return newGstStage(VariantOpenH264, opts, logger)
		}
		stage, err := newGstStage(VariantVAAPI, opts, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("VA-API init failed, falling back to OpenH264")
			return newGstStage(VariantOpenH264, opts, logger)
		}
		return stage, nil
	default:
		return nil, fmt.Errorf("encoder: unknown kind %q", kind)
	}
}

// elementFor maps a variant to its GStreamer encoder element, verifying
// availability up front so "auto" can fall back before first frame.
func elementFor(v Variant) (string, error) {
	switch v {
	case VariantVAAPI:
		for _, e := range []string{"vah264enc", "vah264lpenc", "vaapih264enc"} {
			if gstutil.HasElement(e) {
				return e, nil
			}
		}
		return "", fmt.Errorf("encoder: no VA-API H.264 element available")
	case VariantOpenH264:
		if gstutil.HasElement("openh264enc") {
			return "openh264enc", nil
		}
		return "", fmt.Errorf("encoder: openh264enc element not available")
	default:
		return "", fmt.Errorf("encoder: unknown variant %q", v)
	}
}
