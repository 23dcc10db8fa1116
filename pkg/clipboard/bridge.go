package clipboard

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/waylandrdp/wrd-server/pkg/observability"
	"github.com/waylandrdp/wrd-server/pkg/rdp"
)

// Local is the desktop-side clipboard surface (the portal selection API).
type Local interface {
	EnableClipboard() error
	SetSelection(mimeTypes []string) error
	SelectionRead(mime string) ([]byte, error)
	SelectionWrite(serial uint32, content []byte) error
}

// PDUSender writes clipboard channel PDUs toward the remote peer.
type PDUSender interface {
	WritePDU(ch rdp.ChannelID, payload []byte) error
}

// Chunked data-response envelope: responses above ChunkSize carry a
// 41-byte header on the first message and continuation chunks flagged
// ClipFlagMore until total bytes arrive.
const chunkEnvelopeLen = 1 + 8 + 32

const (
	envelopeWhole   = 0
	envelopeChunked = 1
)

// Bridge is the per-session clipboard state machine. All methods run on
// the single bridge task; the loop detector and transfer state need no
// locks.
type Bridge struct {
	local    Local
	remote   PDUSender
	detector *loopDetector
	metrics  *observability.Metrics
	logger   zerolog.Logger
	maxSize  uint64
	timeout  time.Duration
	now      func() time.Time

	// Remote side's announced formats, for lazy local paste.
	remoteFormats []rdp.ClipFormat
	// Local side's announced MIME types, for lazy remote paste.
	localMIMEs []string

	// One in-flight incoming data transfer (newer changes supersede).
	incoming *Transfer
	// Serial of the local paste waiting on remote data, if any.
	pendingSerial *uint32
	pendingMIME   string

	// File list state for FileGroupDescriptorW round trips.
	localFiles  []FileEntry
	remoteFiles []FileEntry
}

// Options configure a bridge.
type Options struct {
	Local   Local
	Remote  PDUSender
	Metrics *observability.Metrics
	Logger  zerolog.Logger
	MaxSize uint64
	Timeout time.Duration
	Now     func() time.Time
}

// New wires the bridge and enables the portal clipboard.
func New(opts Options) (*Bridge, error) {
	if err := opts.Local.EnableClipboard(); err != nil {
		return nil, fmt.Errorf("clipboard: enable: %w", err)
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		local:    opts.Local,
		remote:   opts.Remote,
		detector: newLoopDetector(now),
		metrics:  opts.Metrics,
		logger:   opts.Logger.With().Str("component", "clipboard").Logger(),
		maxSize:  maxSize,
		timeout:  timeout,
		now:      now,
	}, nil
}

// OnLocalOwnerChange handles a local clipboard change: the translated
// format list is announced to the remote peer unless the change is the
// echo of a remote sync.
func (b *Bridge) OnLocalOwnerChange(mimeTypes []string, sessionIsOwner bool) error {
	if sessionIsOwner || len(mimeTypes) == 0 {
		return nil
	}

	var formats []rdp.ClipFormat
	var ids []uint32
	for _, mime := range mimeTypes {
		for _, m := range MIMEToFormats(mime) {
			formats = append(formats, rdp.ClipFormat{ID: m.FormatID, Name: m.Name})
			ids = append(ids, m.FormatID)
		}
	}
	if len(formats) == 0 {
		return nil
	}

	key := FormatSetKey(ids)
	if b.detector.Suppress(key, OriginLocal) {
		b.logger.Debug().Msg("local clipboard change suppressed (remote echo)")
		return nil
	}
	b.detector.Observe(key, OriginLocal)
	b.localMIMEs = mimeTypes
	b.incomingAbort()

	msg := rdp.ClipMessage{Type: rdp.ClipFormatList, Body: rdp.EncodeFormatList(formats)}
	b.logger.Debug().Int("formats", len(formats)).Msg("announcing local formats to remote")
	return b.remote.WritePDU(rdp.ChannelClipboard, rdp.EncodeClipMessage(msg))
}

// OnLocalPasteRequest handles the portal's SelectionTransfer: a local
// application pastes content the bridge announced on the remote's
// behalf. Data is fetched lazily from the remote now.
func (b *Bridge) OnLocalPasteRequest(serial uint32, mime string) error {
	formatID, ok := b.remoteFormatFor(mime)
	if !ok {
		return b.local.SelectionWrite(serial, nil)
	}
	b.pendingSerial = &serial
	b.pendingMIME = mime
	msg := rdp.ClipMessage{Type: rdp.ClipFormatDataRequest, Body: rdp.EncodeFormatDataRequest(formatID)}
	return b.remote.WritePDU(rdp.ChannelClipboard, rdp.EncodeClipMessage(msg))
}

func (b *Bridge) remoteFormatFor(mime string) (uint32, bool) {
	for _, f := range b.remoteFormats {
		if got, ok := FormatToMIME(f.ID, f.Name); ok {
			if got == mime || (got == "text/plain;charset=utf-8" && mime == "text/plain") {
				return f.ID, true
			}
		}
	}
	return 0, false
}

// HandleMessage processes one clipboard channel PDU from the remote.
func (b *Bridge) HandleMessage(ctx context.Context, m rdp.ClipMessage) error {
	switch m.Type {
	case rdp.ClipFormatList:
		return b.onRemoteFormatList(m)
	case rdp.ClipFormatListResponse:
		return nil
	case rdp.ClipFormatDataRequest:
		return b.onRemoteDataRequest(m)
	case rdp.ClipFormatDataResponse:
		return b.onRemoteDataResponse(m)
	case rdp.ClipFileContentsReq:
		return b.onRemoteFileContentsRequest(m)
	default:
		b.logger.Warn().Uint16("type", m.Type).Msg("unknown clipboard message")
		return nil
	}
}

// onRemoteFormatList handles the remote's copy announcement: loop check,
// then the local side is told about the translated MIME types.
func (b *Bridge) onRemoteFormatList(m rdp.ClipMessage) error {
	formats, err := rdp.ParseFormatList(m.Body)
	if err != nil {
		return err
	}

	ids := make([]uint32, 0, len(formats))
	for _, f := range formats {
		ids = append(ids, f.ID)
	}
	key := FormatSetKey(ids)
	if b.detector.Suppress(key, OriginRemote) {
		b.logger.Debug().Msg("remote clipboard announcement suppressed (local echo)")
		return b.ackFormatList(true)
	}
	b.detector.Observe(key, OriginRemote)
	b.remoteFormats = formats
	b.incomingAbort()

	var mimes []string
	seen := map[string]bool{}
	for _, f := range formats {
		if mime, ok := FormatToMIME(f.ID, f.Name); ok && !seen[mime] {
			mimes = append(mimes, mime)
			seen[mime] = true
		}
	}
	if err := b.ackFormatList(true); err != nil {
		return err
	}
	if len(mimes) == 0 {
		return nil
	}
	b.logger.Debug().Strs("mimes", mimes).Msg("announcing remote formats to local")
	return b.local.SetSelection(mimes)
}

func (b *Bridge) ackFormatList(ok bool) error {
	flags := uint16(rdp.ClipFlagOK)
	if !ok {
		flags = rdp.ClipFlagFail
	}
	msg := rdp.ClipMessage{Type: rdp.ClipFormatListResponse, Flags: flags}
	return b.remote.WritePDU(rdp.ChannelClipboard, rdp.EncodeClipMessage(msg))
}

// onRemoteDataRequest serves a remote paste: local content is fetched
// lazily, converted to the requested wire format, and sent (chunked when
// large).
func (b *Bridge) onRemoteDataRequest(m rdp.ClipMessage) error {
	formatID, err := rdp.ParseFormatDataRequest(m.Body)
	if err != nil {
		return err
	}

	payload, err := b.localPayloadFor(formatID)
	if err != nil {
		b.logger.Warn().Err(err).Uint32("format", formatID).Msg("local clipboard read failed")
		msg := rdp.ClipMessage{Type: rdp.ClipFormatDataResponse, Flags: rdp.ClipFlagFail}
		return b.remote.WritePDU(rdp.ChannelClipboard, rdp.EncodeClipMessage(msg))
	}

	b.detector.Observe(ContentKey(payload), OriginLocal)
	if b.metrics != nil {
		b.metrics.ClipboardTransfers.WithLabelValues("to_remote").Inc()
	}
	return b.sendDataResponse(payload)
}

// localPayloadFor reads the local clipboard and converts to formatID.
func (b *Bridge) localPayloadFor(formatID uint32) ([]byte, error) {
	switch formatID {
	case CFText, CFOEMText, CFUnicodeText:
		raw, err := b.local.SelectionRead("text/plain;charset=utf-8")
		if err != nil {
			return nil, err
		}
		text := string(NormalizeLineEndings("text/plain", raw, true))
		return TextToCF(text, formatID)
	case CFDIB:
		raw, err := b.local.SelectionRead("image/png")
		if err != nil {
			return nil, err
		}
		return PNGToDIB(raw, false)
	case CFDIBV5:
		raw, err := b.local.SelectionRead("image/png")
		if err != nil {
			return nil, err
		}
		return PNGToDIB(raw, true)
	case CFHTMLFormat:
		raw, err := b.local.SelectionRead("text/html")
		if err != nil {
			return nil, err
		}
		return WrapCFHTML(string(raw)), nil
	case CFRTF:
		return b.local.SelectionRead("text/rtf")
	case CFFileGroupDesc:
		raw, err := b.local.SelectionRead("text/uri-list")
		if err != nil {
			return nil, err
		}
		files := filesFromURIList(raw)
		b.localFiles = files
		return EncodeFileGroupDescriptor(files), nil
	default:
		return nil, fmt.Errorf("clipboard: no conversion for format %d", formatID)
	}
}

// sendDataResponse writes one data response, chunking above ChunkSize.
func (b *Bridge) sendDataResponse(payload []byte) error {
	if uint64(len(payload)) > b.maxSize {
		return fmt.Errorf("%w: %d bytes", ErrSizeLimitExceeded, len(payload))
	}
	if len(payload) <= ChunkSize {
		body := append([]byte{envelopeWhole}, payload...)
		msg := rdp.ClipMessage{Type: rdp.ClipFormatDataResponse, Flags: rdp.ClipFlagOK, Body: body}
		return b.remote.WritePDU(rdp.ChannelClipboard, rdp.EncodeClipMessage(msg))
	}

	sum := ContentKey(payload)
	header := make([]byte, chunkEnvelopeLen)
	header[0] = envelopeChunked
	binary.LittleEndian.PutUint64(header[1:9], uint64(len(payload)))
	copy(header[9:], sum[:])

	chunks := Chunk(payload)
	for i, chunk := range chunks {
		// PDUs cap well below ChunkSize; re-split each transfer chunk to
		// the wire budget while keeping transfer accounting in 64 KiB units.
		flags := uint16(rdp.ClipFlagOK | rdp.ClipFlagMore)
		if i == len(chunks)-1 {
			flags = rdp.ClipFlagOK
		}
		body := chunk
		if i == 0 {
			body = append(append([]byte{}, header...), chunk...)
		}
		for off := 0; off < len(body); off += maxClipBody {
			end := off + maxClipBody
			more := flags
			if end < len(body) {
				more |= rdp.ClipFlagMore
			} else if end > len(body) {
				end = len(body)
			}
			msg := rdp.ClipMessage{Type: rdp.ClipFormatDataResponse, Flags: more, Body: body[off:end]}
			if err := b.remote.WritePDU(rdp.ChannelClipboard, rdp.EncodeClipMessage(msg)); err != nil {
				return err
			}
		}
	}
	return nil
}

// maxClipBody keeps a clipboard message inside one PDU.
const maxClipBody = 8 * 1024

// onRemoteDataResponse accumulates a remote paste's payload and, once
// complete, hands it to the waiting local transfer.
func (b *Bridge) onRemoteDataResponse(m rdp.ClipMessage) error {
	if m.Flags&rdp.ClipFlagFail != 0 {
		b.failPendingPaste()
		return nil
	}

	body := m.Body
	if b.incoming == nil {
		if len(body) == 0 {
			b.failPendingPaste()
			return nil
		}
		switch body[0] {
		case envelopeWhole:
			return b.completePaste(body[1:])
		case envelopeChunked:
			if len(body) < chunkEnvelopeLen {
				b.failPendingPaste()
				return fmt.Errorf("%w: short chunk envelope", rdp.ErrMalformedPDU)
			}
			var sum [32]byte
			copy(sum[:], body[9:chunkEnvelopeLen])
			t, err := NewTransfer(TransferOptions{
				Origin:   OriginRemote,
				MIME:     b.pendingMIME,
				Size:     binary.LittleEndian.Uint64(body[1:9]),
				Checksum: sum,
				MaxSize:  b.maxSize,
				Timeout:  b.timeout,
				Now:      b.now,
				Logger:   b.logger,
			})
			if err != nil {
				b.failPendingPaste()
				if b.metrics != nil {
					b.metrics.ClipboardAborts.WithLabelValues("size_limit").Inc()
				}
				return err
			}
			b.incoming = t
			body = body[chunkEnvelopeLen:]
		default:
			b.failPendingPaste()
			return fmt.Errorf("%w: unknown envelope %d", rdp.ErrMalformedPDU, body[0])
		}
	}

	if err := b.incoming.Append(body); err != nil {
		b.incoming = nil
		b.failPendingPaste()
		if b.metrics != nil {
			b.metrics.ClipboardAborts.WithLabelValues(abortReason(err)).Inc()
		}
		return err
	}

	received, total, _ := b.incoming.Progress()
	if received < total {
		return nil
	}
	data, err := b.incoming.Finalize()
	b.incoming = nil
	if err != nil {
		b.failPendingPaste()
		if b.metrics != nil {
			b.metrics.ClipboardAborts.WithLabelValues(abortReason(err)).Inc()
		}
		return err
	}
	return b.completePaste(data)
}

// completePaste converts the remote payload to the local MIME and
// fulfills the waiting SelectionTransfer.
func (b *Bridge) completePaste(payload []byte) error {
	serialPtr := b.pendingSerial
	mime := b.pendingMIME
	b.pendingSerial = nil
	if serialPtr == nil {
		return nil
	}

	converted, err := b.convertForLocal(payload, mime)
	if err != nil {
		b.logger.Warn().Err(err).Str("mime", mime).Msg("remote payload conversion failed")
		return b.local.SelectionWrite(*serialPtr, nil)
	}

	b.detector.Observe(ContentKey(converted), OriginRemote)
	if b.metrics != nil {
		b.metrics.ClipboardTransfers.WithLabelValues("to_local").Inc()
	}
	return b.local.SelectionWrite(*serialPtr, converted)
}

func (b *Bridge) convertForLocal(payload []byte, mime string) ([]byte, error) {
	formatID, _ := b.remoteFormatFor(mime)
	switch formatID {
	case CFText, CFOEMText, CFUnicodeText:
		text, err := CFToText(payload, formatID)
		if err != nil {
			return nil, err
		}
		return NormalizeLineEndings(mime, []byte(text), false), nil
	case CFDIB, CFDIBV5:
		return DIBToPNG(payload)
	case CFHTMLFormat:
		return []byte(UnwrapCFHTML(payload)), nil
	case CFFileGroupDesc:
		files, err := ParseFileGroupDescriptor(payload)
		if err != nil {
			return nil, err
		}
		b.remoteFiles = files
		return uriListFromFiles(files), nil
	default:
		return payload, nil
	}
}

func (b *Bridge) failPendingPaste() {
	if b.pendingSerial != nil {
		_ = b.local.SelectionWrite(*b.pendingSerial, nil)
		b.pendingSerial = nil
	}
}

func (b *Bridge) incomingAbort() {
	if b.incoming != nil {
		b.incoming.Abort()
		b.incoming = nil
		if b.metrics != nil {
			b.metrics.ClipboardAborts.WithLabelValues("superseded").Inc()
		}
	}
}

// onRemoteFileContentsRequest serves file data for a previously announced
// local file list, per index and range.
func (b *Bridge) onRemoteFileContentsRequest(m rdp.ClipMessage) error {
	req, err := rdp.ParseFileContentsRequest(m.Body)
	if err != nil {
		return err
	}
	if int(req.ListIndex) >= len(b.localFiles) {
		msg := rdp.ClipMessage{Type: rdp.ClipFileContentsResp, Flags: rdp.ClipFlagFail,
			Body: rdp.EncodeFileContentsResponse(req.StreamID, nil)}
		return b.remote.WritePDU(rdp.ChannelClipboard, rdp.EncodeClipMessage(msg))
	}
	entry := b.localFiles[req.ListIndex]

	if req.Op == rdp.FileContentsSize {
		size := make([]byte, 8)
		binary.LittleEndian.PutUint64(size, entry.Size)
		msg := rdp.ClipMessage{Type: rdp.ClipFileContentsResp, Flags: rdp.ClipFlagOK,
			Body: rdp.EncodeFileContentsResponse(req.StreamID, size)}
		return b.remote.WritePDU(rdp.ChannelClipboard, rdp.EncodeClipMessage(msg))
	}

	data, err := readLocalFileRange(entry, req.Offset, req.Size)
	flags := uint16(rdp.ClipFlagOK)
	if err != nil {
		b.logger.Warn().Err(err).Str("file", entry.Name).Msg("file contents read failed")
		flags = rdp.ClipFlagFail
		data = nil
	}
	msg := rdp.ClipMessage{Type: rdp.ClipFileContentsResp, Flags: flags,
		Body: rdp.EncodeFileContentsResponse(req.StreamID, data)}
	return b.remote.WritePDU(rdp.ChannelClipboard, rdp.EncodeClipMessage(msg))
}

func abortReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSizeLimitExceeded):
		return "size_limit"
	case errors.Is(err, ErrIntegrityFailure):
		return "integrity"
	case errors.Is(err, ErrTransferTimeout):
		return "timeout"
	default:
		return "other"
	}
}
