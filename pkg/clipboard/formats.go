// Package clipboard bridges the local desktop clipboard (via the portal
// selection API) and the remote clipboard channel: format translation,
// loop suppression, and chunked content transfer.
package clipboard

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding/charmap"
)

// Windows clipboard format identifiers.
const (
	CFText         = 1
	CFBitmap       = 2
	CFOEMText      = 7
	CFDIB          = 8
	CFUnicodeText  = 13
	CFDIBV5        = 17

	// Registered formats get ids assigned at runtime; these are the
	// conventional values most clients register them at.
	CFHTMLFormat      = 0xC0DE + 1
	CFRTF             = 0xC0DE + 2
	CFFileGroupDesc   = 0xC0DE + 3
	CFFileContents    = 0xC0DE + 4
)

// Registered format names (matched case-sensitively on the wire).
const (
	nameHTMLFormat    = "HTML Format"
	nameRTF           = "Rich Text Format"
	nameFileGroupDesc = "FileGroupDescriptorW"
	nameFileContents  = "FileContents"
)

// FormatMapping ties a MIME type to its wire format.
type FormatMapping struct {
	MIME     string
	FormatID uint32
	Name     string // registered name, empty for CF_* builtins
}

// formatTable is the bidirectional MIME <-> format mapping, in
// announcement preference order.
var formatTable = []FormatMapping{
	{"text/plain;charset=utf-8", CFUnicodeText, ""},
	{"text/plain", CFText, ""},
	{"text/html", CFHTMLFormat, nameHTMLFormat},
	{"text/rtf", CFRTF, nameRTF},
	{"image/png", CFDIBV5, ""},
	{"image/bmp", CFDIB, ""},
	{"text/uri-list", CFFileGroupDesc, nameFileGroupDesc},
}

// MIMEToFormats returns every wire format a MIME type translates to.
// UTF-8 text synthesizes the full legacy set.
func MIMEToFormats(mime string) []FormatMapping {
	base := strings.SplitN(mime, ";", 2)[0]
	var out []FormatMapping
	switch base {
	case "text/plain":
		out = append(out,
			FormatMapping{mime, CFUnicodeText, ""},
			FormatMapping{mime, CFText, ""},
			FormatMapping{mime, CFOEMText, ""},
		)
	case "image/png":
		out = append(out,
			FormatMapping{mime, CFDIBV5, ""},
			FormatMapping{mime, CFDIB, ""},
		)
	default:
		for _, m := range formatTable {
			if strings.SplitN(m.MIME, ";", 2)[0] == base {
				out = append(out, m)
			}
		}
	}
	return out
}

// FormatToMIME maps a wire format id (and registered name, when present)
// back to the MIME type fetched from the local side.
func FormatToMIME(id uint32, name string) (string, bool) {
	switch name {
	case nameHTMLFormat:
		return "text/html", true
	case nameRTF:
		return "text/rtf", true
	case nameFileGroupDesc:
		return "text/uri-list", true
	}
	switch id {
	case CFText, CFOEMText, CFUnicodeText:
		return "text/plain;charset=utf-8", true
	case CFDIB, CFDIBV5, CFBitmap:
		return "image/png", true
	}
	return "", false
}

// TextToUnicode converts UTF-8 to CF_UNICODETEXT payload: UTF-16LE with a
// terminating NUL.
func TextToUnicode(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, 2*len(units)+2)
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return append(out, 0, 0)
}

// UnicodeToText converts a CF_UNICODETEXT payload back to UTF-8,
// stopping at the first NUL.
func UnicodeToText(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := uint16(b[i]) | uint16(b[i+1])<<8
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// TextToCF converts UTF-8 to the legacy single-byte encodings: CF_TEXT is
// Windows-1252, CF_OEMTEXT is CP437. Unrepresentable runes degrade to
// '?'.
func TextToCF(s string, formatID uint32) ([]byte, error) {
	var cm *charmap.Charmap
	switch formatID {
	case CFText:
		cm = charmap.Windows1252
	case CFOEMText:
		cm = charmap.CodePage437
	case CFUnicodeText:
		return TextToUnicode(s), nil
	default:
		return nil, fmt.Errorf("clipboard: format %d is not a text format", formatID)
	}
	encoded, err := cm.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// Re-encode rune by rune, substituting.
		var buf bytes.Buffer
		enc := cm.NewEncoder()
		for _, r := range s {
			b, encErr := enc.Bytes([]byte(string(r)))
			if encErr != nil {
				buf.WriteByte('?')
				continue
			}
			buf.Write(b)
		}
		encoded = buf.Bytes()
	}
	return append(encoded, 0), nil
}

// CFToText decodes a legacy text payload to UTF-8.
func CFToText(b []byte, formatID uint32) (string, error) {
	if i := bytes.IndexByte(b, 0); i >= 0 && formatID != CFUnicodeText {
		b = b[:i]
	}
	switch formatID {
	case CFText:
		out, err := charmap.Windows1252.NewDecoder().Bytes(b)
		return string(out), err
	case CFOEMText:
		out, err := charmap.CodePage437.NewDecoder().Bytes(b)
		return string(out), err
	case CFUnicodeText:
		return UnicodeToText(b), nil
	default:
		return "", fmt.Errorf("clipboard: format %d is not a text format", formatID)
	}
}

// cfHTMLHeader is the CF_HTML envelope. Offsets are fixed-width decimals
// patched after layout, per the format's self-referential design.
const cfHTMLHeader = "Version:0.9\r\n" +
	"StartHTML:%010d\r\n" +
	"EndHTML:%010d\r\n" +
	"StartFragment:%010d\r\n" +
	"EndFragment:%010d\r\n"

const (
	fragmentStartMarker = "<!--StartFragment-->"
	fragmentEndMarker   = "<!--EndFragment-->"
)

// WrapCFHTML encloses an HTML fragment in the CF_HTML envelope.
func WrapCFHTML(fragment string) []byte {
	body := "<html><body>" + fragmentStartMarker + fragment + fragmentEndMarker + "</body></html>"

	headerLen := len(fmt.Sprintf(cfHTMLHeader, 0, 0, 0, 0))
	startHTML := headerLen
	endHTML := headerLen + len(body)
	startFragment := headerLen + len("<html><body>") + len(fragmentStartMarker)
	endFragment := endHTML - len("</body></html>") - len(fragmentEndMarker)

	return []byte(fmt.Sprintf(cfHTMLHeader, startHTML, endHTML, startFragment, endFragment) + body)
}

// UnwrapCFHTML extracts the fragment from a CF_HTML payload. Payloads
// without fragment markers return the whole body.
func UnwrapCFHTML(payload []byte) string {
	s := string(payload)
	if start := strings.Index(s, fragmentStartMarker); start >= 0 {
		start += len(fragmentStartMarker)
		if end := strings.Index(s[start:], fragmentEndMarker); end >= 0 {
			return s[start : start+end]
		}
	}
	if i := strings.Index(s, "<html"); i >= 0 {
		return s[i:]
	}
	return s
}

// NormalizeLineEndings applies CRLF conversion for text MIME types only;
// binary payloads pass through untouched.
func NormalizeLineEndings(mime string, data []byte, toCRLF bool) []byte {
	if !strings.HasPrefix(mime, "text/") {
		return data
	}
	if toCRLF {
		normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
		return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
	}
	return bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
}
