package clipboard

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnicodeRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"hello",
		"naïve café",
		"日本語テキスト",
		"emoji 🎉 and astral 𝕏",
		"line1\r\nline2",
	}
	for _, s := range cases {
		assert.Equal(t, s, UnicodeToText(TextToUnicode(s)), "round trip of %q", s)
	}
}

func TestUnicodeToTextStopsAtNUL(t *testing.T) {
	payload := TextToUnicode("abc")
	payload = append(payload, 'x', 0) // garbage after terminator
	assert.Equal(t, "abc", UnicodeToText(payload))
}

func TestTextToCFWindows1252(t *testing.T) {
	out, err := TextToCF("café", CFText)
	require.NoError(t, err)
	// é is 0xE9 in Windows-1252, NUL terminated.
	assert.Equal(t, []byte{'c', 'a', 'f', 0xE9, 0}, out)

	back, err := CFToText(out, CFText)
	require.NoError(t, err)
	assert.Equal(t, "café", back)
}

func TestTextToCFOEMCP437(t *testing.T) {
	out, err := TextToCF("ä", CFOEMText)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x84, 0}, out) // ä in CP437

	back, err := CFToText(out, CFOEMText)
	require.NoError(t, err)
	assert.Equal(t, "ä", back)
}

func TestTextToCFSubstitutesUnrepresentable(t *testing.T) {
	out, err := TextToCF("a✓b", CFText)
	require.NoError(t, err)
	assert.Equal(t, byte('a'), out[0])
	assert.Equal(t, byte('b'), out[2])
}

func TestMIMEToFormatsSynthesizesLegacyText(t *testing.T) {
	formats := MIMEToFormats("text/plain;charset=utf-8")
	ids := make([]uint32, len(formats))
	for i, f := range formats {
		ids[i] = f.FormatID
	}
	assert.Equal(t, []uint32{CFUnicodeText, CFText, CFOEMText}, ids)
}

func TestFormatToMIME(t *testing.T) {
	mime, ok := FormatToMIME(CFUnicodeText, "")
	require.True(t, ok)
	assert.Equal(t, "text/plain;charset=utf-8", mime)

	mime, ok = FormatToMIME(49321, "HTML Format")
	require.True(t, ok)
	assert.Equal(t, "text/html", mime)

	_, ok = FormatToMIME(0x9999, "Weird Format")
	assert.False(t, ok)
}

func TestCFHTMLRoundTrip(t *testing.T) {
	fragment := "<b>bold</b> text"
	wrapped := WrapCFHTML(fragment)
	assert.Contains(t, string(wrapped), "StartFragment:")
	assert.Equal(t, fragment, UnwrapCFHTML(wrapped))
}

func TestNormalizeLineEndings(t *testing.T) {
	assert.Equal(t, []byte("a\r\nb\r\n"), NormalizeLineEndings("text/plain", []byte("a\nb\n"), true))
	assert.Equal(t, []byte("a\nb\n"), NormalizeLineEndings("text/plain", []byte("a\r\nb\r\n"), false))
	// Already-CRLF input is not doubled.
	assert.Equal(t, []byte("a\r\nb"), NormalizeLineEndings("text/plain", []byte("a\r\nb"), true))
	// Binary MIME passes through.
	bin := []byte{0x00, 0x0A, 0xFF}
	assert.Equal(t, bin, NormalizeLineEndings("image/png", bin, true))
}

func testPNG(t *testing.T) ([]byte, *image.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: byte(x * 60), G: byte(y * 80), B: byte(200 - x*30), A: byte(255 - y*40),
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes(), img
}

func TestDIBRoundTripPreservesPixels(t *testing.T) {
	pngData, want := testPNG(t)

	dib, err := PNGToDIB(pngData, true)
	require.NoError(t, err)

	pngBack, err := DIBToPNG(dib)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(pngBack))
	require.NoError(t, err)

	bounds := want.Bounds()
	assert.Equal(t, bounds, decoded.Bounds())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			wr, wg, wb, wa := want.At(x, y).RGBA()
			gr, gg, gb, ga := decoded.At(x, y).RGBA()
			assert.Equal(t, [4]uint32{wr, wg, wb, wa}, [4]uint32{gr, gg, gb, ga},
				"pixel (%d,%d)", x, y)
		}
	}
}

func TestDIBWithoutV5DropsAlpha(t *testing.T) {
	pngData, _ := testPNG(t)
	dib, err := PNGToDIB(pngData, false)
	require.NoError(t, err)

	pngBack, err := DIBToPNG(dib)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(pngBack))
	require.NoError(t, err)
	_, _, _, a := decoded.At(0, 2).RGBA()
	assert.Equal(t, uint32(0xFFFF), a, "CF_DIB has no alpha channel")
}

func TestDIBToPNGRejectsGarbage(t *testing.T) {
	_, err := DIBToPNG([]byte{1, 2, 3})
	assert.Error(t, err)

	bad := make([]byte, 64)
	bad[0] = 40 // header length, zero dimensions
	_, err = DIBToPNG(bad)
	assert.Error(t, err)
}
