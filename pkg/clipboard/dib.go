package clipboard

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// DIB headers: the classic 40-byte BITMAPINFOHEADER for CF_DIB and the
// 124-byte BITMAPV5HEADER for CF_DIBV5. V5 carries explicit channel masks
// so alpha survives the trip.
const (
	bitmapInfoHeaderLen = 40
	bitmapV5HeaderLen   = 124

	biRGB       = 0
	biBitfields = 3
)

// PNGToDIB converts a PNG payload to a 32bpp bottom-up DIB. v5 selects
// CF_DIBV5 (alpha-preserving) over CF_DIB.
func PNGToDIB(data []byte, v5 bool) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("clipboard: decode png: %w", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	headerLen := bitmapInfoHeaderLen
	compression := uint32(biRGB)
	if v5 {
		headerLen = bitmapV5HeaderLen
		compression = biBitfields
	}

	out := make([]byte, headerLen+w*h*4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(headerLen))
	binary.LittleEndian.PutUint32(out[4:8], uint32(w))
	binary.LittleEndian.PutUint32(out[8:12], uint32(h)) // positive: bottom-up
	binary.LittleEndian.PutUint16(out[12:14], 1)        // planes
	binary.LittleEndian.PutUint16(out[14:16], 32)       // bpp
	binary.LittleEndian.PutUint32(out[16:20], compression)
	binary.LittleEndian.PutUint32(out[20:24], uint32(w*h*4))
	if v5 {
		// BGRA channel masks, sRGB colorspace tag.
		binary.LittleEndian.PutUint32(out[40:44], 0x00FF0000) // red
		binary.LittleEndian.PutUint32(out[44:48], 0x0000FF00) // green
		binary.LittleEndian.PutUint32(out[48:52], 0x000000FF) // blue
		binary.LittleEndian.PutUint32(out[52:56], 0xFF000000) // alpha
		copy(out[56:60], "BGRs")
	}

	// Pixels: BGRA rows, bottom row first. Channels are stored
	// non-premultiplied so the alpha round trip is exact.
	for y := 0; y < h; y++ {
		srcY := bounds.Min.Y + h - 1 - y
		row := out[headerLen+y*w*4:]
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, srcY)).(color.NRGBA)
			row[x*4+0] = c.B
			row[x*4+1] = c.G
			row[x*4+2] = c.R
			if v5 {
				row[x*4+3] = c.A
			} else {
				row[x*4+3] = 0xFF
			}
		}
	}
	return out, nil
}

// DIBToPNG converts a 32bpp or 24bpp DIB payload back to PNG.
func DIBToPNG(data []byte) ([]byte, error) {
	if len(data) < bitmapInfoHeaderLen {
		return nil, fmt.Errorf("clipboard: DIB too short: %d bytes", len(data))
	}
	headerLen := int(binary.LittleEndian.Uint32(data[0:4]))
	if headerLen < bitmapInfoHeaderLen || headerLen > len(data) {
		return nil, fmt.Errorf("clipboard: bad DIB header length %d", headerLen)
	}
	w := int(int32(binary.LittleEndian.Uint32(data[4:8])))
	rawH := int(int32(binary.LittleEndian.Uint32(data[8:12])))
	bpp := int(binary.LittleEndian.Uint16(data[14:16]))
	compression := binary.LittleEndian.Uint32(data[16:20])

	topDown := rawH < 0
	h := rawH
	if topDown {
		h = -rawH
	}
	if w <= 0 || h <= 0 || w > 1<<15 || h > 1<<15 {
		return nil, fmt.Errorf("clipboard: bad DIB dimensions %dx%d", w, rawH)
	}
	if bpp != 32 && bpp != 24 {
		return nil, fmt.Errorf("clipboard: unsupported DIB depth %d", bpp)
	}
	if compression != biRGB && compression != biBitfields {
		return nil, fmt.Errorf("clipboard: unsupported DIB compression %d", compression)
	}
	hasAlpha := headerLen >= bitmapV5HeaderLen && bpp == 32

	bytesPerPixel := bpp / 8
	stride := (w*bytesPerPixel + 3) &^ 3
	need := headerLen + stride*h
	if compression == biBitfields && headerLen == bitmapInfoHeaderLen {
		need += 12 // mask table follows the header
	}
	if len(data) < need {
		return nil, fmt.Errorf("clipboard: truncated DIB: %d < %d", len(data), need)
	}
	pixelOff := need - stride*h

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srcY := h - 1 - y
		if topDown {
			srcY = y
		}
		row := data[pixelOff+srcY*stride:]
		for x := 0; x < w; x++ {
			b := row[x*bytesPerPixel+0]
			g := row[x*bytesPerPixel+1]
			r := row[x*bytesPerPixel+2]
			a := byte(0xFF)
			if hasAlpha {
				a = row[x*4+3]
			}
			i := img.PixOffset(x, y)
			img.Pix[i+0] = r
			img.Pix[i+1] = g
			img.Pix[i+2] = b
			img.Pix[i+3] = a
		}
	}

	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("clipboard: encode png: %w", err)
	}
	return out.Bytes(), nil
}
