// Package escpos builds ESC/POS command sequences.
package escpos

import (
	"bytes"
	"math"
)

// ESC/POS control bytes
const (
	ESC byte = 0x1B
	GS  byte = 0x1D
	LF  byte = 0x0A
)

// DotsPerMM is the paper-advance resolution of a 203 dpi head.
const DotsPerMM = 8

// MaxFeedDots is the largest argument a single ESC J accepts.
const MaxFeedDots = 255

// Alignment values for ESC a
const (
	AlignLeft   byte = 0
	AlignCenter byte = 1
	AlignRight  byte = 2
)

// Encoder accumulates ESC/POS commands
type Encoder struct {
	buffer *bytes.Buffer
}

// NewEncoder creates a new ESC/POS encoder
func NewEncoder() *Encoder {
	return &Encoder{
		buffer: new(bytes.Buffer),
	}
}

// Initialize sends ESC @
func (e *Encoder) Initialize() {
	e.buffer.Write([]byte{ESC, '@'})
}

// SelectCodepage sends ESC t n
func (e *Encoder) SelectCodepage(id byte) {
	e.buffer.Write([]byte{ESC, 't', id})
}

// FeedDots sends ESC J n. Nothing is written for n <= 0 and n is
// truncated to MaxFeedDots.
func (e *Encoder) FeedDots(n int) {
	if n <= 0 {
		return
	}
	if n > MaxFeedDots {
		n = MaxFeedDots
	}
	e.buffer.Write([]byte{ESC, 'J', byte(n)})
}

// FeedMM advances the paper by mm millimetres in a single command.
func (e *Encoder) FeedMM(mm float64) {
	e.FeedDots(FeedDots(mm))
}

// PulseDrawer kicks the cash drawer (ESC p 0 50ms 50ms)
func (e *Encoder) PulseDrawer() {
	e.buffer.Write([]byte{ESC, 'p', 0x00, 0x32, 0x32})
}

// Cut sends GS V A 0 (feed to cutter and cut)
func (e *Encoder) Cut() {
	e.buffer.Write([]byte{GS, 'V', 'A', 0x00})
}

// LineFeed sends a line feed
func (e *Encoder) LineFeed() {
	e.buffer.WriteByte(LF)
}

// SetAlignment sets text justification
func (e *Encoder) SetAlignment(align byte) {
	if align > AlignRight {
		align = AlignLeft
	}
	e.buffer.Write([]byte{ESC, 'a', align})
}

// SetBold enables or disables emphasized text
func (e *Encoder) SetBold(enabled bool) {
	e.buffer.Write([]byte{ESC, 'E', boolByte(enabled)})
}

// SetUnderline enables or disables single-dot underline
func (e *Encoder) SetUnderline(enabled bool) {
	e.buffer.Write([]byte{ESC, '-', boolByte(enabled)})
}

// SetTextSize sets character magnification, 1..8 in each direction
func (e *Encoder) SetTextSize(width, height int) {
	width = clamp(width, 1, 8)
	height = clamp(height, 1, 8)

	e.buffer.Write([]byte{GS, '!', byte(((width - 1) << 4) | (height - 1))})
}

// Write appends raw bytes
func (e *Encoder) Write(p []byte) (int, error) {
	return e.buffer.Write(p)
}

// Len returns the number of bytes accumulated so far
func (e *Encoder) Len() int {
	return e.buffer.Len()
}

// Bytes returns a copy of the generated commands
func (e *Encoder) Bytes() []byte {
	out := make([]byte, e.buffer.Len())
	copy(out, e.buffer.Bytes())
	return out
}

// Reset clears the buffer
func (e *Encoder) Reset() {
	e.buffer.Reset()
}

// FeedDots converts millimetres to ESC J dots: round(mm*8) clamped to 0..255.
func FeedDots(mm float64) int {
	if mm <= 0 || math.IsNaN(mm) {
		return 0
	}
	dots := math.Round(mm * DotsPerMM)
	if dots > MaxFeedDots {
		return MaxFeedDots
	}
	return int(dots)
}

// MaxRasterRows is the tallest band one GS v 0 header can describe.
const MaxRasterRows = 0xFFFF

// RasterImage returns the GS v 0 command for a packed 1-bit bitmap of
// widthDots x height. Each row is (widthDots+7)/8 bytes, MSB first. Bitmaps
// taller than MaxRasterRows are sent as consecutive bands.
func RasterImage(widthDots, height int, bitmap []byte) []byte {
	bytesPerLine := (widthDots + 7) / 8
	bands := (height + MaxRasterRows - 1) / MaxRasterRows
	out := make([]byte, 0, 8*bands+len(bitmap))

	for y := 0; y < height; y += MaxRasterRows {
		rows := min(MaxRasterRows, height-y)
		out = append(out, GS, 'v', '0', 0,
			byte(bytesPerLine&0xFF), byte((bytesPerLine>>8)&0xFF),
			byte(rows&0xFF), byte((rows>>8)&0xFF))
		out = append(out, bitmap[y*bytesPerLine:(y+rows)*bytesPerLine]...)
	}
	return out
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
