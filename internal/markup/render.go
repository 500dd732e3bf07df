package markup

import (
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"github.com/boombuler/barcode/code39"
	"github.com/boombuler/barcode/ean"
	"github.com/mattn/go-runewidth"
	"github.com/skip2/go-qrcode"

	"github.com/thereceipt/thermal-dispatch/internal/codepage"
	"github.com/thereceipt/thermal-dispatch/internal/escpos"
	"github.com/thereceipt/thermal-dispatch/internal/logging"
	"github.com/thereceipt/thermal-dispatch/internal/renderer"
)

const (
	defaultCharsPerLine = 32
	defaultQRSizeMM     = 20
	defaultBarcodeMM    = 10
	maxBarcodeModule    = 3
	// Graphic sizes from attributes are clamped to these, in dots.
	maxBarcodeDots = 255
	maxQRDots      = 1024
)

var (
	alignTag = regexp.MustCompile(`(?i)\[(L|C|R)\]`)

	// Groups: 1 img src, 2-3 qrcode attrs/data, 4-5 barcode attrs/data,
	// 6-7 b/u close slash and letter, 8 font attrs. A bare </font> matches
	// none of them.
	inlineTag = regexp.MustCompile(`(?i)<img>(.*?)</img>` +
		`|<qrcode([^>]*)>(.*?)</qrcode>` +
		`|<barcode([^>]*)>(.*?)</barcode>` +
		`|<(/?)(b|u)>` +
		`|<font([^>]*)>` +
		`|</font>`)

	styleTag    = regexp.MustCompile(`(?i)</?[bu]>|<font[^>]*>|</font>`)
	attrPattern = regexp.MustCompile(`(\w+)\s*=\s*['"]?([^'"\s>]+)['"]?`)
	hexPayload  = regexp.MustCompile(`^(?:[0-9A-Fa-f]{2})+$`)
)

// Layout is the paper geometry the renderer lays text and graphics out for.
type Layout struct {
	CharsPerLine int
	WidthDots    int
}

type fontSize struct{ width, height int }

var (
	sizeNormal = fontSize{1, 1}
	fontSizes  = map[string]fontSize{
		"normal": sizeNormal,
		"wide":   {2, 1},
		"tall":   {1, 2},
		"big":    {2, 2},
	}
)

// Renderer interprets alignment, style, image and code tags.
type Renderer struct {
	layout Layout
	cp     *codepage.Codepage
	raster *renderer.Rasterizer

	align     int
	bold      bool
	underline bool
	size      fontSize
}

// NewRenderer creates a renderer; text is encoded with cp (nil means UTF-8).
func NewRenderer(layout Layout, cp *codepage.Codepage) *Renderer {
	if layout.CharsPerLine <= 0 {
		layout.CharsPerLine = defaultCharsPerLine
	}
	if layout.WidthDots <= 0 {
		layout.WidthDots = renderer.PaperWidthToDots(0)
	}
	return &Renderer{
		layout: layout,
		cp:     cp,
		raster: &renderer.Rasterizer{WidthDots: layout.WidthDots, Threshold: renderer.DefaultThreshold},
	}
}

// Render returns the commands for text.
func (r *Renderer) Render(text string) []byte {
	enc := escpos.NewEncoder()
	r.RenderTo(enc, text)
	return enc.Bytes()
}

// RenderTo appends the commands for text to enc. Every line ends with LF;
// style state carries across lines and is reset at the end.
func (r *Renderer) RenderTo(enc *escpos.Encoder, text string) {
	r.align = -1
	r.bold, r.underline, r.size = false, false, sizeNormal

	lines := strings.Split(text, "\n")
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		r.renderLine(enc, strings.TrimSuffix(line, "\r"))
	}

	if r.bold {
		enc.SetBold(false)
	}
	if r.underline {
		enc.SetUnderline(false)
	}
	if r.size != sizeNormal {
		enc.SetTextSize(1, 1)
	}
}

type segment struct {
	align byte
	text  string
}

func splitSegments(line string) []segment {
	locs := alignTag.FindAllStringSubmatchIndex(line, -1)
	if len(locs) == 0 {
		return []segment{{escpos.AlignLeft, line}}
	}

	var segs []segment
	if locs[0][0] > 0 {
		segs = append(segs, segment{escpos.AlignLeft, line[:locs[0][0]]})
	}
	for i, loc := range locs {
		end := len(line)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		segs = append(segs, segment{alignOf(line[loc[2]:loc[3]]), line[loc[1]:end]})
	}
	return segs
}

func alignOf(tag string) byte {
	switch strings.ToUpper(tag) {
	case "C":
		return escpos.AlignCenter
	case "R":
		return escpos.AlignRight
	default:
		return escpos.AlignLeft
	}
}

func (r *Renderer) renderLine(enc *escpos.Encoder, line string) {
	segs := splitSegments(line)
	if len(segs) == 1 {
		r.setAlign(enc, segs[0].align)
		r.inline(enc, segs[0].text, true)
	} else {
		r.setAlign(enc, escpos.AlignLeft)
		r.row(enc, segs)
	}
	enc.LineFeed()
}

func (r *Renderer) setAlign(enc *escpos.Encoder, align byte) {
	if r.align == int(align) {
		return
	}
	enc.SetAlignment(align)
	r.align = int(align)
}

// row lays several segments out on one line of CharsPerLine columns.
// Graphics are not placed inside rows; their tags are printed as text.
func (r *Renderer) row(enc *escpos.Encoder, segs []segment) {
	cpl := r.layout.CharsPerLine
	cursor := 0

	for _, seg := range segs {
		width := runewidth.StringWidth(styleTag.ReplaceAllString(seg.text, ""))

		var start int
		switch seg.align {
		case escpos.AlignCenter:
			start = (cpl - width) / 2
		case escpos.AlignRight:
			start = cpl - width
		default:
			start = cursor
		}
		if start < cursor {
			start = cursor
		}

		r.text(enc, strings.Repeat(" ", start-cursor))
		r.inline(enc, seg.text, false)
		cursor = start + width
	}
}

func (r *Renderer) inline(enc *escpos.Encoder, text string, graphics bool) {
	pos := 0
	for _, m := range inlineTag.FindAllStringSubmatchIndex(text, -1) {
		r.text(enc, text[pos:m[0]])
		r.tag(enc, text, m, graphics)
		pos = m[1]
	}
	r.text(enc, text[pos:])
}

func (r *Renderer) tag(enc *escpos.Encoder, text string, m []int, graphics bool) {
	raw := text[m[0]:m[1]]
	group := func(n int) string {
		if m[2*n] < 0 {
			return ""
		}
		return text[m[2*n]:m[2*n+1]]
	}

	switch {
	case m[2] >= 0:
		if !graphics || !r.image(enc, strings.TrimSpace(group(1))) {
			r.text(enc, raw)
		}
	case m[6] >= 0:
		if !graphics || !r.qrcode(enc, parseAttrs(group(2)), group(3)) {
			r.text(enc, raw)
		}
	case m[10] >= 0:
		if !graphics || !r.barcode(enc, parseAttrs(group(4)), strings.TrimSpace(group(5))) {
			r.text(enc, raw)
		}
	case m[14] >= 0:
		r.style(enc, strings.ToLower(group(7)), group(6) == "")
	case m[16] >= 0:
		size, ok := fontSizes[strings.ToLower(parseAttrs(group(8))["size"])]
		if !ok {
			size = sizeNormal
		}
		r.setSize(enc, size)
	default:
		r.setSize(enc, sizeNormal)
	}
}

func (r *Renderer) style(enc *escpos.Encoder, name string, on bool) {
	switch name {
	case "b":
		if r.bold != on {
			enc.SetBold(on)
			r.bold = on
		}
	case "u":
		if r.underline != on {
			enc.SetUnderline(on)
			r.underline = on
		}
	}
}

func (r *Renderer) setSize(enc *escpos.Encoder, size fontSize) {
	if r.size == size {
		return
	}
	enc.SetTextSize(size.width, size.height)
	r.size = size
}

func (r *Renderer) text(enc *escpos.Encoder, s string) {
	if s == "" {
		return
	}
	enc.Write(codepage.Encode(r.cp, s))
}

// image writes pre-rasterized hex or a local image file.
func (r *Renderer) image(enc *escpos.Encoder, src string) bool {
	if hexPayload.MatchString(src) {
		data, err := hex.DecodeString(src)
		if err == nil {
			enc.Write(data)
			return true
		}
	}

	img, err := loadImage(src)
	if err != nil {
		logging.Debug("image tag printed as text", "src", src, "error", err)
		return false
	}
	enc.Write(r.raster.Raster(img))
	return true
}

func loadImage(path string) (image.Image, error) {
	if path == "" {
		return nil, errors.New("empty image source")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func (r *Renderer) qrcode(enc *escpos.Encoder, attrs map[string]string, data string) bool {
	if data == "" {
		return false
	}
	q, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		logging.Debug("qrcode printed as text", "error", err)
		return false
	}

	px := min(mmToDots(attrFloat(attrs, "size", defaultQRSizeMM)), maxQRDots)
	if r.layout.WidthDots > 0 && px > r.layout.WidthDots {
		px = r.layout.WidthDots
	}
	enc.Write(r.raster.Raster(q.Image(px)))
	return true
}

func (r *Renderer) barcode(enc *escpos.Encoder, attrs map[string]string, data string) bool {
	bc, err := encodeBarcode(strings.ToLower(attrs["type"]), data)
	if err != nil {
		logging.Debug("barcode printed as text", "data", data, "error", err)
		return false
	}

	modules := bc.Bounds().Dx()
	scale := r.layout.WidthDots / modules
	if scale < 1 {
		logging.Debug("barcode wider than paper", "data", data, "modules", modules)
		return false
	}
	if scale > maxBarcodeModule {
		scale = maxBarcodeModule
	}

	height := min(mmToDots(attrFloat(attrs, "height", defaultBarcodeMM)), maxBarcodeDots)
	scaled, err := barcode.Scale(bc, modules*scale, height)
	if err != nil {
		logging.Debug("barcode printed as text", "data", data, "error", err)
		return false
	}
	enc.Write(r.raster.Raster(scaled))
	return true
}

func encodeBarcode(kind, data string) (barcode.Barcode, error) {
	var (
		bc  barcode.Barcode
		err error
	)
	switch kind {
	case "", "ean13":
		if len(data) != 12 && len(data) != 13 {
			return nil, fmt.Errorf("ean13 needs 12 or 13 digits, got %d", len(data))
		}
		bc, err = ean.Encode(data)
	case "ean8":
		if len(data) != 7 && len(data) != 8 {
			return nil, fmt.Errorf("ean8 needs 7 or 8 digits, got %d", len(data))
		}
		bc, err = ean.Encode(data)
	case "128":
		bc, err = code128.Encode(data)
	case "39":
		bc, err = code39.Encode(data, false, true)
	default:
		return nil, fmt.Errorf("unsupported barcode type %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return bc, nil
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(s, -1) {
		attrs[strings.ToLower(m[1])] = m[2]
	}
	return attrs
}

func attrFloat(attrs map[string]string, key string, def float64) float64 {
	v, err := strconv.ParseFloat(attrs[key], 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func mmToDots(mm float64) int {
	return int(math.Round(math.Min(mm, math.MaxInt32/escpos.DotsPerMM) * escpos.DotsPerMM))
}
