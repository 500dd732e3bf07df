// Package markup turns a formatted print payload into printer bytes.
//
// By default the payload is sent literally: style wrappers and resolved
// images are applied, then the text is encoded in the selected codepage.
// With rendering enabled the alignment, style, image and code tags are
// interpreted and replaced by ESC/POS commands.
package markup

import (
	"github.com/thereceipt/thermal-dispatch/internal/codepage"
	"github.com/thereceipt/thermal-dispatch/internal/escpos"
)

// Style carries the whole-payload text flags.
type Style struct {
	Bold      bool
	Underline bool
}

// ImageResolver rewrites <img> tags in a payload. It never fails.
type ImageResolver interface {
	Resolve(payload string) string
}

// Wrap applies the style tags to the whole payload, bold inside underline.
func Wrap(payload string, style Style) string {
	if style.Bold {
		payload = "<b>" + payload + "</b>"
	}
	if style.Underline {
		payload = "<u>" + payload + "</u>"
	}
	return payload
}

// Encoder produces the payload part of a command stream.
type Encoder struct {
	resolver ImageResolver
}

// NewEncoder creates an encoder. A nil resolver leaves images untouched.
func NewEncoder(resolver ImageResolver) *Encoder {
	return &Encoder{resolver: resolver}
}

// Encode returns [ESC t id] + encode(resolve(wrap(payload))). Without a
// codepage the text is sent as UTF-8 and no selection command is emitted.
func (e *Encoder) Encode(payload string, style Style, cp *codepage.Codepage) []byte {
	text := e.prepare(payload, style)

	enc := escpos.NewEncoder()
	if cp != nil {
		enc.SelectCodepage(cp.ID)
	}
	enc.Write(codepage.Encode(cp, text))
	return enc.Bytes()
}

// Render is Encode with the markup interpreted for the given layout.
func (e *Encoder) Render(payload string, style Style, cp *codepage.Codepage, layout Layout) []byte {
	text := e.prepare(payload, style)

	enc := escpos.NewEncoder()
	if cp != nil {
		enc.SelectCodepage(cp.ID)
	}
	NewRenderer(layout, cp).RenderTo(enc, text)
	return enc.Bytes()
}

func (e *Encoder) prepare(payload string, style Style) string {
	text := Wrap(payload, style)
	if e.resolver != nil {
		text = e.resolver.Resolve(text)
	}
	return text
}
