// Package codepage maps symbolic code page names to ESC/POS character
// tables and text encoders.
package codepage

import (
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Replacement is written for runes the code page cannot represent.
const Replacement byte = '?'

type runeEncoder interface {
	EncodeRune(r rune) (byte, bool)
}

// Codepage is an ESC/POS character table.
type Codepage struct {
	Name    string // canonical symbolic name, e.g. CP1252
	ID      byte   // ESC t n argument
	Charset string // text encoding used for payload bytes

	enc runeEncoder
}

var table = map[string]*Codepage{
	"CP437":  {Name: "CP437", ID: 0, Charset: "CP437", enc: charmap.CodePage437},
	"CP850":  {Name: "CP850", ID: 2, Charset: "CP850", enc: charmap.CodePage850},
	"CP860":  {Name: "CP860", ID: 3, Charset: "CP860", enc: charmap.CodePage860},
	"CP861":  {Name: "CP861", ID: 4, Charset: "CP861", enc: codePage861},
	"CP863":  {Name: "CP863", ID: 6, Charset: "CP863", enc: charmap.CodePage863},
	"CP865":  {Name: "CP865", ID: 8, Charset: "CP865", enc: charmap.CodePage865},
	"CP1252": {Name: "CP1252", ID: 16, Charset: "windows-1252", enc: charmap.Windows1252},
	"CP866":  {Name: "CP866", ID: 17, Charset: "CP866", enc: charmap.CodePage866},
	"CP852":  {Name: "CP852", ID: 18, Charset: "CP852", enc: charmap.CodePage852},
	"CP858":  {Name: "CP858", ID: 19, Charset: "CP858", enc: charmap.CodePage858},
	"CP1251": {Name: "CP1251", ID: 44, Charset: "windows-1251", enc: charmap.Windows1251},
	"CP1250": {Name: "CP1250", ID: 45, Charset: "windows-1250", enc: charmap.Windows1250},
	"CP1254": {Name: "CP1254", ID: 46, Charset: "windows-1254", enc: charmap.Windows1254},
}

var aliases = map[string]string{
	"IBM437": "CP437",
	"IBM850": "CP850",
}

// Resolve looks up a code page by name. Lookup is case-insensitive and
// ignores surrounding whitespace. Unknown or empty names report false,
// meaning no code page switch should be sent.
func Resolve(name string) (*Codepage, bool) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return nil, false
	}
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	cp, ok := table[key]
	return cp, ok
}

// Names returns the canonical code page names in ascending ESC t order.
func Names() []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return table[names[i]].ID < table[names[j]].ID
	})
	return names
}

// Encode converts s to the code page's single-byte encoding. Runes the
// table cannot represent become Replacement; invalid UTF-8 is treated the
// same way.
func (c *Codepage) Encode(s string) []byte {
	out := make([]byte, 0, len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		if r == utf8.RuneError && size <= 1 {
			out = append(out, Replacement)
			continue
		}
		if b, ok := c.enc.EncodeRune(r); ok {
			out = append(out, b)
			continue
		}
		out = append(out, Replacement)
	}
	return out
}

// Encode encodes s with cp, or returns the UTF-8 bytes of s when cp is nil.
func Encode(cp *Codepage, s string) []byte {
	if cp == nil {
		return []byte(s)
	}
	return cp.Encode(s)
}
