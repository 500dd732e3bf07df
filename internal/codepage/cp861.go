package codepage

import "golang.org/x/text/encoding/charmap"

// x/text has no CP861 table. It is CP437 with the Icelandic letters
// substituted in the 0x8B-0xA7 range.
var cp861Overrides = map[byte]rune{
	0x8B: 'Ð', 0x8C: 'ð', 0x8D: 'Þ',
	0x95: 'þ', 0x97: 'Ý', 0x98: 'ý',
	0x9B: 'ø', 0x9D: 'Ø',
	0xA4: 'Á', 0xA5: 'Í', 0xA6: 'Ó', 0xA7: 'Ú',
}

type tableEncoder map[rune]byte

func (t tableEncoder) EncodeRune(r rune) (byte, bool) {
	b, ok := t[r]
	return b, ok
}

var codePage861 = buildCP861()

func buildCP861() tableEncoder {
	t := make(tableEncoder, 256)
	for i := 0; i < 256; i++ {
		b := byte(i)
		r, ok := cp861Overrides[b]
		if !ok {
			r = charmap.CodePage437.DecodeByte(b)
		}
		if _, dup := t[r]; !dup {
			t[r] = b
		}
	}
	return t
}
