package bridge

import (
	"strings"
	"unicode/utf8"
)

// decoder turns a byte stream into valid UTF-8 text, holding back a rune that
// is split across reads.
type decoder struct {
	pending []byte
}

func (d *decoder) decode(p []byte) string {
	buf := append(d.pending, p...)
	d.pending = nil

	cut := len(buf)
	// at most utf8.UTFMax-1 trailing bytes can belong to an incomplete rune
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax+1; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(buf) {
		d.pending = append([]byte(nil), buf[cut:]...)
	}
	return strings.ToValidUTF8(string(buf[:cut]), "�")
}
