// Package stream drains process output, decodes ANSI styling into spans,
// detects binary payloads, and forwards bounded chunks downstream.
package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// Style is the rendition state of a span, decoded from SGR sequences.
type Style struct {
	Foreground    string `json:"foreground,omitempty"` // "red", "ansi256:208", "#ff8800"
	Background    string `json:"background,omitempty"`
	Bold          bool   `json:"bold,omitempty"`
	Dim           bool   `json:"dim,omitempty"`
	Italic        bool   `json:"italic,omitempty"`
	Underline     bool   `json:"underline,omitempty"`
	Reverse       bool   `json:"reverse,omitempty"`
	Strikethrough bool   `json:"strikethrough,omitempty"`
}

// IsZero reports whether the style is the terminal default.
func (s Style) IsZero() bool { return s == Style{} }

// Span is a run of text sharing one style. Text carries the printable
// bytes with escape sequences removed.
type Span struct {
	Text  string `json:"text"`
	Style Style  `json:"style,omitempty"`
}

// maxPending bounds an unterminated escape sequence carried between reads.
// Anything longer is discarded as garbage rather than buffered forever.
const maxPending = 4096

// Parser is a stateful SGR decoder. One parser per output stream; style
// state carries across Parse calls, as do escape sequences split by read
// boundaries.
type Parser struct {
	cur     Style
	pending []byte
}

// NewParser creates a parser with default style state.
func NewParser() *Parser { return &Parser{} }

// Parse decodes data into styled spans. Non-SGR escape sequences (cursor
// movement, OSC titles) are consumed and dropped; the raw command output
// remains reconstructible from the undecoded chunk bytes.
func (p *Parser) Parse(data []byte) []Span {
	if len(p.pending) > 0 {
		data = append(p.pending, data...)
		p.pending = nil
	}

	var spans []Span
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			spans = append(spans, Span{Text: text.String(), Style: p.cur})
			text.Reset()
		}
	}

	i := 0
	for i < len(data) {
		b := data[i]
		if b != 0x1b {
			text.WriteByte(b)
			i++
			continue
		}

		seq, kind, ok := scanEscape(data[i:])
		if !ok {
			// Sequence split across reads; keep the tail for the next call.
			if len(data)-i <= maxPending {
				p.pending = append(p.pending, data[i:]...)
			}
			break
		}
		if kind == escSGR {
			flush()
			p.applySGR(string(data[i+2 : i+seq-1]))
		}
		i += seq
	}
	flush()
	return spans
}

type escKind int

const (
	escOther escKind = iota
	escSGR
)

// scanEscape measures the escape sequence starting at data[0] (which is
// ESC). Returns its length, its kind, and whether it is complete.
func scanEscape(data []byte) (int, escKind, bool) {
	if len(data) < 2 {
		return 0, escOther, false
	}
	switch data[1] {
	case '[': // CSI: parameters then a final byte in 0x40..0x7e
		for i := 2; i < len(data); i++ {
			if data[i] >= 0x40 && data[i] <= 0x7e {
				if data[i] == 'm' {
					return i + 1, escSGR, true
				}
				return i + 1, escOther, true
			}
		}
		return 0, escOther, false
	case ']': // OSC: terminated by BEL or ESC \
		for i := 2; i < len(data); i++ {
			if data[i] == 0x07 {
				return i + 1, escOther, true
			}
			if data[i] == 0x1b && i+1 < len(data) && data[i+1] == '\\' {
				return i + 2, escOther, true
			}
		}
		return 0, escOther, false
	default: // two-byte escape
		return 2, escOther, true
	}
}

// applySGR updates the current style from a semicolon-separated parameter
// list (the bytes between "ESC[" and "m").
func (p *Parser) applySGR(params string) {
	if params == "" {
		p.cur = Style{}
		return
	}
	parts := strings.Split(params, ";")
	for i := 0; i < len(parts); i++ {
		code, err := strconv.Atoi(parts[i])
		if err != nil && parts[i] != "" {
			continue
		}
		switch {
		case code == 0:
			p.cur = Style{}
		case code == 1:
			p.cur.Bold = true
		case code == 2:
			p.cur.Dim = true
		case code == 3:
			p.cur.Italic = true
		case code == 4:
			p.cur.Underline = true
		case code == 7:
			p.cur.Reverse = true
		case code == 9:
			p.cur.Strikethrough = true
		case code == 22:
			p.cur.Bold, p.cur.Dim = false, false
		case code == 23:
			p.cur.Italic = false
		case code == 24:
			p.cur.Underline = false
		case code == 27:
			p.cur.Reverse = false
		case code == 29:
			p.cur.Strikethrough = false
		case code >= 30 && code <= 37:
			p.cur.Foreground = basicColors[code-30]
		case code == 38:
			color, skip := extendedColor(parts[i+1:])
			p.cur.Foreground = color
			i += skip
		case code == 39:
			p.cur.Foreground = ""
		case code >= 40 && code <= 47:
			p.cur.Background = basicColors[code-40]
		case code == 48:
			color, skip := extendedColor(parts[i+1:])
			p.cur.Background = color
			i += skip
		case code == 49:
			p.cur.Background = ""
		case code >= 90 && code <= 97:
			p.cur.Foreground = "bright-" + basicColors[code-90]
		case code >= 100 && code <= 107:
			p.cur.Background = "bright-" + basicColors[code-100]
		}
	}
}

var basicColors = [8]string{"black", "red", "green", "yellow", "blue", "magenta", "cyan", "white"}

// extendedColor decodes the tail of a 38/48 sequence: "5;n" for the
// 256-color palette, "2;r;g;b" for truecolor. Returns the color and how
// many parameters were consumed.
func extendedColor(rest []string) (string, int) {
	if len(rest) == 0 {
		return "", 0
	}
	switch rest[0] {
	case "5":
		if len(rest) >= 2 {
			if n, err := strconv.Atoi(rest[1]); err == nil && n >= 0 && n <= 255 {
				return fmt.Sprintf("ansi256:%d", n), 2
			}
		}
		return "", 1
	case "2":
		if len(rest) >= 4 {
			r, err1 := strconv.Atoi(rest[1])
			g, err2 := strconv.Atoi(rest[2])
			b, err3 := strconv.Atoi(rest[3])
			if err1 == nil && err2 == nil && err3 == nil {
				return fmt.Sprintf("#%02x%02x%02x", r&0xff, g&0xff, b&0xff), 4
			}
		}
		return "", 1
	}
	return "", 0
}
