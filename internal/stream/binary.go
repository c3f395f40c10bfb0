package stream

import (
	"bytes"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"
)

const (
	// binaryThreshold is the non-printable byte ratio above which a sample
	// is suspect.
	binaryThreshold = 0.30

	// chardetConfidence rescues high-ratio samples that a charset detector
	// still recognizes as legitimate text in some encoding.
	chardetConfidence = 90
)

// LooksBinary applies the binary-content heuristic to an output sample. A
// NUL byte is decisive; otherwise a high ratio of non-printable bytes marks
// the sample binary unless a MIME sniff or charset probe identifies it as
// text in a known encoding.
func LooksBinary(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	if nonPrintableRatio(sample) < binaryThreshold {
		return false
	}

	if mt := mimetype.Detect(sample); strings.HasPrefix(mt.String(), "text/") {
		return false
	}
	det := chardet.NewTextDetector()
	if res, err := det.DetectBest(sample); err == nil && res.Confidence >= chardetConfidence {
		return false
	}
	return true
}

// nonPrintableRatio counts control bytes that ordinary terminal text does
// not contain. Newlines, tabs, carriage returns, and ESC (ANSI styling)
// are printable for this purpose.
func nonPrintableRatio(sample []byte) float64 {
	var n int
	for _, b := range sample {
		switch {
		case b == '\n' || b == '\r' || b == '\t' || b == 0x1b:
		case b < 0x20 || b == 0x7f:
			n++
		}
	}
	return float64(n) / float64(len(sample))
}
