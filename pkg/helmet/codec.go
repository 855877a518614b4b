package helmet

import (
	"fmt"
	"math"
	"strings"
)

const (
	// MaxFrameBytes is the largest single write the UART bridge accepts.
	MaxFrameBytes = 20
	// MaxTextChars is how much instruction text fits next to the arrow and distance fields.
	MaxTextChars = 10
)

// ArrowCode is the maneuver glyph the helmet firmware renders.
type ArrowCode int

const (
	ArrowRight ArrowCode = iota
	ArrowLeft
	ArrowStraight
	ArrowUTurn
	ArrowUnknown
)

func (a ArrowCode) String() string {
	switch a {
	case ArrowRight:
		return "right"
	case ArrowLeft:
		return "left"
	case ArrowStraight:
		return "straight"
	case ArrowUTurn:
		return "uturn"
	}
	return "unknown"
}

// Encode builds the wire frame "<arrow>|<meters>|<text>\n" for one instruction.
// The text is cut to MaxTextChars characters and the whole frame to MaxFrameBytes,
// even if that drops the newline.
func Encode(text string, arrow ArrowCode, remainingMeters float64) ([]byte, error) {
	if math.IsNaN(remainingMeters) || math.IsInf(remainingMeters, 0) {
		return nil, &Error{
			Kind: KindEncoding,
			Msg:  fmt.Sprintf("remaining meters is not finite: %v", remainingMeters),
		}
	}

	record := fmt.Sprintf("%d|%d|%s", arrow, int64(math.Round(remainingMeters)), truncateChars(text, MaxTextChars))
	return Frame(record), nil
}

// Frame terminates s with a newline and clips it to MaxFrameBytes. The clip counts
// bytes, so it may end inside a multi-byte character.
func Frame(s string) []byte {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	b := []byte(s)
	if len(b) > MaxFrameBytes {
		b = b[:MaxFrameBytes]
	}
	return b
}

func truncateChars(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
