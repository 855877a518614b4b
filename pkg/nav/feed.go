package nav

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
)

var (
	// ErrFeedTerminated is returned when the routing backend gives up on the route.
	ErrFeedTerminated = errors.New("instruction feed terminated by the routing backend")
	// ErrMalformedMessage marks feed messages that carry no usable instruction.
	ErrMalformedMessage = errors.New("malformed instruction message")
)

const (
	feedTerminationError = "getRoute"
	maxChainDepth        = 32
)

// feedMessage accepts both the Italian and English field names the backend has used.
type feedMessage struct {
	Testo    *string         `json:"testo"`
	Text     *string         `json:"text"`
	Freccia  *float64        `json:"freccia"`
	Arrow    *float64        `json:"arrow"`
	Metri    *float64        `json:"metri"`
	Distance *float64        `json:"distance"`
	Fase     *string         `json:"fase"`
	Phase    *string         `json:"phase"`
	Near     *bool           `json:"near"`
	Lat      *float64        `json:"lat"`
	Lon      *float64        `json:"lon"`
	Next     json.RawMessage `json:"next"`
	Error    *string         `json:"error"`
}

// ParseFeedMessage turns one feed payload into an Instruction chain.
//
// It returns ErrFeedTerminated for the backend's route failure message and
// ErrMalformedMessage for anything else that is not an instruction object.
func ParseFeedMessage(data []byte) (*Instruction, error) {
	return parseFeedMessage(data, 0)
}

func parseFeedMessage(data []byte, depth int) (*Instruction, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrMalformedMessage
	}

	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrMalformedMessage
	}

	if msg.Error != nil {
		if *msg.Error == feedTerminationError {
			return nil, ErrFeedTerminated
		}
		return nil, ErrMalformedMessage
	}

	text := firstString(msg.Testo, msg.Text)
	arrowVal := firstFloat(msg.Freccia, msg.Arrow)
	if text == nil && arrowVal == nil {
		return nil, ErrMalformedMessage
	}

	in := &Instruction{}
	if text != nil {
		in.Text = *text
	}

	switch {
	case arrowVal != nil:
		in.Arrow = arrowFromCode(*arrowVal)
	default:
		in.Arrow = ArrowFromText(in.Text)
	}

	if m := firstFloat(msg.Metri, msg.Distance); m != nil && !math.IsNaN(*m) && !math.IsInf(*m, 0) {
		in.RemainingMeters = Meters(*m)
	}

	if p := firstString(msg.Fase, msg.Phase); p != nil && Phase(strings.ToLower(*p)).valid() {
		in.Phase = Phase(strings.ToLower(*p))
	} else if msg.Near != nil {
		if *msg.Near {
			in.Phase = PhaseNear
		} else {
			in.Phase = PhasePreview
		}
	}

	if msg.Lat != nil && msg.Lon != nil {
		in.Maneuver = &Coordinate{Lat: *msg.Lat, Lon: *msg.Lon}
	}

	if len(msg.Next) > 0 && !bytes.Equal(msg.Next, []byte("null")) && depth < maxChainDepth {
		// A broken next is dropped without losing the head.
		if next, err := parseFeedMessage(msg.Next, depth+1); err == nil {
			in.Next = next
		}
	}

	return in, nil
}

func arrowFromCode(v float64) helmet.ArrowCode {
	if v != math.Trunc(v) || v < float64(helmet.ArrowRight) || v > float64(helmet.ArrowUTurn) {
		return helmet.ArrowUnknown
	}
	return helmet.ArrowCode(v)
}

func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
