package nav

import (
	"strings"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
)

// Phase is how close the rider is to the maneuver, as reported by the feed.
type Phase string

const (
	PhasePreview  Phase = "preview"
	PhasePrepare  Phase = "prepare"
	PhaseNear     Phase = "near"
	PhaseTurn     Phase = "turn"
	PhaseReady    Phase = "ready"
	PhaseComplete Phase = "complete"
)

func (p Phase) valid() bool {
	switch p {
	case PhasePreview, PhasePrepare, PhaseNear, PhaseTurn, PhaseReady, PhaseComplete:
		return true
	}
	return false
}

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Instruction is one maneuver of the chain. Instructions are never modified once
// handed to a Pacer; updates replace them.
type Instruction struct {
	Text            string           `json:"text"`
	Arrow           helmet.ArrowCode `json:"arrow"`
	RemainingMeters *float64         `json:"remaining_meters,omitempty"`
	Phase           Phase            `json:"phase,omitempty"`
	Maneuver        *Coordinate      `json:"maneuver,omitempty"`
	Next            *Instruction     `json:"next,omitempty"`
}

// Remaining returns the distance to the maneuver, 0 when unknown.
func (i *Instruction) Remaining() float64 {
	if i.RemainingMeters == nil {
		return 0
	}
	return *i.RemainingMeters
}

// Encode renders the instruction as a helmet frame.
func (i *Instruction) Encode() ([]byte, error) {
	return helmet.Encode(i.Text, i.Arrow, i.Remaining())
}

// withRemaining returns a copy of i with the distance replaced.
func (i *Instruction) withRemaining(m float64) *Instruction {
	c := *i
	c.RemainingMeters = &m
	return &c
}

// Meters is a helper to build the optional distance field.
func Meters(m float64) *float64 {
	return &m
}

var arrowKeywords = []struct {
	arrow helmet.ArrowCode
	words []string
}{
	{helmet.ArrowRight, []string{"destra", "right"}},
	{helmet.ArrowLeft, []string{"sinistra", "left"}},
	{helmet.ArrowStraight, []string{"dritto", "straight", "continua", "continue"}},
	{helmet.ArrowUTurn, []string{"u-turn", "inversione", "indietro"}},
}

// ArrowFromText guesses the arrow for a maneuver description. Text with no known
// keyword points straight ahead.
func ArrowFromText(text string) helmet.ArrowCode {
	t := strings.ToLower(text)
	for _, k := range arrowKeywords {
		for _, w := range k.words {
			if strings.Contains(t, w) {
				return k.arrow
			}
		}
	}
	return helmet.ArrowStraight
}
