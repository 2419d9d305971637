package funnel

import (
	"errors"
	"fmt"
)

// ErrUnknownStage indicates a stage name outside the funnel.
var ErrUnknownStage = errors.New("unknown funnel stage")

// Stage is one step of the purchase funnel.
type Stage string

// Stages in funnel order.
const (
	StageDiscovery Stage = "discovery"
	StageView      Stage = "view"
	StageAddToCart Stage = "add_to_cart"
	StageCheckout  Stage = "checkout"
	StagePayment   Stage = "payment"
	StagePurchase  Stage = "purchase"
)

// Stages lists every stage in order.
var Stages = []Stage{StageDiscovery, StageView, StageAddToCart, StageCheckout, StagePayment, StagePurchase}

// Ordinal returns the 1-based position of s, or 0 if s is unknown.
func (s Stage) Ordinal() int {
	for i, st := range Stages {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// EventName returns the name of the event emitted for s.
func (s Stage) EventName() string { return "funnel_" + string(s) }

// ParseStage validates a stage name.
func ParseStage(name string) (Stage, error) {
	if s := Stage(name); s.Ordinal() > 0 {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// Counts holds a counter per stage.
type Counts map[Stage]int64

// Clone returns an independent copy.
func (c Counts) Clone() Counts {
	out := make(Counts, len(Stages))
	for _, s := range Stages {
		out[s] = c[s]
	}
	return out
}

// DropOff is the share of users lost between two adjacent stages.
type DropOff struct {
	From Stage   `json:"from"`
	To   Stage   `json:"to"`
	Rate float64 `json:"rate"`
}

// percent returns num/den*100, or 0 when den is 0.
func percent(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den) * 100
}

// Rates derives the conversion rate from the first to the last stage and
// the drop-off rate of every adjacent pair, in percent. A zero
// denominator yields 0.
func Rates(c Counts) (conversion float64, dropOffs []DropOff) {
	first, last := Stages[0], Stages[len(Stages)-1]
	conversion = percent(c[last], c[first])

	dropOffs = make([]DropOff, 0, len(Stages)-1)
	for i := 0; i < len(Stages)-1; i++ {
		from, to := Stages[i], Stages[i+1]
		dropOffs = append(dropOffs, DropOff{
			From: from,
			To:   to,
			Rate: percent(c[from]-c[to], c[from]),
		})
	}
	return conversion, dropOffs
}
