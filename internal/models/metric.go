package models

import "time"

// MetricSample is one extracted value for a property metric. Samples are owned by the
// extraction pipeline and never mutated here.
type MetricSample struct {
	PropertyID string
	MetricName string
	Value      float64
	AsOf       time.Time
}

// SeriesKey identifies one (property, metric) series.
type SeriesKey struct {
	PropertyID string
	MetricName string
}

func (k SeriesKey) String() string {
	return k.PropertyID + "/" + k.MetricName
}

// Action is a business action tag that a workflow lock can block.
type Action string

const (
	ActionRefinance Action = "refinance"
	ActionSell      Action = "sell"
	ActionDispose   Action = "dispose"
	ActionAcquire   Action = "acquire"
)

// KnownActions lists every action tag the engine understands.
func KnownActions() []Action {
	return []Action{ActionRefinance, ActionSell, ActionDispose, ActionAcquire}
}

// DefaultBlockedActions is the restriction set applied when a caller does not narrow it.
func DefaultBlockedActions() []Action {
	return []Action{ActionRefinance, ActionSell, ActionDispose}
}

// ParseAction validates a textual action tag.
func ParseAction(value string) (Action, bool) {
	for _, a := range KnownActions() {
		if string(a) == value {
			return a, true
		}
	}
	return "", false
}
