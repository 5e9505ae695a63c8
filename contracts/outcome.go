package contracts

import (
	"errors"
	"fmt"
)

// OutcomeKind is the result of running a handler against a delivery
type OutcomeKind int

const (
	// Completed means the handler succeeded (or chose to skip the message)
	Completed OutcomeKind = iota
	// Rejected means the handler demanded dead-lettering
	Rejected
	// Debounced means the handler demanded deferral to the delay queue
	Debounced
	// Failed means the handler returned any other error
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	case Debounced:
		return "debounced"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the tagged result of a handler invocation
type Outcome struct {
	Kind  OutcomeKind
	Err   error
	Known bool
}

// Reason returns a human readable cause, empty for completed outcomes
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Classify maps a handler result onto an Outcome. Reject takes precedence
// over Debounce when an error chain carries both.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Completed}
	}

	var reject *RejectError
	if errors.As(err, &reject) {
		return Outcome{Kind: Rejected, Err: err, Known: true}
	}

	var debounce *DebounceError
	if errors.As(err, &debounce) {
		return Outcome{Kind: Debounced, Err: err, Known: true}
	}

	return Outcome{Kind: Failed, Err: err, Known: IsKnown(err)}
}
