package event

import "time"

// Offset is an opaque upstream cursor attached to an Envelope by the source
// that produced it. Stream identifies the partition or stream the cursor
// belongs to; ID and Token are connector-defined.
type Offset struct {
	Stream string
	ID     string
	Token  string
}

// Zero reports whether the offset carries no cursor (sources without
// acknowledgement semantics leave it empty).
func (o Offset) Zero() bool {
	return o.Stream == "" && o.ID == "" && o.Token == ""
}

// State tracks an Envelope through the delivery state machine.
type State uint8

const (
	StatePending State = iota
	StateDelivering
	StateDelivered
	StateRetrying
	StateErrorRouted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivering:
		return "delivering"
	case StateDelivered:
		return "delivered"
	case StateRetrying:
		return "retrying"
	case StateErrorRouted:
		return "error_routed"
	default:
		return "unknown"
	}
}

// Envelope wraps a Record with pipeline metadata. It is created when a source
// emits a Record and destroyed when delivery succeeds or the envelope is
// terminally routed to the error sink.
//
// Mutation discipline: the preprocessor stamps metadata fields into Record,
// the delivery coordinator advances Attempts/State/Failures. Nothing else
// writes to an Envelope after production.
type Envelope struct {
	Record   Record
	Raw      []byte // exact byte sequence received from the source
	Seq      uint64 // monotonically increasing per source instance
	Received time.Time
	Offset   Offset

	Attempts int
	State    State
	Failures []string
}

// RecordFailure appends one delivery failure to the envelope history.
func (e *Envelope) RecordFailure(reason string) {
	e.Failures = append(e.Failures, reason)
}
