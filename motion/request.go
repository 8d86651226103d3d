package motion

import (
	"fmt"
	"time"
)

// RequestKind selects what a Request does.
type RequestKind int

const (
	Query RequestKind = iota
	SetImmediate
	SetWithDuration
	SetWithRate
)

func (k RequestKind) String() string {
	switch k {
	case Query:
		return "query"
	case SetImmediate:
		return "set"
	case SetWithDuration:
		return "set-with-duration"
	case SetWithRate:
		return "set-with-rate"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// Request is one command for a servo axis. A nil Target switches the
// output off.
type Request struct {
	Kind     RequestKind
	Target   *float64
	Duration time.Duration
	// Rate is in axis units per second.
	Rate float64
}

func QueryRequest() Request {
	return Request{Kind: Query}
}

func Set(target *float64) Request {
	return Request{Kind: SetImmediate, Target: target}
}

func SetOver(target *float64, d time.Duration) Request {
	return Request{Kind: SetWithDuration, Target: target, Duration: d}
}

func SetAt(target *float64, rate float64) Request {
	return Request{Kind: SetWithRate, Target: target, Rate: rate}
}

// Value returns a pointer to v, for building targets.
func Value(v float64) *float64 {
	return &v
}
