// Package metrics records protocol counters and latencies.
package metrics

import "time"

// Event and operation names.
const (
	EventVerify        = "verify"
	EventSettle        = "settle"
	EventPayment       = "client_payment"
	EventFacilitator   = "facilitator_call"
	OperationVerify    = "verify"
	OperationSettle    = "settle"
	OperationRoundTrip = "client_round_trip"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
