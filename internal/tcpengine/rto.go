package tcpengine

import "time"

// RFC 6298 bounds and constants.
const (
	rtoMin       = 1 * time.Second
	rtoMax       = 60 * time.Second
	rtoGranularity = time.Millisecond // G, the clock granularity
)

// RTOEstimator implements the RFC 6298 smoothed round-trip time estimator.
//
// Grounded on the teacher's tcpRTTEstimator (internal/netstack/tcp.go),
// adapted from its simplified 1.5x virtual-network backoff back to literal
// RFC 6298 per spec.md §4.4 (alpha=1/8, beta=1/4, doubling on failure,
// bounds [1s, 60s]).
type RTOEstimator struct {
	srtt      time.Duration
	rttvar    time.Duration
	rto       time.Duration
	hasSample bool
}

// NewRTOEstimator returns an estimator with no samples yet; Estimate
// returns 1s until the first sample arrives, matching common
// implementations' initial RTO.
func NewRTOEstimator() *RTOEstimator {
	return &RTOEstimator{rto: rtoMin}
}

// AddSample feeds a fresh RTT measurement r (never from a retransmitted
// segment — see Karn's algorithm in sender.go) into the estimator.
func (e *RTOEstimator) AddSample(r time.Duration) {
	if r < 0 {
		return
	}
	if !e.hasSample {
		// RFC 6298 §2.2: first measurement.
		e.srtt = r
		e.rttvar = r / 2
		e.hasSample = true
	} else {
		// RFC 6298 §2.3: subsequent measurements, alpha=1/8, beta=1/4.
		delta := e.srtt - r
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = e.rttvar - e.rttvar/4 + delta/4
		e.srtt = e.srtt - e.srtt/8 + r/8
	}
	e.recompute()
}

func (e *RTOEstimator) recompute() {
	rto := e.srtt + max(rtoGranularity, 4*e.rttvar)
	e.rto = clampDuration(rto, rtoMin, rtoMax)
}

// RecordFailure doubles the current RTO, capped at 60s, per RFC 6298 §5.5
// (invoked by the retransmitter on a timeout-driven retransmit).
func (e *RTOEstimator) RecordFailure() {
	e.rto = clampDuration(e.rto*2, rtoMin, rtoMax)
}

// Estimate returns the current RTO.
func (e *RTOEstimator) Estimate() time.Duration {
	return e.rto
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
