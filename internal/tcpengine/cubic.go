package tcpengine

import (
	"math"
	"time"
)

// CUBIC tuning constants from spec.md §4.3 (RFC 8312).
const (
	cubicC                = 0.4
	cubicBeta             = 0.7
	dupAckThreshold       = 3
)

// Cubic implements RFC 8312 CUBIC congestion control with RFC 6582 NewReno
// fast recovery and RFC 3042 limited transmit, per spec.md §4.3.
//
// Grounded structurally on the teacher's tcpCongestionControl
// (internal/netstack/tcp.go: onAck/onDupAck/onTimeout, a Reno-family
// controller), generalized into CUBIC's window-growth formula and the
// fuller NewReno recover/fast-recovery state machine spec.md §4.3
// specifies; cross-checked for shape (not formulas — that file is QUIC,
// packet-number-indexed) against the retrieved pack's
// a714d212_..._quic-go__congestion-cubic_sender.go.go.
type Cubic struct {
	mss         uint16
	initialCwnd uint32

	cwnd     *WatchedValue[uint32]
	ssthresh uint32
	wMax     uint32

	caStart       time.Time
	lastSendTime  time.Time
	rttAtLastSend time.Duration

	lastCongestionWasRTO        bool
	retransmittedPacketsInFlight uint32

	dupAckCount  uint32
	prevAckSeqNo SeqNumber

	inFastRecovery              bool
	fastRetransmitNow           *WatchedValue[bool]
	recover                     SeqNumber
	limitedTransmitCwndIncrease uint32

	fastConvergence bool
}

// initialCwndFor implements RFC 5681 §3.1's initial window table.
func initialCwndFor(mss uint16) uint32 {
	switch {
	case mss <= 1095:
		return 4 * uint32(mss)
	case mss <= 2190:
		return 3 * uint32(mss)
	default:
		return 2 * uint32(mss)
	}
}

// NewCubic constructs a CUBIC controller for a connection with the given
// MSS and initial sequence number (recover's and prevAckSeqNo's starting
// value).
func NewCubic(mss uint16, isn SeqNumber, fastConvergence bool) *Cubic {
	initCwnd := initialCwndFor(mss)
	return &Cubic{
		mss:               mss,
		initialCwnd:       initCwnd,
		cwnd:              NewWatchedValue(initCwnd),
		ssthresh:          ^uint32(0),
		wMax:              initCwnd,
		fastRetransmitNow: NewWatchedValue(false),
		recover:           isn,
		prevAckSeqNo:      isn,
		fastConvergence:   fastConvergence,
	}
}

func (c *Cubic) Cwnd() uint32                            { return c.cwnd.Get() }
func (c *Cubic) LimitedTransmitIncrease() uint32          { return c.limitedTransmitCwndIncrease }
func (c *Cubic) FastRetransmitNow() *WatchedValue[bool]   { return c.fastRetransmitNow }
func (c *Cubic) CwndWatch() *WatchedValue[uint32]         { return c.cwnd }

// OnCwndCheckBeforeSend applies the RFC 5681 idle-restart hook: if the
// connection has been idle longer than the RTT observed at the last send,
// collapse cwnd back to the initial window. Spec.md §9 notes the Rust
// source reversed this comparison's argument order (always false); this
// implementation uses the corrected direction.
func (c *Cubic) OnCwndCheckBeforeSend(now time.Time, s SenderInfo) {
	if c.lastSendTime.IsZero() {
		return
	}
	if now.Sub(c.lastSendTime) > c.rttAtLastSend {
		c.cwnd.Set(min(c.initialCwnd, c.cwnd.Get()))
	}
}

func (c *Cubic) OnSend(now time.Time, s SenderInfo) {
	c.lastSendTime = now
	c.rttAtLastSend = s.CurrentRTO()
}

func (c *Cubic) OnAckReceived(ackSeq SeqNumber, now time.Time, s SenderInfo) {
	bytesAcked := ackSeq.Distance(s.BaseSeqNo())
	if bytesAcked == 0 {
		c.onDupAck(ackSeq, s)
		return
	}

	c.dupAckCount = 0
	c.recomputeLimitedTransmit()
	if c.retransmittedPacketsInFlight > 0 {
		c.retransmittedPacketsInFlight--
	}

	if c.inFastRecovery {
		c.onAckFastRecovery(ackSeq, now, s)
	} else {
		c.onAckSsCa(ackSeq, now, s)
	}
	c.prevAckSeqNo = ackSeq
}

func (c *Cubic) recomputeLimitedTransmit() {
	n := c.dupAckCount
	if n > dupAckThreshold-1 {
		n = dupAckThreshold - 1
	}
	c.limitedTransmitCwndIncrease = uint32(c.mss) * n
}

func (c *Cubic) onDupAck(ackSeq SeqNumber, s SenderInfo) {
	c.dupAckCount++
	c.recomputeLimitedTransmit()

	ackCoversRecover := ackSeq.Sub(1).After(c.recover)
	// seqDiff is how far this (duplicate) ack_seq_no has advanced since the
	// last new-data ACK; a small advance close to a congestion event
	// heuristically indicates the retransmitted packet itself was lost.
	seqDiff := ackSeq.Distance(c.prevAckSeqNo)
	retransmittedPacketDropped := c.cwnd.Get() > uint32(c.mss) && seqDiff <= 4*uint32(c.mss)

	switch {
	case c.dupAckCount == dupAckThreshold && (ackCoversRecover || retransmittedPacketDropped):
		c.recover = s.SentSeqNo()
		c.applyFastConvergence()
		reduced := uint32(float64(c.cwnd.Get()) * cubicBeta)
		c.ssthresh = max(reduced, 2*uint32(c.mss))
		c.cwnd.Set(reduced)
		c.inFastRecovery = true
		c.fastRetransmitNow.Set(true)
	case c.dupAckCount > dupAckThreshold || c.inFastRecovery:
		c.cwnd.Modify(func(v uint32) uint32 { return v + uint32(c.mss) })
	}
}

// applyFastConvergence implements the spec.md §4.3 "Fast convergence"
// rule, or a flat w_max := cwnd when the fast_convergence option is off.
func (c *Cubic) applyFastConvergence() {
	cwnd := c.cwnd.Get()
	if c.fastConvergence && cwnd/uint32(c.mss) < c.wMax/uint32(c.mss) {
		c.wMax = uint32(float64(cwnd) * (1 + cubicBeta) / 2)
	} else {
		c.wMax = cwnd
	}
}

func (c *Cubic) onAckFastRecovery(ackSeq SeqNumber, now time.Time, s SenderInfo) {
	bytesOutstanding := s.SentSeqNo().Distance(s.BaseSeqNo())
	bytesAcked := ackSeq.Distance(s.BaseSeqNo())

	if ackSeq.After(c.recover) {
		newCwnd := min(c.ssthresh, max(bytesOutstanding, uint32(c.mss))+uint32(c.mss))
		c.cwnd.Set(newCwnd)
		c.caStart = now
		c.lastCongestionWasRTO = false
		c.inFastRecovery = false
		return
	}

	c.fastRetransmitNow.Set(true)
	if bytesAcked >= uint32(c.mss) {
		c.cwnd.Set(c.cwnd.Get() - bytesAcked + uint32(c.mss))
	} else {
		c.cwnd.Set(c.cwnd.Get() - bytesAcked)
	}
}

func (c *Cubic) onAckSsCa(ackSeq SeqNumber, now time.Time, s SenderInfo) {
	bytesAcked := ackSeq.Distance(s.BaseSeqNo())

	if c.cwnd.Get() < c.ssthresh {
		// Slow start.
		c.cwnd.Modify(func(v uint32) uint32 { return v + min(bytesAcked, uint32(c.mss)) })
		return
	}

	// Congestion avoidance: the CUBIC window curve.
	if c.caStart.IsZero() {
		c.caStart = now
	}
	t := now.Sub(c.caStart).Seconds()
	rtt := s.CurrentRTO().Seconds()
	if rtt <= 0 {
		rtt = 0.001
	}
	mss := float64(c.mss)

	var k float64
	if !c.lastCongestionWasRTO {
		k = math.Cbrt(float64(c.wMax) * (1 - cubicBeta) / (cubicC * mss))
	}

	wCubic := func(tt float64) float64 {
		return cubicC*math.Pow(tt-k, 3) + float64(c.wMax)/mss
	}
	wEst := float64(c.wMax)*cubicBeta/mss + 3*(1-cubicBeta)/(1+cubicBeta)*t/rtt

	if wCubic(t) < wEst {
		c.cwnd.Set(uint32(wEst * mss))
		return
	}

	cwndSegs := float64(c.cwnd.Get()) / mss
	if cwndSegs <= 0 {
		cwndSegs = 1
	}
	inc := mss * (wCubic(t+rtt) - cwndSegs) / cwndSegs
	c.cwnd.Modify(func(v uint32) uint32 {
		next := float64(v) + inc
		if next < 0 {
			return 0
		}
		return uint32(next)
	})
}

func (c *Cubic) OnRTO(s SenderInfo) {
	c.applyFastConvergence()
	c.cwnd.Set(uint32(float64(c.cwnd.Get()) * cubicBeta))
	if c.retransmittedPacketsInFlight == 0 {
		c.ssthresh = max(uint32(float64(c.cwnd.Get())*cubicBeta), 2*uint32(c.mss))
	}
	c.retransmittedPacketsInFlight++
	c.lastCongestionWasRTO = true

	c.recover = s.SentSeqNo()
	c.inFastRecovery = false
}

func (c *Cubic) OnBaseSeqNoWraparound() {
	c.recover = 0
}

// OnFastRetransmit clears the fast-retransmit edge without notifying
// watchers — the retransmitter consumes the edge itself.
func (c *Cubic) OnFastRetransmit() {
	c.fastRetransmitNow.SetWithoutNotify(false)
}
