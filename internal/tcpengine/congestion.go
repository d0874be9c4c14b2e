package tcpengine

import "time"

// SenderInfo is the subset of Sender state a CongestionControl
// implementation needs without importing Sender directly — avoids a
// circular dependency between sender.go and congestion.go/cubic.go, since
// Sender in turn holds a CongestionControl.
type SenderInfo interface {
	BaseSeqNo() SeqNumber
	SentSeqNo() SeqNumber
	CurrentRTO() time.Duration
}

// CongestionControl is the polymorphic congestion-control capability set
// from spec.md §4.3: SlowStartCongestionAvoidance, FastRetransmitRecovery,
// and LimitedTransmit, implemented by None and CUBIC. All methods take the
// Sender (via SenderInfo) by reference; the Sender holds an owning handle
// and never branches on which variant it has.
type CongestionControl interface {
	// OnCwndCheckBeforeSend applies the RFC 5681 idle-restart hook before a
	// send is attempted.
	OnCwndCheckBeforeSend(now time.Time, s SenderInfo)
	// OnSend records bookkeeping needed for the next idle-restart check.
	OnSend(now time.Time, s SenderInfo)
	// OnAckReceived classifies ackSeq as new-data or duplicate and updates
	// cwnd/ssthresh/fast-recovery state accordingly.
	OnAckReceived(ackSeq SeqNumber, now time.Time, s SenderInfo)
	// OnRTO reacts to a retransmission timeout.
	OnRTO(s SenderInfo)
	// OnBaseSeqNoWraparound resets recovery-seam bookkeeping when
	// base_seq_no wraps past zero.
	OnBaseSeqNoWraparound()
	// OnFastRetransmit is called by the retransmitter after consuming the
	// fast-retransmit edge; clears it without notifying watchers.
	OnFastRetransmit()

	// Cwnd returns the current congestion window in bytes.
	Cwnd() uint32
	// LimitedTransmitIncrease returns the RFC 3042 temporary cwnd
	// allowance for duplicate ACKs not yet at the fast-retransmit
	// threshold.
	LimitedTransmitIncrease() uint32
	// FastRetransmitNow is the watched flag the retransmitter suspends on.
	FastRetransmitNow() *WatchedValue[bool]
	// CwndWatch is the watched cwnd value the unsent-drainer suspends on.
	CwndWatch() *WatchedValue[uint32]
}

// NoneCongestionControl is the no-op variant: no slow start, no
// congestion avoidance, no fast retransmit. The Sender's send budget is
// left entirely to the peer's advertised window.
//
// Grounded on spec.md §4.3 "Variants: {None (no-op), CUBIC}" and the
// original source's congestion_ctrl/none.rs.
type NoneCongestionControl struct {
	cwnd               *WatchedValue[uint32]
	fastRetransmitNow  *WatchedValue[bool]
}

// NewNoneCongestionControl returns a CongestionControl that never
// constrains the send window (cwnd fixed at MaxUint32).
func NewNoneCongestionControl() *NoneCongestionControl {
	return &NoneCongestionControl{
		cwnd:              NewWatchedValue[uint32](^uint32(0)),
		fastRetransmitNow: NewWatchedValue(false),
	}
}

func (n *NoneCongestionControl) OnCwndCheckBeforeSend(time.Time, SenderInfo) {}
func (n *NoneCongestionControl) OnSend(time.Time, SenderInfo)                {}
func (n *NoneCongestionControl) OnAckReceived(SeqNumber, time.Time, SenderInfo) {}
func (n *NoneCongestionControl) OnRTO(SenderInfo)                            {}
func (n *NoneCongestionControl) OnBaseSeqNoWraparound()                      {}
func (n *NoneCongestionControl) OnFastRetransmit()                           {}
func (n *NoneCongestionControl) Cwnd() uint32                                { return n.cwnd.Get() }
func (n *NoneCongestionControl) LimitedTransmitIncrease() uint32            { return 0 }
func (n *NoneCongestionControl) FastRetransmitNow() *WatchedValue[bool]     { return n.fastRetransmitNow }
func (n *NoneCongestionControl) CwndWatch() *WatchedValue[uint32]          { return n.cwnd }
