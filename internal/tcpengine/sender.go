package tcpengine

import (
	"context"
	"net"
	"sync"
	"time"
)

// SenderState is the Sender's lifecycle state (spec.md §3).
type SenderState int

const (
	SenderOpen SenderState = iota
	SenderClosed
	SenderSentFin
	SenderFinAckd
	SenderReset
)

// UnackedSegment is a segment transmitted but not yet acknowledged.
// InitialTx is cleared on first retransmission so Karn's algorithm never
// samples RTT from a retransmit.
type UnackedSegment struct {
	Bytes     Bytes
	InitialTx *time.Time
}

// Sender implements the send half of an established TCP connection:
// sliding window, retransmission queue, RTO, and congestion-control
// gating. Grounded on the teacher's tcpSendBuffer (internal/netstack/tcp.go)
// generalized to the full state machine spec.md §3/§4.1 describes.
type Sender struct {
	mu sync.Mutex

	state SenderState

	baseSeqNo   SeqNumber
	sentSeqNo   SeqNumber
	unsentSeqNo SeqNumber
	finSeqNo    SeqNumber
	hasFin      bool

	unackedQueue []UnackedSegment
	unsentQueue  []Bytes

	windowSize         *WatchedValue[uint32]
	windowScale        uint8
	retransmitDeadline *WatchedValue[*time.Time]
	unsentLen          *WatchedValue[int]

	rto *RTOEstimator
	mss uint16

	congestionCtrl CongestionControl

	arp     *ArpCache
	peerIP  net.IP
	emitter Emitter
}

// NewSender constructs a Sender for a freshly established connection.
// isn is this side's initial sequence number; window/scale are the peer's
// initially advertised receive window and window-scale option.
func NewSender(
	isn SeqNumber,
	window uint32,
	scale uint8,
	mss uint16,
	ccType CongestionControlType,
	ccOptions map[string]OptionValue,
	arp *ArpCache,
	peerIP net.IP,
	emitter Emitter,
) *Sender {
	opts := TcpOptions{CongestionCtrlOptions: ccOptions}
	var cc CongestionControl
	switch ccType {
	case CongestionControlNone:
		cc = NewNoneCongestionControl()
	default:
		cc = NewCubic(mss, isn, opts.fastConvergence())
	}

	return &Sender{
		state:              SenderOpen,
		baseSeqNo:          isn,
		sentSeqNo:          isn,
		unsentSeqNo:        isn,
		windowSize:         NewWatchedValue(window),
		windowScale:        scale,
		retransmitDeadline: NewWatchedValue[*time.Time](nil),
		unsentLen:          NewWatchedValue(0),
		rto:                NewRTOEstimator(),
		mss:                mss,
		congestionCtrl:     cc,
		arp:                arp,
		peerIP:             peerIP,
		emitter:            emitter,
	}
}

// BaseSeqNo implements SenderInfo. Callers invoke this only while already
// holding s.mu (it is passed as the SenderInfo argument to
// CongestionControl methods from within Send/RemoteAck/TryDrain), so it
// does not itself lock.
func (s *Sender) BaseSeqNo() SeqNumber { return s.baseSeqNo }

// SentSeqNo implements SenderInfo.
func (s *Sender) SentSeqNo() SeqNumber { return s.sentSeqNo }

// CurrentRTO implements SenderInfo.
func (s *Sender) CurrentRTO() time.Duration {
	return s.rto.Estimate()
}

// RemoteMSS returns the fixed-for-connection-lifetime MSS.
func (s *Sender) RemoteMSS() uint16 { return s.mss }

// State returns the current lifecycle state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetransmitDeadline exposes the watched retransmit deadline for the
// retransmitter task.
func (s *Sender) RetransmitDeadline() *WatchedValue[*time.Time] { return s.retransmitDeadline }

// WindowSizeWatch exposes the watched peer window for the drainer task.
func (s *Sender) WindowSizeWatch() *WatchedValue[uint32] { return s.windowSize }

// UnsentLenWatch exposes the watched unsent-queue length for the drainer.
func (s *Sender) UnsentLenWatch() *WatchedValue[int] { return s.unsentLen }

// CongestionControl returns the connection's congestion-control handle.
func (s *Sender) CongestionControl() CongestionControl { return s.congestionCtrl }

func (s *Sender) effectiveBudgetLocked() uint32 {
	cwnd := s.congestionCtrl.Cwnd()
	budget := cwnd + s.congestionCtrl.LimitedTransmitIncrease()
	if budget < cwnd { // overflow guard
		budget = ^uint32(0)
	}
	window := s.windowSize.Get()
	return min(budget, window)
}

// Send queues buf for transmission, emitting it immediately if the send
// window and congestion window have room and the peer's MAC is already
// resolved, or enqueuing it for the unsent-drainer task otherwise.
func (s *Sender) Send(buf []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SenderOpen {
		return errIgnored("Sender.Send", "connection not open")
	}
	if uint64(len(buf)) > 0xFFFFFFFF {
		return errIgnored("Sender.Send", "buffer length overflows 32 bits")
	}

	s.congestionCtrl.OnCwndCheckBeforeSend(now, s)

	sentData := s.sentSeqNo.Distance(s.baseSeqNo)
	budget := s.effectiveBudgetLocked()

	if uint64(sentData)+uint64(len(buf)) <= uint64(budget) {
		if mac, ok := s.arp.GetLinkAddr(s.peerIP); ok {
			s.emitLocked(NewBytes(buf), s.sentSeqNo, now, mac)
			s.sentSeqNo = s.sentSeqNo.Add(uint32(len(buf)))
			s.unsentSeqNo = s.unsentSeqNo.Add(uint32(len(buf)))
			s.congestionCtrl.OnSend(now, s)
			return nil
		}
	}

	s.unsentQueue = append(s.unsentQueue, NewBytes(buf))
	s.unsentSeqNo = s.unsentSeqNo.Add(uint32(len(buf)))
	s.unsentLen.Set(s.unsentLenBytesLocked())
	return nil
}

func (s *Sender) unsentLenBytesLocked() int {
	n := 0
	for _, b := range s.unsentQueue {
		n += b.Len()
	}
	return n
}

// emitLocked transmits buf at seq, records it as unacked, and arms the
// retransmit deadline if this is the first outstanding segment. Caller
// must hold s.mu.
func (s *Sender) emitLocked(buf Bytes, seq SeqNumber, now time.Time, peerMAC net.HardwareAddr) {
	_ = peerMAC // resolution gated the call; the wire header doesn't carry it
	seg := TCPSegment{
		SeqNum:  uint32(seq),
		Window:  0,
		Flags:   FlagACK,
		Payload: buf.Bytes(),
	}
	if s.emitter != nil {
		_ = s.emitter.Transmit(seg)
	}

	txAt := now
	s.unackedQueue = append(s.unackedQueue, UnackedSegment{Bytes: buf, InitialTx: &txAt})

	if s.retransmitDeadline.Get() == nil {
		deadline := now.Add(s.rto.Estimate())
		s.retransmitDeadline.Set(&deadline)
	}
}

// popUnsentLocked dequeues up to maxLen bytes from the front of
// unsentQueue, coalescing multiple queued chunks. Grounded on the
// teacher's tcpSendBuffer.oldestCoalesced.
func (s *Sender) popUnsentLocked(maxLen int) Bytes {
	if maxLen <= 0 || len(s.unsentQueue) == 0 {
		return Bytes{}
	}
	var out Bytes
	taken := 0
	for len(s.unsentQueue) > 0 && taken < maxLen {
		head := s.unsentQueue[0]
		room := maxLen - taken
		if head.Len() <= room {
			out = out.Concat(head)
			taken += head.Len()
			s.unsentQueue = s.unsentQueue[1:]
		} else {
			part, rest := head.Split(room)
			out = out.Concat(part)
			taken += part.Len()
			s.unsentQueue[0] = rest
		}
	}
	return out
}

// PopUnsent dequeues up to max bytes from the unsent queue without
// emitting them — exposed for inspection/testing and for callers that
// manage emission themselves.
func (s *Sender) PopUnsent(max int) Bytes {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.popUnsentLocked(max)
	s.unsentLen.Set(s.unsentLenBytesLocked())
	return out
}

// PopOneUnsentByte dequeues a single byte, supporting the zero-window
// probe.
func (s *Sender) PopOneUnsentByte() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.popUnsentLocked(1)
	if b.Len() == 0 {
		return 0, false
	}
	s.unsentLen.Set(s.unsentLenBytesLocked())
	return b.Bytes()[0], true
}

// TryDrain is invoked by the unsent-drainer background task: if the
// effective send budget allows and the peer's MAC is resolved, it pops up
// to one MSS worth of unsent data and emits it identically to Send's fast
// path. Returns whether anything was sent.
func (s *Sender) TryDrain(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SenderOpen || len(s.unsentQueue) == 0 {
		return false
	}

	sentData := s.sentSeqNo.Distance(s.baseSeqNo)
	budget := s.effectiveBudgetLocked()
	if sentData >= budget {
		return false
	}
	maxLen := budget - sentData
	if maxLen > uint32(s.mss) {
		maxLen = uint32(s.mss)
	}

	mac, ok := s.arp.GetLinkAddr(s.peerIP)
	if !ok {
		return false
	}

	buf := s.popUnsentLocked(int(maxLen))
	if buf.Len() == 0 {
		return false
	}

	seq := s.sentSeqNo
	s.emitLocked(buf, seq, now, mac)
	s.sentSeqNo = s.sentSeqNo.Add(uint32(buf.Len()))
	s.congestionCtrl.OnSend(now, s)
	s.unsentLen.Set(s.unsentLenBytesLocked())
	return true
}

// RemoteAck processes an ACK from the peer (spec.md §4.1).
func (s *Sender) RemoteAck(ackSeq SeqNumber, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SenderSentFin && s.hasFin && ackSeq == s.finSeqNo.Add(1) {
		s.state = SenderFinAckd
		return nil
	}

	bytesOutstanding := s.sentSeqNo.Distance(s.baseSeqNo)
	bytesAcked := ackSeq.Distance(s.baseSeqNo)
	if bytesAcked > bytesOutstanding {
		return errIgnored("Sender.RemoteAck", "ack beyond sent data")
	}

	// Unconditional: CongestionControl classifies new-data vs. duplicate
	// internally.
	s.congestionCtrl.OnAckReceived(ackSeq, now, s)

	if bytesAcked == 0 {
		return nil // pure duplicate ACK
	}

	if ackSeq == s.sentSeqNo {
		s.retransmitDeadline.Set(nil)
	} else {
		deadline := now.Add(s.rto.Estimate())
		s.retransmitDeadline.Set(&deadline)
	}

	remaining := bytesAcked
	for remaining > 0 {
		if len(s.unackedQueue) == 0 {
			break
		}
		seg := s.unackedQueue[0]
		segLen := uint32(seg.Bytes.Len())
		if segLen > remaining {
			return errIgnoredReset("Sender.RemoteAck", "ack lands mid-segment")
		}
		s.unackedQueue = s.unackedQueue[1:]
		remaining -= segLen
		if seg.InitialTx != nil {
			s.rto.AddSample(now.Sub(*seg.InitialTx))
		}
	}

	oldBase := s.baseSeqNo
	s.baseSeqNo = s.baseSeqNo.Add(bytesAcked)
	if uint64(oldBase)+uint64(bytesAcked) > 0xFFFFFFFF {
		s.congestionCtrl.OnBaseSeqNoWraparound()
	}
	return nil
}

// ApplyRTO invokes the congestion controller's RTO reaction under the
// Sender's lock, so the recover/in-fast-recovery updates it makes via the
// SenderInfo view never race with Send/RemoteAck/TryDrain.
func (s *Sender) ApplyRTO(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.congestionCtrl.OnRTO(s)
}

// RetransmitCause distinguishes why the retransmitter is resending the
// head of the unacked queue.
type RetransmitCause int

const (
	RetransmitTimeout RetransmitCause = iota
	RetransmitFastRetransmit
)

// Retransmit resends the oldest unacked segment (spec.md §4.5). It may
// suspend on ARP resolution before acquiring the Sender's lock, so no
// borrow is held across that suspension point.
func (s *Sender) Retransmit(ctx context.Context, now time.Time, cause RetransmitCause) error {
	s.mu.Lock()
	if len(s.unackedQueue) == 0 {
		s.mu.Unlock()
		panic("tcpengine: Sender.Retransmit: unacked queue is empty but a retransmit deadline was set")
	}
	peerIP := s.peerIP
	s.mu.Unlock()

	mac, ok := s.arp.GetLinkAddr(peerIP)
	if !ok {
		waitCh := s.arp.WaitLinkAddr(peerIP)
		select {
		case mac = <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_ = mac // resolution gates retransmission; the wire header carries no MAC

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unackedQueue) == 0 {
		panic("tcpengine: Sender.Retransmit: unacked queue is empty but a retransmit deadline was set")
	}

	if cause == RetransmitTimeout {
		s.rto.RecordFailure()
	}

	seg := &s.unackedQueue[0]
	seg.InitialTx = nil // Karn: no RTT sample from a retransmit

	out := TCPSegment{
		SeqNum:  uint32(s.baseSeqNo),
		Flags:   FlagACK,
		Payload: seg.Bytes.Bytes(),
	}
	if s.emitter != nil {
		_ = s.emitter.Transmit(out)
	}

	deadline := now.Add(s.rto.Estimate())
	s.retransmitDeadline.Set(&deadline)
	return nil
}

// Close transitions Open->Closed. Idempotent-fail: a second call returns
// Ignored.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderOpen {
		return errIgnored("Sender.Close", "already closed")
	}
	s.state = SenderClosed
	return nil
}

// MarkFinSent records that the (externally driven) connection-teardown
// collaborator has emitted a FIN at finSeq, transitioning to SentFin. The
// three-way-handshake/teardown state machine itself is out of scope
// (spec.md §1); this is the hook it uses to keep Sender's ACK bookkeeping
// correct.
func (s *Sender) MarkFinSent(finSeq SeqNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SenderSentFin
	s.finSeqNo = finSeq
	s.hasFin = true
}

// UpdateRemoteWindow applies a freshly received window field, left-shifted
// by the negotiated window scale.
func (s *Sender) UpdateRemoteWindow(windowHdr uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderOpen {
		return errIgnored("Sender.UpdateRemoteWindow", "connection not open")
	}
	shifted := uint64(windowHdr) << s.windowScale
	if shifted > 0xFFFFFFFF {
		return errIgnored("Sender.UpdateRemoteWindow", "window overflows 32 bits")
	}
	s.windowSize.Set(uint32(shifted))
	return nil
}
