package tcpengine

import (
	"context"
	"sync"
	"time"
)

// ReceiverState is the Receiver's lifecycle state (spec.md §3).
type ReceiverState int

const (
	ReceiverOpen ReceiverState = iota
	ReceiverReceivedFin
	ReceiverAckdFin
)

// ackDelay is the RFC 1122 delayed-ACK bound.
const ackDelay = 500 * time.Millisecond

// Receiver implements the receive half of an established TCP connection:
// in-order reassembly (no reordering buffer — off-seam segments are
// dropped, per spec.md §4.2), flow-control window advertisement, and the
// RFC 1122 delayed-ACK policy.
//
// Grounded on the teacher's tcpRecvBuffer (internal/netstack/tcp.go:
// insert/collectContiguous), but deliberately does not carry over its
// out-of-order reassembly buffer: spec.md §4.2 is explicit that this
// engine drops off-seam segments rather than reordering them, a
// behavioral divergence recorded in DESIGN.md.
type Receiver struct {
	mu sync.Mutex

	state ReceiverState

	baseSeqNo SeqNumber
	ackSeqNo  SeqNumber
	recvSeqNo SeqNumber

	recvQueue []Bytes
	available int

	ackDeadline *WatchedValue[*time.Time]
	recvLen     *WatchedValue[int]

	maxWindowSize uint32
	mss           uint16

	lastSegmentWasFullSize    bool
	ackedLastFullSizeSegment  bool
}

// NewReceiver constructs a Receiver for a freshly established connection
// with the peer's initial sequence number isn.
func NewReceiver(isn SeqNumber, maxWindow uint32, mss uint16) *Receiver {
	return &Receiver{
		state:         ReceiverOpen,
		baseSeqNo:     isn,
		ackSeqNo:      isn,
		recvSeqNo:     isn,
		ackDeadline:   NewWatchedValue[*time.Time](nil),
		recvLen:       NewWatchedValue(0),
		maxWindowSize: maxWindow,
		mss:           mss,
	}
}

// AckDeadlineWatch exposes the watched ACK deadline for the acker task.
func (r *Receiver) AckDeadlineWatch() *WatchedValue[*time.Time] { return r.ackDeadline }

// State returns the current lifecycle state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ReceiveData processes an inbound in-order segment (spec.md §4.2).
func (r *Receiver) ReceiveData(seq SeqNumber, buf []byte, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != ReceiverOpen {
		return &Error{Kind: ResourceNotFound, Op: "Receiver.ReceiveData", Detail: "receiver not open"}
	}
	if seq != r.recvSeqNo {
		return errIgnored("Receiver.ReceiveData", "out of order segment")
	}

	queuedBytes := r.recvSeqNo.Distance(r.baseSeqNo)
	if uint64(queuedBytes)+uint64(len(buf)) > uint64(r.maxWindowSize) {
		return errIgnored("Receiver.ReceiveData", "full receive window")
	}

	r.recvQueue = append(r.recvQueue, NewBytes(buf))
	r.recvSeqNo = r.recvSeqNo.Add(uint32(len(buf)))
	r.available += len(buf)
	r.recvLen.Set(r.available)

	r.applyDelayedAckPolicy(len(buf) == int(r.mss), now)
	return nil
}

// applyDelayedAckPolicy implements the RFC 1122 table from spec.md §4.2.
// Caller must hold r.mu.
func (r *Receiver) applyDelayedAckPolicy(thisFull bool, now time.Time) {
	if thisFull {
		if r.lastSegmentWasFullSize && !r.ackedLastFullSizeSegment {
			deadline := now
			r.ackDeadline.Set(&deadline)
			r.ackedLastFullSizeSegment = true
		} else {
			if r.ackDeadline.Get() == nil {
				deadline := now.Add(ackDelay)
				r.ackDeadline.Set(&deadline)
			}
			r.ackedLastFullSizeSegment = false
		}
		r.lastSegmentWasFullSize = true
		return
	}

	if r.ackDeadline.Get() == nil {
		deadline := now.Add(ackDelay)
		r.ackDeadline.Set(&deadline)
	}
	r.lastSegmentWasFullSize = false
}

// Peek returns the next segment to deliver without dequeuing it.
func (r *Receiver) Peek() (Bytes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.recvQueue) == 0 {
		return Bytes{}, r.emptyErrorLocked("Receiver.Peek")
	}
	return r.recvQueue[0], nil
}

// Recv dequeues and returns the next segment.
func (r *Receiver) Recv() (Bytes, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.recvQueue) == 0 {
		return Bytes{}, r.emptyErrorLocked("Receiver.Recv")
	}
	seg := r.recvQueue[0]
	r.recvQueue = r.recvQueue[1:]
	r.baseSeqNo = r.baseSeqNo.Add(uint32(seg.Len()))
	r.available -= seg.Len()
	r.recvLen.SetWithoutNotify(r.available)
	return seg, nil
}

func (r *Receiver) emptyErrorLocked(op string) error {
	if r.state != ReceiverOpen {
		return &Error{Kind: ResourceNotFound, Op: op, Detail: "receiver closed"}
	}
	return &Error{Kind: ResourceExhausted, Op: op, Detail: "no data yet"}
}

// PollRecv blocks until a segment is available, the receiver closes, or
// ctx is done, registering a waker the way spec.md §4.2 describes.
func (r *Receiver) PollRecv(ctx context.Context) (Bytes, error) {
	for {
		b, err := r.Recv()
		if err == nil {
			return b, nil
		}
		if e, ok := err.(*Error); ok && e.Kind == ResourceNotFound {
			return Bytes{}, err
		}
		_, sig := r.recvLen.Watch()
		select {
		case <-sig:
		case <-ctx.Done():
			return Bytes{}, ctx.Err()
		}
	}
}

// AckSent records that the caller emitted an ACK for seq, clearing the
// deadline.
func (r *Receiver) AckSent(seq SeqNumber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ackDeadline.Set(nil)
	r.ackSeqNo = seq
}

// ReceiveFin transitions to ReceivedFin. Idempotent: calling it again
// while already in ReceivedFin leaves the state unchanged, but the caller
// (the handshake/teardown collaborator, out of scope here) is expected to
// still re-ACK per spec.md §8's idempotence law.
func (r *Receiver) ReceiveFin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ReceiverOpen {
		r.state = ReceiverReceivedFin
		r.recvLen.Set(r.available) // wake a blocked PollRecv
	}
}

// AckFin transitions ReceivedFin->AckdFin once the FIN has been
// acknowledged.
func (r *Receiver) AckFin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ReceiverReceivedFin {
		r.state = ReceiverAckdFin
	}
}

// CurrentAck returns the sequence number the next ACK should carry.
func (r *Receiver) CurrentAck() SeqNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recvSeqNo
}

// WindowSize returns the currently advertisable receive window.
func (r *Receiver) WindowSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := r.recvSeqNo.Distance(r.baseSeqNo)
	if queued > r.maxWindowSize {
		return 0
	}
	return r.maxWindowSize - queued
}
