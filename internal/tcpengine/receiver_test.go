package tcpengine

import (
	"testing"
	"time"
)

func TestReceiverReceiveDataInOrder(t *testing.T) {
	r := NewReceiver(0, 65535, 1000)
	now := time.Unix(0, 0)

	if err := r.ReceiveData(0, []byte("hello"), now); err != nil {
		t.Fatalf("ReceiveData: %v", err)
	}
	if got := r.CurrentAck(); got != 5 {
		t.Errorf("CurrentAck = %d, want 5", got)
	}

	seg, err := r.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(seg.Bytes()) != "hello" {
		t.Errorf("Recv = %q, want %q", seg.Bytes(), "hello")
	}
}

func TestReceiverReceiveDataOutOfOrderIgnored(t *testing.T) {
	r := NewReceiver(0, 65535, 1000)
	now := time.Unix(0, 0)

	err := r.ReceiveData(10, []byte("late"), now)
	if err == nil {
		t.Fatal("expected an Ignored error for an out-of-order segment")
	}
	e, ok := err.(*Error)
	if !ok || e.Kind != Ignored {
		t.Errorf("expected Ignored error, got %#v", err)
	}
}

func TestReceiverRecvOnEmptyQueueIsResourceExhausted(t *testing.T) {
	r := NewReceiver(0, 65535, 1000)
	_, err := r.Recv()
	e, ok := err.(*Error)
	if !ok || e.Kind != ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %#v", err)
	}
}

// TestReceiverDelayedAckTwoFullSegments mirrors spec.md §8's concrete
// scenario: two full-MSS segments arriving 5ms apart must produce an
// immediate ACK deadline at the second segment's arrival time.
func TestReceiverDelayedAckTwoFullSegments(t *testing.T) {
	r := NewReceiver(0, 65535, 1000)
	t0 := time.Unix(0, 0)
	full := make([]byte, 1000)

	if err := r.ReceiveData(0, full, t0); err != nil {
		t.Fatalf("first ReceiveData: %v", err)
	}
	deadline := r.AckDeadlineWatch().Get()
	if deadline == nil || !deadline.Equal(t0.Add(ackDelay)) {
		t.Fatalf("after first full segment: deadline = %v, want %v", deadline, t0.Add(ackDelay))
	}

	t1 := t0.Add(5 * time.Millisecond)
	if err := r.ReceiveData(1000, full, t1); err != nil {
		t.Fatalf("second ReceiveData: %v", err)
	}
	deadline = r.AckDeadlineWatch().Get()
	if deadline == nil || !deadline.Equal(t1) {
		t.Fatalf("after second full segment: deadline = %v, want immediate %v", deadline, t1)
	}
}

func TestReceiverPartialSegmentDelaysAck(t *testing.T) {
	r := NewReceiver(0, 65535, 1000)
	t0 := time.Unix(0, 0)

	if err := r.ReceiveData(0, []byte("short"), t0); err != nil {
		t.Fatalf("ReceiveData: %v", err)
	}
	deadline := r.AckDeadlineWatch().Get()
	if deadline == nil || !deadline.Equal(t0.Add(ackDelay)) {
		t.Fatalf("deadline = %v, want %v", deadline, t0.Add(ackDelay))
	}
}

func TestReceiverWindowSizeShrinksAsDataQueues(t *testing.T) {
	r := NewReceiver(0, 1000, 1000)
	now := time.Unix(0, 0)
	if err := r.ReceiveData(0, make([]byte, 400), now); err != nil {
		t.Fatalf("ReceiveData: %v", err)
	}
	if got := r.WindowSize(); got != 600 {
		t.Errorf("WindowSize = %d, want 600", got)
	}
}

func TestReceiverReceiveFinAndAckFin(t *testing.T) {
	r := NewReceiver(0, 65535, 1000)
	r.ReceiveFin()
	if r.State() != ReceiverReceivedFin {
		t.Fatalf("state = %v, want ReceivedFin", r.State())
	}
	r.AckFin()
	if r.State() != ReceiverAckdFin {
		t.Fatalf("state = %v, want AckdFin", r.State())
	}
}
