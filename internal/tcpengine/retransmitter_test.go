package tcpengine

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestSenderRetransmitResendsHeadAndReschedulesDeadline(t *testing.T) {
	em := &recordingEmitter{}
	now := time.Unix(0, 0)
	arp := NewArpCache(now)
	peerIP := net.IPv4(10, 0, 0, 4)
	arp.Insert(peerIP, mustMAC(t, "aa:bb:cc:dd:ee:01"))

	s := NewSender(0, 65535, 0, 1000, CongestionControlNone, nil, arp, peerIP, em)
	if err := s.Send([]byte("payload"), now); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(em.segments) != 1 {
		t.Fatalf("expected the initial send to emit once, got %d", len(em.segments))
	}

	firstDeadline := s.RetransmitDeadline().Get()
	if firstDeadline == nil {
		t.Fatal("expected a retransmit deadline to be armed after send")
	}

	retransmitAt := firstDeadline.Add(time.Millisecond)
	if err := s.Retransmit(context.Background(), retransmitAt, RetransmitTimeout); err != nil {
		t.Fatalf("Retransmit: %v", err)
	}

	if len(em.segments) != 2 {
		t.Fatalf("expected a resend, got %d emitted segments", len(em.segments))
	}
	if string(em.segments[1].Payload) != "payload" {
		t.Errorf("retransmitted payload = %q, want %q", em.segments[1].Payload, "payload")
	}
	if got := em.segments[1].SeqNum; got != 0 {
		t.Errorf("retransmitted SeqNum = %d, want 0 (base_seq_no)", got)
	}

	secondDeadline := s.RetransmitDeadline().Get()
	if secondDeadline == nil || !secondDeadline.After(retransmitAt) {
		t.Fatalf("expected the retransmit deadline to be rescheduled after %v, got %v", retransmitAt, secondDeadline)
	}
}

func TestSenderRetransmitPanicsOnEmptyUnackedQueue(t *testing.T) {
	em := &recordingEmitter{}
	now := time.Unix(0, 0)
	arp := NewArpCache(now)
	peerIP := net.IPv4(10, 0, 0, 5)
	arp.Insert(peerIP, mustMAC(t, "aa:bb:cc:dd:ee:02"))
	s := NewSender(0, 65535, 0, 1000, CongestionControlNone, nil, arp, peerIP, em)

	defer func() {
		if recover() == nil {
			t.Error("expected a panic retransmitting with nothing outstanding")
		}
	}()
	_ = s.Retransmit(context.Background(), now, RetransmitTimeout)
}

func TestRunRetransmitterExitsOnContextCancellation(t *testing.T) {
	em := &recordingEmitter{}
	now := time.Unix(0, 0)
	arp := NewArpCache(now)
	peerIP := net.IPv4(10, 0, 0, 6)
	arp.Insert(peerIP, mustMAC(t, "aa:bb:cc:dd:ee:03"))
	s := NewSender(0, 65535, 0, 1000, CongestionControlNone, nil, arp, peerIP, em)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunRetransmitter(ctx, s, func() time.Time { return now }) }()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("RunRetransmitter returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunRetransmitter did not exit after context cancellation")
	}
}
