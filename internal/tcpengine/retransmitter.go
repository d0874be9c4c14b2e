package tcpengine

import (
	"context"
	"time"
)

// RunRetransmitter is the per-connection background task from spec.md §4.5.
// Each iteration snapshots the retransmit deadline and the fast-retransmit
// edge, then races: a deadline change (restart the loop with the new
// deadline), the deadline elapsing (RTO path), or the fast-retransmit edge
// firing. It returns when ctx is cancelled.
//
// Grounded on the teacher's markRetransmitted/oldestCoalesced pairing
// (internal/netstack/tcp.go) for the retransmit-then-reschedule shape, and
// directly on original_source's background/retransmitter.rs for the
// deadline/fast-retransmit race itself.
func RunRetransmitter(ctx context.Context, s *Sender, now func() time.Time) error {
	cc := s.CongestionControl()

	for {
		deadline, deadlineSig := s.RetransmitDeadline().Watch()
		_, fastSig := cc.FastRetransmitNow().Watch()

		var timer *time.Timer
		var timerCh <-chan time.Time
		if deadline != nil {
			d := deadline.Sub(now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case <-deadlineSig:
			if timer != nil {
				timer.Stop()
			}
			continue

		case <-fastSig:
			if timer != nil {
				timer.Stop()
			}
			if err := s.Retransmit(ctx, now(), RetransmitFastRetransmit); err != nil {
				return err
			}
			cc.OnFastRetransmit()

		case <-timerCh:
			s.ApplyRTO(now())
			if err := s.Retransmit(ctx, now(), RetransmitTimeout); err != nil {
				return err
			}
		}
	}
}
