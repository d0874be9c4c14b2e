package tcpengine

import "testing"

func TestSeqNumberOrdering(t *testing.T) {
	cases := []struct {
		a, b       SeqNumber
		before     bool
		after      bool
	}{
		{0, 1, true, false},
		{1, 0, false, true},
		{0, 0, false, false},
		{0xFFFFFFFF, 0, true, false}, // wraparound
		{0, 0xFFFFFFFF, false, true},
	}
	for _, tc := range cases {
		if got := tc.a.Before(tc.b); got != tc.before {
			t.Errorf("%d.Before(%d) = %v, want %v", tc.a, tc.b, got, tc.before)
		}
		if got := tc.a.After(tc.b); got != tc.after {
			t.Errorf("%d.After(%d) = %v, want %v", tc.a, tc.b, got, tc.after)
		}
	}
}

func TestSeqNumberAddSubWraparound(t *testing.T) {
	var s SeqNumber = 0xFFFFFFFE
	if got := s.Add(3); got != 1 {
		t.Errorf("Add wraparound: got %d, want 1", got)
	}
	var z SeqNumber = 1
	if got := z.Sub(3); got != 0xFFFFFFFE {
		t.Errorf("Sub wraparound: got %d, want 0xFFFFFFFE", got)
	}
}

func TestSeqNumberDistance(t *testing.T) {
	base := SeqNumber(100)
	s := SeqNumber(150)
	if got := s.Distance(base); got != 50 {
		t.Errorf("Distance = %d, want 50", got)
	}
}

func TestOverlaps(t *testing.T) {
	if !Overlaps(0, 10, 5, 15) {
		t.Error("expected overlap")
	}
	if Overlaps(0, 10, 10, 20) {
		t.Error("half-open ranges touching at the boundary should not overlap")
	}
	if Overlaps(0, 10, 20, 30) {
		t.Error("disjoint ranges should not overlap")
	}
}
