package tcpengine

import "fmt"

// SeqNumber is a 32-bit modular sequence number. All comparisons are
// interpreted over a half-circle: the difference between two sequence
// numbers is taken as a signed 32-bit integer, so a number is considered
// "before" another iff the wraparound-aware difference is negative.
//
// Grounded on the teacher's seqLT/seqLTE/seqGT/seqGTE free functions
// (internal/netstack/tcp.go), generalized into methods on a dedicated type.
type SeqNumber uint32

// Diff returns s-other interpreted as a signed 32-bit delta. Only valid for
// sequence numbers that are actually within 2^31 of each other, which is
// always true for any pair of sequence numbers meaningfully compared within
// a single connection's lifetime.
func (s SeqNumber) Diff(other SeqNumber) int32 {
	return int32(s - other)
}

// Before reports whether s precedes other on the half-circle.
func (s SeqNumber) Before(other SeqNumber) bool {
	return s.Diff(other) < 0
}

// BeforeEq reports whether s precedes or equals other on the half-circle.
func (s SeqNumber) BeforeEq(other SeqNumber) bool {
	return s.Diff(other) <= 0
}

// After reports whether s follows other on the half-circle.
func (s SeqNumber) After(other SeqNumber) bool {
	return s.Diff(other) > 0
}

// AfterEq reports whether s follows or equals other on the half-circle.
func (s SeqNumber) AfterEq(other SeqNumber) bool {
	return s.Diff(other) >= 0
}

// Add returns s+n, wrapping modulo 2^32.
func (s SeqNumber) Add(n uint32) SeqNumber {
	return s + SeqNumber(n)
}

// Sub returns s-n, wrapping modulo 2^32.
func (s SeqNumber) Sub(n uint32) SeqNumber {
	return s - SeqNumber(n)
}

// Distance returns the number of bytes between base and s, i.e. s-base,
// as an unsigned byte count. Callers must ensure s does not precede base.
func (s SeqNumber) Distance(base SeqNumber) uint32 {
	return uint32(s - base)
}

// Overlaps reports whether the half-open range [aStart, aEnd) overlaps
// [bStart, bEnd).
func Overlaps(aStart, aEnd, bStart, bEnd SeqNumber) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func (s SeqNumber) String() string {
	return fmt.Sprintf("%d", uint32(s))
}
