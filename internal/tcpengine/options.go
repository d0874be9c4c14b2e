package tcpengine

import "time"

// MSS bounds (spec.md §6).
const (
	MinMSS     = 88
	MaxMSS     = 65495
	DefaultMSS = 1460
)

// CongestionControlType selects a CongestionControl implementation.
type CongestionControlType int

const (
	// CongestionControlCubic selects the CUBIC implementation (default).
	CongestionControlCubic CongestionControlType = iota
	// CongestionControlNone disables congestion control entirely.
	CongestionControlNone
)

// OptionValue is a tagged union for congestion-control tuning knobs
// (spec.md §6: "map of name→{Bool,Float,Int,String}").
type OptionValue struct {
	Bool   *bool
	Float  *float64
	Int    *int64
	String *string
}

// BoolOption constructs an OptionValue holding a bool.
func BoolOption(v bool) OptionValue { return OptionValue{Bool: &v} }

// TcpOptions configures a ControlBlock at connection establishment.
// Grounded on the teacher's New(...)-plus-field-default convention
// (netstack.New pre-populates hostIPv4/serviceProxyEnabled/etc.).
type TcpOptions struct {
	AdvertisedMSS uint16

	CongestionCtrlType    CongestionControlType
	CongestionCtrlOptions map[string]OptionValue

	HandshakeRetries int
	HandshakeTimeout time.Duration

	ReceiveWindowSize uint32

	Retries int

	TrailingAckDelay time.Duration
}

// DefaultTcpOptions returns the spec.md §6 defaults.
func DefaultTcpOptions() TcpOptions {
	return TcpOptions{
		AdvertisedMSS:         DefaultMSS,
		CongestionCtrlType:    CongestionControlCubic,
		CongestionCtrlOptions: map[string]OptionValue{},
		HandshakeRetries:      5,
		HandshakeTimeout:      3 * time.Second,
		ReceiveWindowSize:     0xFFFF,
		Retries:               5,
		TrailingAckDelay:      1 * time.Microsecond,
	}
}

// fastConvergence reports the `fast_convergence` CUBIC option, defaulting
// to true per spec.md §4.3.
func (o TcpOptions) fastConvergence() bool {
	v, ok := o.CongestionCtrlOptions["fast_convergence"]
	if !ok || v.Bool == nil {
		return true
	}
	return *v.Bool
}
