// Package tcpengine implements the established-connection half of a
// user-space TCP stack: the send pipeline (sliding window, retransmission,
// RTO estimation), the receive pipeline (in-order reassembly, delayed ACK,
// flow-control window advertisement), pluggable congestion control
// (None and CUBIC with NewReno fast recovery and limited transmit), and the
// ARP cache that gates outbound emission.
//
// This package does not implement the three-way handshake, TIME_WAIT,
// socket tables, IP/Ethernet framing, or a raw-socket runtime; those are
// external collaborators reached through the Emitter interface and the
// ArpCache. There is no timer wheel or RNG here either — callers supply
// time.Time values and ISNs.
package tcpengine
