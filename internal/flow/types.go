// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"net/netip"
	"time"
)

// IP protocol numbers the tracker names explicitly.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Packet is the decoded view of one captured packet. A Packet whose SrcIP
// is not valid represents non-IP traffic.
type Packet struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16 // zero when the transport has no ports
	DstPort  uint16
	Protocol uint8 // IP protocol number
	Length   int   // wire length in bytes
}

// Key identifies one flow (5-tuple).
type Key struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// State is the aggregate kept per Key.
type State struct {
	StartTime time.Time
	LastSeen  time.Time
	SrcBytes  uint64
}

// Record is the fixed-schema feature record handed to classification.
// It is passed by value and never mutated after Update returns it.
type Record struct {
	Duration   float64   `json:"duration"` // seconds since the flow started
	SrcBytes   uint64    `json:"src_bytes"`
	DstBytes   uint64    `json:"dst_bytes"`
	Count      int       `json:"count"`     // window entries sharing DstIP
	SrvCount   int       `json:"srv_count"` // window entries sharing DstPort
	SrcIP      string    `json:"src_ip"`
	DstIP      string    `json:"dst_ip"`
	Protocol   string    `json:"protocol"`
	ObservedAt time.Time `json:"observed_at"`
}

// NumFeatures is the length of the classifier feature vector.
const NumFeatures = 5

// Features returns the classifier input in its fixed order:
// duration, src_bytes, dst_bytes, count, srv_count.
func (r Record) Features() [NumFeatures]float64 {
	return [NumFeatures]float64{
		r.Duration,
		float64(r.SrcBytes),
		float64(r.DstBytes),
		float64(r.Count),
		float64(r.SrvCount),
	}
}

// ProtocolName maps an IP protocol number to the record's protocol label.
func ProtocolName(proto uint8) string {
	switch proto {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return "OTHER"
	}
}
