// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow aggregates captured packets into per-flow statistics and
// short-window connection counters.
//
// A Tracker is owned by the capture goroutine and is not safe for
// concurrent use.
package flow

import (
	"net/netip"
	"time"

	"grimm.is/tripwire/internal/clock"
)

// Config holds tracker tuning.
type Config struct {
	Window        time.Duration // connection history window (count/srv_count)
	FlowTTL       time.Duration // idle time after which a flow is evicted
	SweepInterval time.Duration // minimum time between eviction sweeps
}

// DefaultConfig returns the stock tracker settings.
func DefaultConfig() Config {
	return Config{
		Window:        2 * time.Second,
		FlowTTL:       5 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

type historyEntry struct {
	at      time.Time
	srcIP   netip.Addr
	dstIP   netip.Addr
	dstPort uint16
}

// Tracker converts packets into feature records.
type Tracker struct {
	cfg   Config
	clock clock.Clock

	flows map[Key]*State

	// history[head:] is the live window, oldest first.
	history []historyEntry
	head    int

	dstIPCount   map[netip.Addr]int
	dstPortCount map[uint16]int

	lastSweep time.Time
	evicted   uint64
}

// NewTracker creates a Tracker. A nil clk uses the wall clock.
func NewTracker(cfg Config, clk clock.Clock) *Tracker {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = def.FlowTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if clk == nil {
		clk = clock.Real
	}
	return &Tracker{
		cfg:          cfg,
		clock:        clk,
		flows:        make(map[Key]*State),
		dstIPCount:   make(map[netip.Addr]int),
		dstPortCount: make(map[uint16]int),
		lastSweep:    clk.Now(),
	}
}

// Update folds pkt into the flow table and returns the resulting record.
// It returns false for non-IP packets and for traffic with a loopback
// endpoint.
func (t *Tracker) Update(pkt Packet) (Record, bool) {
	if !pkt.SrcIP.IsValid() || !pkt.DstIP.IsValid() {
		return Record{}, false
	}
	src, dst := pkt.SrcIP.Unmap(), pkt.DstIP.Unmap()
	if src.IsLoopback() || dst.IsLoopback() {
		return Record{}, false
	}

	srcPort, dstPort := pkt.SrcPort, pkt.DstPort
	if pkt.Protocol != ProtoTCP && pkt.Protocol != ProtoUDP {
		srcPort, dstPort = 0, 0
	}

	now := t.clock.Now()
	t.maybeSweep(now)

	key := Key{SrcIP: src, DstIP: dst, SrcPort: srcPort, DstPort: dstPort, Protocol: pkt.Protocol}
	st, ok := t.flows[key]
	if !ok {
		st = &State{StartTime: now}
		t.flows[key] = st
	}
	if pkt.Length > 0 {
		st.SrcBytes += uint64(pkt.Length)
	}
	st.LastSeen = now

	t.evict(now)
	t.history = append(t.history, historyEntry{at: now, srcIP: src, dstIP: dst, dstPort: dstPort})
	t.dstIPCount[dst]++
	t.dstPortCount[dstPort]++

	return Record{
		Duration:   now.Sub(st.StartTime).Seconds(),
		SrcBytes:   st.SrcBytes,
		DstBytes:   0,
		Count:      t.dstIPCount[dst],
		SrvCount:   t.dstPortCount[dstPort],
		SrcIP:      src.String(),
		DstIP:      dst.String(),
		Protocol:   ProtocolName(pkt.Protocol),
		ObservedAt: now,
	}, true
}

// Counts returns the current window counters for a destination without
// recording a connection.
func (t *Tracker) Counts(dstIP netip.Addr, dstPort uint16) (count, srvCount int) {
	t.evict(t.clock.Now())
	return t.dstIPCount[dstIP.Unmap()], t.dstPortCount[dstPort]
}

// Len returns the number of tracked flows.
func (t *Tracker) Len() int {
	return len(t.flows)
}

// WindowLen returns the number of entries in the connection history.
func (t *Tracker) WindowLen() int {
	return len(t.history) - t.head
}

// Evicted returns the number of flows removed by idle eviction.
func (t *Tracker) Evicted() uint64 {
	return t.evicted
}

// Lookup returns a copy of the state for key.
func (t *Tracker) Lookup(key Key) (State, bool) {
	st, ok := t.flows[key]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// evict drops history entries older than the window relative to now and
// decrements their counters.
func (t *Tracker) evict(now time.Time) {
	for t.head < len(t.history) && now.Sub(t.history[t.head].at) > t.cfg.Window {
		e := t.history[t.head]
		t.history[t.head] = historyEntry{}
		t.head++

		if n := t.dstIPCount[e.dstIP] - 1; n > 0 {
			t.dstIPCount[e.dstIP] = n
		} else {
			delete(t.dstIPCount, e.dstIP)
		}
		if n := t.dstPortCount[e.dstPort] - 1; n > 0 {
			t.dstPortCount[e.dstPort] = n
		} else {
			delete(t.dstPortCount, e.dstPort)
		}
	}

	switch {
	case t.head == len(t.history):
		t.history = t.history[:0]
		t.head = 0
	case t.head > 1024 && t.head > len(t.history)/2:
		n := copy(t.history, t.history[t.head:])
		t.history = t.history[:n]
		t.head = 0
	}
}

// Sweep evicts flows idle for longer than the flow TTL and returns how many
// were removed.
func (t *Tracker) Sweep() int {
	now := t.clock.Now()
	t.lastSweep = now
	removed := 0
	for k, st := range t.flows {
		if now.Sub(st.LastSeen) > t.cfg.FlowTTL {
			delete(t.flows, k)
			removed++
		}
	}
	t.evicted += uint64(removed)
	return removed
}

func (t *Tracker) maybeSweep(now time.Time) {
	if now.Sub(t.lastSweep) >= t.cfg.SweepInterval {
		t.Sweep()
	}
}
