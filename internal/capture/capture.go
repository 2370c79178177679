// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture turns captured packets into feature records.
//
// A Capturer owns the flow tracker: it decodes every packet, folds it into
// the tracker and pushes the resulting record to the transfer queue. It is
// the only producer and never blocks on the queue.
package capture

import (
	"context"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/tripwire/internal/clock"
	"grimm.is/tripwire/internal/flow"
	"grimm.is/tripwire/internal/logging"
	"grimm.is/tripwire/internal/metrics"
)

// Sink receives records. Push must not block.
type Sink interface {
	Push(rec flow.Record) bool
}

// WaitSink is a Sink that can also wait for room.
type WaitSink interface {
	Sink
	PushWait(ctx context.Context, rec flow.Record) bool
}

// Options configures a Capturer.
type Options struct {
	// Clock, when set, is advanced to each packet's capture timestamp
	// before the packet reaches the tracker. Replay uses it so windows
	// and durations follow the recording rather than wall time.
	Clock *clock.MockClock
	// Backpressure makes the capturer wait for the sink instead of
	// letting it discard records. Only for sources that can be paused,
	// such as a capture file; the sink must implement WaitSink.
	Backpressure bool
	Metrics      *metrics.Metrics
	Logger       *logging.Logger
}

// Stats are cumulative capture counters.
type Stats struct {
	Packets  uint64
	Decoded  uint64
	Records  uint64
	Rejected uint64 // sink refused the record (closed, or cancelled while waiting)
}

// Capturer reads packets from a gopacket source.
type Capturer struct {
	source  *gopacket.PacketSource
	tracker *flow.Tracker
	sink    Sink
	wait    WaitSink // set when backpressure is enabled
	clock   *clock.MockClock
	metrics *metrics.Metrics
	logger  *logging.Logger

	evicted uint64
	stats   Stats
}

// New creates a Capturer reading from src, decoded with dec (usually the
// handle's link type).
func New(src gopacket.PacketDataSource, dec gopacket.Decoder, tracker *flow.Tracker, sink Sink, opts Options) *Capturer {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("capture")
	}
	ps := gopacket.NewPacketSource(src, dec)
	ps.Lazy = true
	ps.NoCopy = true

	c := &Capturer{
		source:  ps,
		tracker: tracker,
		sink:    sink,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if opts.Backpressure {
		if ws, ok := sink.(WaitSink); ok {
			c.wait = ws
		} else {
			opts.Logger.Warn("Sink cannot wait, backpressure disabled")
		}
	}
	return c
}

// Run processes packets until ctx is done or the source is exhausted.
// Stats may only be read after Run returns.
func (c *Capturer) Run(ctx context.Context) error {
	packets := c.source.Packets()
	start := time.Now()
	c.logger.Info("Capture started")

	defer func() {
		c.logger.Info("Capture stopped",
			"packets", c.stats.Packets,
			"records", c.stats.Records,
			"elapsed", time.Since(start).Round(time.Millisecond).String())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			c.handle(ctx, pkt)
		}
	}
}

// Stats returns the counters collected by Run.
func (c *Capturer) Stats() Stats {
	return c.stats
}

func (c *Capturer) handle(ctx context.Context, pkt gopacket.Packet) {
	c.stats.Packets++
	if c.metrics != nil {
		c.metrics.PacketsSeen.Inc()
	}

	if c.clock != nil {
		if md := pkt.Metadata(); md != nil && !md.Timestamp.IsZero() {
			c.clock.Set(md.Timestamp)
		}
	}

	p, ok := Decode(pkt)
	if !ok {
		return
	}
	c.stats.Decoded++

	rec, ok := c.tracker.Update(p)
	c.observeTracker()
	if !ok {
		return
	}

	c.stats.Records++
	if c.metrics != nil {
		c.metrics.RecordsProduced.Inc()
	}
	var accepted bool
	if c.wait != nil {
		accepted = c.wait.PushWait(ctx, rec)
	} else {
		accepted = c.sink.Push(rec)
	}
	if !accepted {
		c.stats.Rejected++
	}
}

func (c *Capturer) observeTracker() {
	if c.metrics == nil {
		return
	}
	c.metrics.TrackedFlows.Set(float64(c.tracker.Len()))
	if ev := c.tracker.Evicted(); ev > c.evicted {
		c.metrics.FlowsEvicted.Add(float64(ev - c.evicted))
		c.evicted = ev
	}
}

// Decode extracts the addressing of an IPv4 or IPv6 packet. It reports false
// for anything else.
func Decode(pkt gopacket.Packet) (flow.Packet, bool) {
	var p flow.Packet

	switch nl := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		p.SrcIP, _ = addrFrom(nl.SrcIP)
		p.DstIP, _ = addrFrom(nl.DstIP)
		p.Protocol = uint8(nl.Protocol)
	case *layers.IPv6:
		p.SrcIP, _ = addrFrom(nl.SrcIP)
		p.DstIP, _ = addrFrom(nl.DstIP)
		p.Protocol = uint8(nl.NextHeader)
	default:
		return flow.Packet{}, false
	}
	if !p.SrcIP.IsValid() || !p.DstIP.IsValid() {
		return flow.Packet{}, false
	}

	switch tl := pkt.TransportLayer().(type) {
	case *layers.TCP:
		p.SrcPort, p.DstPort = uint16(tl.SrcPort), uint16(tl.DstPort)
		p.Protocol = flow.ProtoTCP
	case *layers.UDP:
		p.SrcPort, p.DstPort = uint16(tl.SrcPort), uint16(tl.DstPort)
		p.Protocol = flow.ProtoUDP
	}

	if md := pkt.Metadata(); md != nil && md.Length > 0 {
		p.Length = md.Length
	} else {
		p.Length = len(pkt.Data())
	}
	return p, true
}
