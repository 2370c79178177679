// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket/pcap"

	"grimm.is/tripwire/internal/errors"
)

// DefaultSnaplen captures whole packets.
const DefaultSnaplen = 65535

// readTimeout bounds each pcap read so a closed handle is noticed.
const readTimeout = 500 * time.Millisecond

// LiveConfig selects the interface to listen on.
type LiveConfig struct {
	Interface   string // empty picks the first non-loopback device
	BPFFilter   string
	Snaplen     int
	Promiscuous bool
}

// OpenLive opens a live capture handle.
func OpenLive(cfg LiveConfig) (*pcap.Handle, error) {
	iface := cfg.Interface
	if iface == "" {
		var err error
		if iface, err = DefaultInterface(); err != nil {
			return nil, err
		}
	}
	snaplen := cfg.Snaplen
	if snaplen <= 0 {
		snaplen = DefaultSnaplen
	}

	handle, err := pcap.OpenLive(iface, int32(snaplen), cfg.Promiscuous, readTimeout)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindFatal, "failed to open capture device"), "interface", iface)
	}
	if err := applyFilter(handle, cfg.BPFFilter); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

// OpenFile opens a pcap file for replay.
func OpenFile(path, filter string) (*pcap.Handle, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindFatal, "failed to open capture file"), "path", path)
	}
	if err := applyFilter(handle, filter); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

func applyFilter(handle *pcap.Handle, filter string) error {
	if filter == "" {
		return nil
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindConfig, "invalid BPF filter"), "filter", filter)
	}
	return nil
}

// DefaultInterface returns the interface of the default route, falling back
// to the first device with a non-loopback address.
func DefaultInterface() (string, error) {
	if name := defaultRouteInterface(); name != "" {
		return name, nil
	}

	devs, err := pcap.FindAllDevs()
	if err != nil {
		return "", errors.Wrap(err, errors.KindFatal, "failed to list capture devices")
	}
	for _, d := range devs {
		for _, a := range d.Addresses {
			if ip, ok := addrFrom(a.IP); ok && !ip.IsLoopback() {
				return d.Name, nil
			}
		}
	}
	return "", errors.New(errors.KindFatal, "no capture device found")
}

func addrFrom(ip net.IP) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
