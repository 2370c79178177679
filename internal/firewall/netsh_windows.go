// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows
// +build windows

package firewall

import (
	"context"
	"net/netip"
	"os/exec"
	"strings"

	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/logging"
)

// RulePrefix names the inbound block rules created by tripwire.
const RulePrefix = "AI_IDS_BLOCK_"

// Netsh adds one inbound Windows Firewall block rule per IP.
type Netsh struct {
	logger *logging.Logger
}

// Name implements Firewall.
func (n *Netsh) Name() string { return "netsh" }

// Block adds the rule for ip.
func (n *Netsh) Block(ctx context.Context, ip netip.Addr) error {
	out, err := exec.CommandContext(ctx, "netsh", "advfirewall", "firewall", "add", "rule",
		"name="+RulePrefix+ip.String(),
		"dir=in",
		"action=block",
		"remoteip="+ip.String(),
	).CombinedOutput()
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "netsh failed"), "output", strings.TrimSpace(string(out)))
	}
	return nil
}

// Close implements Firewall. Rules persist.
func (n *Netsh) Close() error { return nil }

// NewPlatform returns the netsh firewall.
func NewPlatform(logger *logging.Logger) (Firewall, error) {
	if logger == nil {
		logger = logging.WithComponent("netsh")
	}
	return &Netsh{logger: logger}, nil
}
