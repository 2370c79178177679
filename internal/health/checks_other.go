// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package health

import "context"

func checkFirewall(context.Context) (Status, string) {
	return StatusHealthy, "nftables unsupported on this OS, using platform firewall"
}

func checkConntrack(context.Context) (Status, string) {
	return StatusHealthy, "conntrack unsupported on this OS (stubbed)"
}
