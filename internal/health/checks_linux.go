// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package health

import (
	"context"
	"fmt"

	"github.com/google/nftables"
	"github.com/ti-mo/conntrack"
)

func checkFirewall(context.Context) (Status, string) {
	conn, err := nftables.New()
	if err != nil {
		return StatusDegraded, "nftables unavailable: " + err.Error()
	}
	tables, err := conn.ListTables()
	if err != nil {
		return StatusDegraded, "nftables unavailable: " + err.Error()
	}
	return StatusHealthy, fmt.Sprintf("nftables reachable, %d tables", len(tables))
}

func checkConntrack(context.Context) (Status, string) {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return StatusDegraded, "conntrack unavailable: " + err.Error()
	}
	defer c.Close()

	flows, err := c.Dump(nil)
	if err != nil {
		return StatusDegraded, "conntrack dump failed: " + err.Error()
	}
	return StatusHealthy, fmt.Sprintf("conntrack reachable, %d flows", len(flows))
}
