// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package capture

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"
)

func TestIsDefaultRoute(t *testing.T) {
	_, any4, _ := net.ParseCIDR("0.0.0.0/0")
	_, lan, _ := net.ParseCIDR("192.168.1.0/24")

	assert.True(t, isDefaultRoute(netlink.Route{}))
	assert.True(t, isDefaultRoute(netlink.Route{Dst: any4}))
	assert.False(t, isDefaultRoute(netlink.Route{Dst: lan}))
}
