// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"context"
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/ti-mo/conntrack"
	"golang.org/x/sys/unix"

	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/logging"
)

// Names of the nftables objects owned by tripwire.
const (
	TableName = "tripwire"
	SetV4     = "blocked_v4"
	SetV6     = "blocked_v6"
)

// NFTables drops traffic from blocked sources using an inet table with one
// address set per family, hooked into input and forward.
type NFTables struct {
	mu     sync.Mutex
	conn   *nftables.Conn
	table  *nftables.Table
	set4   *nftables.Set
	set6   *nftables.Set
	logger *logging.Logger
}

// NewNFTables (re)creates the tripwire table. Blocks from a previous run are
// discarded.
func NewNFTables(logger *logging.Logger) (*NFTables, error) {
	if logger == nil {
		logger = logging.WithComponent("nftables")
	}

	conn, err := nftables.New(nftables.AsLasting())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open nftables connection")
	}

	n := &NFTables{
		conn:   conn,
		table:  &nftables.Table{Family: nftables.TableFamilyINet, Name: TableName},
		logger: logger,
	}
	if err := n.setup(); err != nil {
		_ = conn.CloseLasting()
		return nil, err
	}
	return n, nil
}

func (n *NFTables) setup() error {
	tables, err := n.conn.ListTablesOfFamily(nftables.TableFamilyINet)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to list nftables tables")
	}
	for _, t := range tables {
		if t.Name == TableName {
			n.conn.DelTable(n.table)
			break
		}
	}

	n.conn.AddTable(n.table)

	n.set4 = &nftables.Set{Table: n.table, Name: SetV4, KeyType: nftables.TypeIPAddr}
	if err := n.conn.AddSet(n.set4, nil); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to add IPv4 set")
	}
	n.set6 = &nftables.Set{Table: n.table, Name: SetV6, KeyType: nftables.TypeIP6Addr}
	if err := n.conn.AddSet(n.set6, nil); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to add IPv6 set")
	}

	for _, hook := range []struct {
		name string
		num  *nftables.ChainHook
	}{
		{"input", nftables.ChainHookInput},
		{"forward", nftables.ChainHookForward},
	} {
		chain := n.conn.AddChain(&nftables.Chain{
			Name:     hook.name,
			Table:    n.table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  hook.num,
			Priority: nftables.ChainPriorityFilter,
		})
		n.conn.AddRule(&nftables.Rule{Table: n.table, Chain: chain, Exprs: dropFromSet(unix.NFPROTO_IPV4, 12, 4, n.set4)})
		n.conn.AddRule(&nftables.Rule{Table: n.table, Chain: chain, Exprs: dropFromSet(unix.NFPROTO_IPV6, 8, 16, n.set6)})
	}

	if err := n.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to install nftables table")
	}
	n.logger.Info("nftables table installed", "table", TableName)
	return nil
}

// dropFromSet matches the source address at offset/len of the network
// header against set and drops.
func dropFromSet(family byte, offset, length uint32, set *nftables.Set) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{family}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length},
		&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
		&expr.Counter{},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

// Name implements Firewall.
func (n *NFTables) Name() string { return "nftables" }

// Block adds ip to the matching set and flushes its conntrack entries so
// established connections stop too.
func (n *NFTables) Block(ctx context.Context, ip netip.Addr) error {
	set := n.set4
	if ip.Is6() {
		set = n.set6
	}

	n.mu.Lock()
	err := n.conn.SetAddElements(set, []nftables.SetElement{{Key: ip.AsSlice()}})
	if err == nil {
		err = n.conn.Flush()
	}
	n.mu.Unlock()
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to add set element"), "set", set.Name)
	}

	if deleted, err := flushConntrack(ip); err != nil {
		n.logger.Warn("Failed to flush conntrack entries", "ip", ip.String(), "error", err)
	} else if deleted > 0 {
		n.logger.Debug("Flushed conntrack entries", "ip", ip.String(), "count", deleted)
	}
	return nil
}

// Close leaves the table in place so blocks outlive the process until the
// next start.
func (n *NFTables) Close() error {
	return n.conn.CloseLasting()
}

// flushConntrack deletes tracked connections originating from ip.
func flushConntrack(ip netip.Addr) (int, error) {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	flows, err := c.Dump(nil)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, f := range flows {
		if f.TupleOrig.IP.SourceAddress != ip {
			continue
		}
		if err := c.Delete(f); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// NewPlatform returns the nftables firewall.
func NewPlatform(logger *logging.Logger) (Firewall, error) {
	return NewNFTables(logger)
}
