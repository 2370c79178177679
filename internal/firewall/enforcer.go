// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall blocks malicious sources: it records the block, raises
// an alert and, when enabled, inserts a host firewall rule.
package firewall

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/tripwire/internal/clock"
	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/logging"
	"grimm.is/tripwire/internal/metrics"
)

// Alert text for a block.
const (
	AlertTitle   = "IDS Alert"
	AlertMessage = "Blocked Malicious IP: "
	AlertLevel   = "critical"
)

// Firewall inserts platform drop rules.
type Firewall interface {
	Name() string
	Block(ctx context.Context, ip netip.Addr) error
	Close() error
}

// BlockLogger persists block records.
type BlockLogger interface {
	LogBlock(ctx context.Context, ip, reason string) error
}

// Notifier raises a local alert without blocking.
type Notifier interface {
	SendSimple(title, message, level string)
}

// Enforcer executes the block path at most once per IP for the lifetime of
// the process. It is safe for concurrent use.
type Enforcer struct {
	store    BlockLogger
	notifier Notifier
	firewall Firewall // nil when enforcement is disabled
	metrics  *metrics.Metrics
	logger   *logging.Logger
	clock    clock.Clock

	mu      sync.Mutex
	blocked map[string]time.Time

	ruleFailures  atomic.Uint64
	storeFailures atomic.Uint64
}

// NewEnforcer creates an enforcer. Any collaborator may be nil.
func NewEnforcer(store BlockLogger, notifier Notifier, fw Firewall, m *metrics.Metrics, logger *logging.Logger, clk clock.Clock) *Enforcer {
	if logger == nil {
		logger = logging.WithComponent("enforcer")
	}
	if clk == nil {
		clk = clock.Real
	}
	return &Enforcer{
		store:    store,
		notifier: notifier,
		firewall: fw,
		metrics:  m,
		logger:   logger,
		clock:    clk,
		blocked:  make(map[string]time.Time),
	}
}

// Block runs the block path for ip unless it already ran, and reports
// whether it did. Persistence and firewall failures are logged, never
// returned: ip stays in the blocked set either way.
func (e *Enforcer) Block(ctx context.Context, ip, reason string) bool {
	e.mu.Lock()
	if _, ok := e.blocked[ip]; ok {
		e.mu.Unlock()
		return false
	}
	e.blocked[ip] = e.clock.Now()
	e.mu.Unlock()

	log := e.logger.With("ip", ip)
	log.Warn("Blocking source", "reason", reason)

	if e.store != nil {
		if err := e.store.LogBlock(ctx, ip, reason); err != nil {
			e.storeFailures.Add(1)
			if e.metrics != nil {
				e.metrics.StoreErrors.WithLabelValues("log_block").Inc()
			}
			log.Error("Failed to record block", "error", err)
		}
	}

	if e.notifier != nil {
		e.notifier.SendSimple(AlertTitle, AlertMessage+ip, AlertLevel)
	}

	if e.firewall != nil {
		if err := e.insertRule(ctx, ip); err != nil {
			e.ruleFailures.Add(1)
			if e.metrics != nil {
				e.metrics.FirewallRuleFailures.Inc()
			}
			log.Error("Failed to insert firewall rule", "firewall", e.firewall.Name(), "error", err)
		} else {
			log.Info("Firewall rule inserted", "firewall", e.firewall.Name())
		}
	}

	return true
}

func (e *Enforcer) insertRule(ctx context.Context, ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid IP")
	}
	return e.firewall.Block(ctx, addr.Unmap())
}

// IsBlocked reports whether the block path already ran for ip.
func (e *Enforcer) IsBlocked(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.blocked[ip]
	return ok
}

// Len returns the number of blocked IPs.
func (e *Enforcer) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.blocked)
}

// Blocked returns the blocked IPs in sorted order.
func (e *Enforcer) Blocked() []string {
	e.mu.Lock()
	ips := make([]string, 0, len(e.blocked))
	for ip := range e.blocked {
		ips = append(ips, ip)
	}
	e.mu.Unlock()
	sort.Strings(ips)
	return ips
}

// FirewallEnabled reports whether blocks insert firewall rules.
func (e *Enforcer) FirewallEnabled() bool {
	return e.firewall != nil
}

// Failures returns the number of failed rule insertions and block writes.
func (e *Enforcer) Failures() (rules, store uint64) {
	return e.ruleFailures.Load(), e.storeFailures.Load()
}

// Close releases the firewall backend.
func (e *Enforcer) Close() error {
	if e.firewall == nil {
		return nil
	}
	return e.firewall.Close()
}
