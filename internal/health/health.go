// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health runs preflight checks against the agent's dependencies.
package health

import (
	"context"
	"time"

	"grimm.is/tripwire/internal/clock"
)

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"  // agent runs with reduced function
	StatusUnhealthy Status = "unhealthy" // agent cannot start
)

// Check is one check result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration"`
}

// Checker produces a Check.
type Checker struct {
	Name string
	Fn   func(ctx context.Context) (Status, string)
}

// Report aggregates checks.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Healthy reports whether nothing is unhealthy.
func (r Report) Healthy() bool {
	return r.Status != StatusUnhealthy
}

// Run executes checkers in order. The report status is the worst status.
func Run(ctx context.Context, checkers ...Checker) Report {
	report := Report{Status: StatusHealthy}
	for _, c := range checkers {
		start := time.Now()
		status, msg := c.Fn(ctx)
		report.Checks = append(report.Checks, Check{
			Name:        c.Name,
			Status:      status,
			Message:     msg,
			LastChecked: clock.Now(),
			Duration:    time.Since(start),
		})
		if worse(status, report.Status) {
			report.Status = status
		}
	}
	return report
}

func worse(a, b Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[a] > rank[b]
}
