// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package supervisor detects crash loops of the agent.
//
// Every run is recorded in a small state file. A run that never recorded
// its end (killed, segfault, power loss) counts as a crash, as does a run
// that ended in a panic or a runtime error. Once the number of crashes in
// the window reaches the threshold the agent should start in detect-only
// mode so a faulty build cannot keep inserting firewall rules.
package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"grimm.is/tripwire/internal/clock"
	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/logging"
)

const (
	// DefaultThreshold is the number of crashes that trips safe mode.
	DefaultThreshold = 3
	// DefaultWindow is how far back crashes are counted, and how long a
	// run must stay up before the history is cleared.
	DefaultWindow = 5 * time.Minute
	// StateFileName is the crash history file inside the state directory.
	StateFileName = "supervisor.state"
)

// Config holds the crash-loop thresholds.
type Config struct {
	Threshold int
	Window    time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Window: DefaultWindow}
}

// Run is one agent lifetime.
type Run struct {
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`
	Crashed bool       `json:"crashed"`
	Reason  string     `json:"reason,omitempty"`
}

type state struct {
	Runs []Run `json:"runs"`
}

// Supervisor tracks runs in stateDir.
type Supervisor struct {
	cfg    Config
	path   string
	clock  clock.Clock
	logger *logging.Logger

	mu      sync.Mutex
	state   state
	current int // index of the run opened by Begin, -1 before
}

// New loads the crash history from stateDir. A corrupt file is discarded.
func New(stateDir string, cfg Config, clk clock.Clock, logger *logging.Logger) (*Supervisor, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if clk == nil {
		clk = clock.Real
	}
	if logger == nil {
		logger = logging.WithComponent("supervisor")
	}

	s := &Supervisor{
		cfg:     cfg,
		path:    filepath.Join(stateDir, StateFileName),
		clock:   clk,
		logger:  logger,
		current: -1,
	}

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to read %s", s.path)
	default:
		if err := json.Unmarshal(data, &s.state); err != nil {
			logger.Warn("Discarding corrupt crash history", "path", s.path, "error", err)
			s.state = state{}
		}
	}
	return s, nil
}

// Begin closes out runs that never ended as crashes and opens a new run.
func (s *Supervisor) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for i := range s.state.Runs {
		if s.state.Runs[i].Ended == nil {
			s.state.Runs[i].Ended = &now
			s.state.Runs[i].Crashed = true
			s.state.Runs[i].Reason = "unclean exit"
		}
	}
	s.prune(now)

	s.state.Runs = append(s.state.Runs, Run{Started: now})
	s.current = len(s.state.Runs) - 1
	return s.save()
}

// Crashes returns the number of crashed runs inside the window, excluding
// the current one.
func (s *Supervisor) Crashes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(s.clock.Now())

	n := 0
	for i, r := range s.state.Runs {
		if i != s.current && r.Crashed {
			n++
		}
	}
	return n
}

// SafeMode reports whether the crash threshold has been reached.
func (s *Supervisor) SafeMode() bool {
	return s.Crashes() >= s.cfg.Threshold
}

// End records how the current run finished. A panic or a non-nil err marks
// it crashed.
func (s *Supervisor) End(err error, panicked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 || s.current >= len(s.state.Runs) {
		return nil
	}

	now := s.clock.Now()
	run := &s.state.Runs[s.current]
	run.Ended = &now
	switch {
	case panicked:
		run.Crashed, run.Reason = true, "panic"
	case err != nil:
		run.Crashed, run.Reason = true, err.Error()
	}
	s.current = -1
	return s.save()
}

// Reset drops every finished run from the history.
func (s *Supervisor) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retain(func(Run) bool { return false })
	return s.save()
}

// ResetWhenStable clears the history once the agent has been up for the
// window, unless ctx ends first.
func (s *Supervisor) ResetWhenStable(ctx context.Context) {
	timer := time.NewTimer(s.cfg.Window)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		if err := s.Reset(); err != nil {
			s.logger.Warn("Failed to clear crash history", "error", err)
			return
		}
		s.logger.Debug("Crash history cleared after stable uptime")
	}
}

// prune drops finished runs older than the window. Caller holds mu.
func (s *Supervisor) prune(now time.Time) {
	cutoff := now.Add(-s.cfg.Window)
	s.retain(func(r Run) bool {
		return r.Ended == nil || r.Ended.After(cutoff)
	})
}

// retain keeps the current run and every run keep accepts. Caller holds mu.
func (s *Supervisor) retain(keep func(Run) bool) {
	cur := s.current
	s.current = -1
	kept := make([]Run, 0, len(s.state.Runs))
	for i, r := range s.state.Runs {
		if i != cur && !keep(r) {
			continue
		}
		if i == cur {
			s.current = len(kept)
		}
		kept = append(kept, r)
	}
	s.state.Runs = kept
}

// save writes the state atomically. Caller holds mu.
func (s *Supervisor) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to create state directory")
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to encode crash history")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to write crash history")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to replace crash history")
	}
	return nil
}
