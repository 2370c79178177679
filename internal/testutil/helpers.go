// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"strings"
	"testing"

	"grimm.is/tripwire/internal/logging"
)

// PrivilegedEnv gates tests that touch the host firewall or capture devices.
const PrivilegedEnv = "TRIPWIRE_PRIVILEGED_TEST"

// RequirePrivileged skips the test unless PrivilegedEnv is set. Such tests
// need CAP_NET_ADMIN and modify host state, so they only run in a VM.
func RequirePrivileged(t *testing.T) {
	t.Helper()
	if os.Getenv(PrivilegedEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", PrivilegedEnv)
	}
}

// Logger returns a debug logger that writes through t.Log, so output only
// shows for failing or verbose tests.
func Logger(t *testing.T) *logging.Logger {
	t.Helper()
	return logging.New(logging.Config{
		Level:  logging.LevelDebug,
		Output: testWriter{t},
		JSON:   true,
	})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
