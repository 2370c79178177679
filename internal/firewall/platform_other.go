// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux && !windows
// +build !linux,!windows

package firewall

import (
	"runtime"

	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/logging"
)

// NewPlatform reports that this platform has no firewall backend.
func NewPlatform(logger *logging.Logger) (Firewall, error) {
	return nil, errors.Errorf(errors.KindUnavailable, "no firewall backend for %s", runtime.GOOS)
}
