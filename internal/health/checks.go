// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"context"
	"fmt"
	"os"

	"grimm.is/tripwire/internal/classifier"
	"grimm.is/tripwire/internal/store"
)

// CheckStore reads the database counters without modifying the file. A
// missing database is healthy since the agent creates it on start.
func CheckStore(path string) Checker {
	return Checker{Name: "store", Fn: func(ctx context.Context) (Status, string) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return StatusHealthy, path + " will be created on start"
		}
		db, err := store.OpenReadOnly(path)
		if err != nil {
			return StatusUnhealthy, err.Error()
		}
		defer db.Close()

		attacks, blocked, err := db.Stats(ctx)
		if err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, fmt.Sprintf("%s: %d attacks, %d blocked", path, attacks, blocked)
	}}
}

// CheckModel loads the decision forest at path.
func CheckModel(path string) Checker {
	return Checker{Name: "model", Fn: func(context.Context) (Status, string) {
		forest, err := classifier.LoadForest(path)
		if err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, fmt.Sprintf("%s: %d trees", path, len(forest.Trees))
	}}
}

// CheckClassifier runs one prediction against c, typically the remote
// sidecar.
func CheckClassifier(c classifier.Classifier) Checker {
	return Checker{Name: "classifier", Fn: func(ctx context.Context) (Status, string) {
		verdict, err := c.Predict(ctx, classifier.Vector{})
		if err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, "sample verdict " + verdict.String()
	}}
}

// CheckFirewall reports whether blocking will work. Without it the agent
// still detects, so failure is degraded.
func CheckFirewall(enabled bool) Checker {
	return Checker{Name: "firewall", Fn: func(ctx context.Context) (Status, string) {
		if !enabled {
			return StatusHealthy, "blocking disabled"
		}
		return checkFirewall(ctx)
	}}
}

// CheckConntrack reports whether established flows can be cut on block.
func CheckConntrack(enabled bool) Checker {
	return Checker{Name: "conntrack", Fn: func(ctx context.Context) (Status, string) {
		if !enabled {
			return StatusHealthy, "blocking disabled"
		}
		return checkConntrack(ctx)
	}}
}
