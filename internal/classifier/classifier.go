// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package classifier turns a feature vector into a benign/malicious verdict.
package classifier

import (
	"context"

	"grimm.is/tripwire/internal/flow"
)

// Vector is the model input: duration, src_bytes, dst_bytes, count, srv_count.
type Vector [flow.NumFeatures]float64

// Verdict is the model output.
type Verdict int

const (
	Benign    Verdict = 0
	Malicious Verdict = 1
)

func (v Verdict) String() string {
	if v == Malicious {
		return "malicious"
	}
	return "benign"
}

// Classifier predicts a verdict for a feature vector. Implementations are
// stateless and safe for concurrent use.
type Classifier interface {
	Predict(ctx context.Context, v Vector) (Verdict, error)
}

// Func adapts a function to the Classifier interface.
type Func func(ctx context.Context, v Vector) (Verdict, error)

// Predict calls f.
func (f Func) Predict(ctx context.Context, v Vector) (Verdict, error) {
	return f(ctx, v)
}

// FromRecord builds the model input for rec.
func FromRecord(rec flow.Record) Vector {
	return Vector(rec.Features())
}
