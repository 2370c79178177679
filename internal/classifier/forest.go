// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"context"
	"io"
	"os"

	"github.com/goccy/go-json"

	"grimm.is/tripwire/internal/errors"
)

// Tree is one decision tree in array form. Node i is a leaf when
// ChildrenLeft[i] is -1; otherwise samples with x[Feature[i]] <= Threshold[i]
// go left. Value[i] holds the per-class weights at node i.
type Tree struct {
	ChildrenLeft  []int       `json:"children_left"`
	ChildrenRight []int       `json:"children_right"`
	Feature       []int       `json:"feature"`
	Threshold     []float64   `json:"threshold"`
	Value         [][]float64 `json:"value"`
}

// Forest is an ensemble of trees. Per-tree class probabilities are averaged
// and the most probable class wins; ties go to Benign.
type Forest struct {
	Trees []Tree `json:"trees"`
}

// LoadForest reads a JSON-exported forest from path.
func LoadForest(path string) (*Forest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to open model %s", path)
	}
	defer f.Close()

	forest, err := DecodeForest(f)
	if err != nil {
		return nil, errors.Attr(err, "path", path)
	}
	return forest, nil
}

// DecodeForest parses and validates a forest.
func DecodeForest(r io.Reader) (*Forest, error) {
	var forest Forest
	if err := json.NewDecoder(r).Decode(&forest); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to decode model")
	}
	if err := forest.validate(); err != nil {
		return nil, err
	}
	return &forest, nil
}

func (f *Forest) validate() error {
	if len(f.Trees) == 0 {
		return errors.New(errors.KindConfig, "model has no trees")
	}
	for ti, t := range f.Trees {
		n := len(t.ChildrenLeft)
		if n == 0 || len(t.ChildrenRight) != n || len(t.Feature) != n || len(t.Threshold) != n || len(t.Value) != n {
			return errors.Errorf(errors.KindConfig, "tree %d: inconsistent node arrays", ti)
		}
		for i := 0; i < n; i++ {
			l, r := t.ChildrenLeft[i], t.ChildrenRight[i]
			if l == -1 {
				if len(t.Value[i]) < 2 {
					return errors.Errorf(errors.KindConfig, "tree %d node %d: leaf needs two class weights", ti, i)
				}
				continue
			}
			// Children must come after their parent, which also rules out cycles.
			if l <= i || l >= n || r <= i || r >= n {
				return errors.Errorf(errors.KindConfig, "tree %d node %d: child index out of range", ti, i)
			}
			if ft := t.Feature[i]; ft < 0 || ft >= len(Vector{}) {
				return errors.Errorf(errors.KindConfig, "tree %d node %d: feature %d out of range", ti, i, ft)
			}
		}
	}
	return nil
}

// Predict evaluates every tree.
func (f *Forest) Predict(ctx context.Context, v Vector) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Benign, err
	}

	var benign, malicious float64
	for i := range f.Trees {
		b, m := f.Trees[i].leaf(v)
		benign += b
		malicious += m
	}

	if malicious > benign {
		return Malicious, nil
	}
	return Benign, nil
}

// leaf walks t and returns the normalized class weights of the reached leaf.
func (t *Tree) leaf(v Vector) (benign, malicious float64) {
	i := 0
	for t.ChildrenLeft[i] != -1 {
		if v[t.Feature[i]] <= t.Threshold[i] {
			i = t.ChildrenLeft[i]
		} else {
			i = t.ChildrenRight[i]
		}
	}

	w := t.Value[i]
	total := w[0] + w[1]
	if total <= 0 {
		return 0, 0
	}
	return w[0] / total, w[1] / total
}
