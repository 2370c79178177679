// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tripwire/internal/classifier"
	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/store"
)

func fixed(name string, s Status) Checker {
	return Checker{Name: name, Fn: func(context.Context) (Status, string) { return s, name }}
}

func TestRun_WorstStatusWins(t *testing.T) {
	r := Run(context.Background(), fixed("a", StatusHealthy), fixed("b", StatusDegraded), fixed("c", StatusHealthy))
	assert.Equal(t, StatusDegraded, r.Status)
	assert.True(t, r.Healthy())
	require.Len(t, r.Checks, 3)
	assert.Equal(t, "b", r.Checks[1].Name)
	assert.False(t, r.Checks[1].LastChecked.IsZero())

	r = Run(context.Background(), fixed("a", StatusUnhealthy), fixed("b", StatusDegraded))
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.False(t, r.Healthy())
}

func TestCheckStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	path := filepath.Join(dir, "ids.db")

	r := Run(context.Background(), CheckStore(path))
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Contains(t, r.Checks[0].Message, "will be created on start")
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "check must not create the store")

	s, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.LogAttack(context.Background(), store.Attack{SrcIP: "203.0.113.7", Protocol: "TCP"}))
	require.NoError(t, s.Close())

	r = Run(context.Background(), CheckStore(path))
	assert.Equal(t, StatusHealthy, r.Status, r.Checks[0].Message)
	assert.Contains(t, r.Checks[0].Message, "1 attacks")
}

func TestCheckStore_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.db")
	require.NoError(t, os.WriteFile(path, []byte("not sqlite"), 0o600))

	r := Run(context.Background(), CheckStore(path))
	assert.Equal(t, StatusUnhealthy, r.Status)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "not sqlite", string(data))
}

func TestCheckModel(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"trees":[{
		"children_left":[-1],"children_right":[-1],"feature":[-2],
		"threshold":[-2],"value":[[3,1]]}]}`), 0o600))

	r := Run(context.Background(), CheckModel(good))
	assert.Equal(t, StatusHealthy, r.Status, r.Checks[0].Message)
	assert.Contains(t, r.Checks[0].Message, "1 trees")

	r = Run(context.Background(), CheckModel(filepath.Join(dir, "missing.json")))
	assert.Equal(t, StatusUnhealthy, r.Status)
}

func TestCheckClassifier(t *testing.T) {
	ok := classifier.Func(func(context.Context, classifier.Vector) (classifier.Verdict, error) {
		return classifier.Benign, nil
	})
	down := classifier.Func(func(context.Context, classifier.Vector) (classifier.Verdict, error) {
		return classifier.Benign, errors.New(errors.KindUnavailable, "connection refused")
	})

	assert.Equal(t, StatusHealthy, Run(context.Background(), CheckClassifier(ok)).Status)
	assert.Equal(t, StatusUnhealthy, Run(context.Background(), CheckClassifier(down)).Status)
}

func TestCheckFirewall_Disabled(t *testing.T) {
	r := Run(context.Background(), CheckFirewall(false), CheckConntrack(false))
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, "blocking disabled", r.Checks[0].Message)
}
