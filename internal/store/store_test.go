// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tripwire/internal/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "ids.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenReadOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	path := filepath.Join(dir, "ids.db")

	_, err := OpenReadOnly(path)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.LogAttack(context.Background(), Attack{SrcIP: "203.0.113.7", Protocol: "TCP"}))
	require.NoError(t, s.Close())

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()

	attacks, blocked, err := ro.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, attacks)
	assert.Zero(t, blocked)
	assert.Error(t, ro.LogBlock(context.Background(), "203.0.113.7", "test"))
}

func TestStore_LogAttack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 12, 30, 15, 0, time.Local)
	require.NoError(t, s.LogAttack(ctx, Attack{
		Timestamp: ts,
		SrcIP:     "203.0.113.7",
		DstIP:     "192.168.1.10",
		Duration:  1.5,
		Count:     12,
		Protocol:  "TCP",
		Status:    StatusBlocked,
	}))
	require.NoError(t, s.LogAttack(ctx, Attack{SrcIP: "203.0.113.8", Protocol: "UDP"}))

	attacks, err := s.RecentAttacks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attacks, 2)

	// Newest first
	assert.Equal(t, "203.0.113.8", attacks[0].SrcIP)
	assert.Equal(t, StatusDetected, attacks[0].Status)
	assert.False(t, attacks[0].Timestamp.IsZero())

	assert.Equal(t, "203.0.113.7", attacks[1].SrcIP)
	assert.Equal(t, "192.168.1.10", attacks[1].DstIP)
	assert.Equal(t, 1.5, attacks[1].Duration)
	assert.Equal(t, 12, attacks[1].Count)
	assert.Equal(t, StatusBlocked, attacks[1].Status)
	assert.True(t, ts.Equal(attacks[1].Timestamp))
}

func TestStore_RecentAttacksLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.LogAttack(ctx, Attack{SrcIP: "198.51.100.1"}))
	}

	attacks, err := s.RecentAttacks(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, attacks, 3)
}

func TestStore_LogBlockUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogBlock(ctx, "203.0.113.7", "first"))
	require.NoError(t, s.LogBlock(ctx, "203.0.113.7", "second"))
	require.NoError(t, s.LogBlock(ctx, "203.0.113.9", "other"))

	attacks, blocked, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, attacks)
	assert.Equal(t, 2, blocked)
}

func TestStore_Whitelist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	set, err := s.GetWhitelist(ctx)
	require.NoError(t, err)
	assert.Empty(t, set)

	require.NoError(t, s.AddWhitelist(ctx, "10.0.0.5", ""))
	require.NoError(t, s.AddWhitelist(ctx, "52.84.1.1", "Auto-Safe: server-52-84-1-1.cloudfront.net"))
	require.NoError(t, s.AddWhitelist(ctx, "10.0.0.5", "Office gateway"))

	set, err = s.GetWhitelist(ctx)
	require.NoError(t, err)
	assert.Len(t, set, 2)
	assert.Contains(t, set, "10.0.0.5")
	assert.Contains(t, set, "52.84.1.1")

	entries, err := s.WhitelistDetails(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	descs := map[string]string{}
	for _, e := range entries {
		descs[e.IP] = e.Description
	}
	assert.Equal(t, "Office gateway", descs["10.0.0.5"])
	assert.Equal(t, "Auto-Safe: server-52-84-1-1.cloudfront.net", descs["52.84.1.1"])
}

func TestStore_AttackHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 15, 0, 0, time.Local)
	for i, offset := range []time.Duration{0, 10 * time.Second, 50 * time.Second, time.Minute + 5*time.Second} {
		require.NoError(t, s.LogAttack(ctx, Attack{
			Timestamp: base.Add(offset),
			SrcIP:     "203.0.113.7",
			Count:     i,
		}))
	}

	history, err := s.AttackHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []HistoryPoint{
		{Time: "09:15", Count: 3},
		{Time: "09:16", Count: 1},
	}, history)
}

func TestStore_ConcurrentWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, s.LogAttack(ctx, Attack{SrcIP: "198.51.100.2"}))
			}
		}()
	}
	wg.Wait()

	attacks, _, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, attacks)
}
