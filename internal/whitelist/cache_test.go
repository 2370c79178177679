// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package whitelist

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tripwire/internal/clock"
	"grimm.is/tripwire/internal/logging"
)

type fakeSource struct {
	mu      sync.Mutex
	entries map[string]struct{}
	err     error
	calls   int
}

func (f *fakeSource) GetWhitelist(ctx context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]struct{}, len(f.entries))
	for k := range f.entries {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeSource) set(entries map[string]struct{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
	f.err = err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func TestCache_StaticAndProvider(t *testing.T) {
	c := New([]string{"10.0.0.5"}, nil, time.Second, clock.NewMockClock(time.Unix(0, 0)), quietLogger())
	ctx := context.Background()

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.5", true},
		{"10.0.0.6", false},
		{"142.250.1.1", true},
		{"142.251.255.254", true},
		{"142.252.0.1", false},
		{"::ffff:142.250.3.4", true},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, c.IsWhitelisted(ctx, tt.ip))
		})
	}
}

func TestCache_RefreshesAfterInterval(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	src := &fakeSource{entries: map[string]struct{}{"198.51.100.1": {}}}
	c := New(nil, src, 10*time.Second, clk, quietLogger())
	ctx := context.Background()

	assert.True(t, c.IsWhitelisted(ctx, "198.51.100.1"))
	assert.Equal(t, 1, src.callCount())

	src.set(map[string]struct{}{"198.51.100.2": {}}, nil)

	// Within the interval the old entries stay.
	clk.Advance(5 * time.Second)
	assert.True(t, c.IsWhitelisted(ctx, "198.51.100.1"))
	assert.False(t, c.IsWhitelisted(ctx, "198.51.100.2"))
	assert.Equal(t, 1, src.callCount())

	clk.Advance(6 * time.Second)
	assert.True(t, c.IsWhitelisted(ctx, "198.51.100.2"))
	assert.False(t, c.IsWhitelisted(ctx, "198.51.100.1"))
	assert.Equal(t, 2, src.callCount())
}

func TestCache_KeepsLastKnownGood(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	src := &fakeSource{entries: map[string]struct{}{"198.51.100.1": {}}}
	c := New(nil, src, time.Second, clk, quietLogger())
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx))

	src.set(nil, errors.New("database is locked"))
	clk.Advance(2 * time.Second)

	assert.True(t, c.IsWhitelisted(ctx, "198.51.100.1"))
	assert.Equal(t, 2, src.callCount())
}

func TestCache_FirstFailureIsStaticOnly(t *testing.T) {
	src := &fakeSource{err: errors.New("no such table")}
	c := New([]string{"10.0.0.5"}, src, time.Second, clock.NewMockClock(time.Unix(0, 0)), quietLogger())
	ctx := context.Background()

	assert.Error(t, c.Refresh(ctx))
	assert.True(t, c.IsWhitelisted(ctx, "10.0.0.5"))
	assert.False(t, c.IsWhitelisted(ctx, "198.51.100.1"))
}

func TestCache_AddSurvivesRefresh(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	src := &fakeSource{entries: map[string]struct{}{}}
	c := New(nil, src, time.Second, clk, quietLogger())
	ctx := context.Background()

	assert.False(t, c.IsWhitelisted(ctx, "52.84.1.1"))
	c.Add("52.84.1.1")
	assert.True(t, c.IsWhitelisted(ctx, "52.84.1.1"))

	clk.Advance(2 * time.Second)
	assert.True(t, c.IsWhitelisted(ctx, "52.84.1.1"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_Concurrent(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	src := &fakeSource{entries: map[string]struct{}{"198.51.100.1": {}}}
	c := New([]string{"10.0.0.5"}, src, time.Millisecond, clk, quietLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clk.Advance(time.Millisecond)
				c.IsWhitelisted(ctx, "198.51.100.1")
				c.Add("203.0.113.1")
			}
		}()
	}
	wg.Wait()

	assert.True(t, c.IsWhitelisted(ctx, "203.0.113.1"))
	assert.True(t, c.IsWhitelisted(ctx, "10.0.0.5"))
}
