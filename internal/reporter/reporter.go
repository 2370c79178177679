// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reporter forwards detections to the central dashboard.
//
// Delivery is best effort: a fixed pool of workers drains a bounded queue,
// reports beyond its capacity are dropped, and failed requests are not
// retried.
package reporter

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/go-resty/resty/v2"
	gobreaker "github.com/sony/gobreaker/v2"

	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/flow"
	"grimm.is/tripwire/internal/logging"
)

// Endpoint is the dashboard path reports are posted to.
const Endpoint = "/api/report_attack"

// TimestampLayout matches what the dashboard expects.
const TimestampLayout = time.TimeOnly

// Defaults.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
	DefaultTimeout   = 2 * time.Second
)

// Report is the payload of one detection.
type Report struct {
	AgentID   string  `json:"agent_id"`
	Timestamp string  `json:"timestamp"`
	SrcIP     string  `json:"src_ip"`
	DstIP     string  `json:"dst_ip"`
	Duration  float64 `json:"duration"`
	Count     int     `json:"count"`
	Protocol  string  `json:"protocol"`
}

// Config configures a Reporter.
type Config struct {
	DashboardURL string
	AgentID      string
	Workers      int
	QueueSize    int
	Timeout      time.Duration
}

// Stats are cumulative outcome counts.
type Stats struct {
	Sent     uint64
	Failed   uint64
	Dropped  uint64
	Rejected uint64 // circuit open
}

// Reporter posts reports from a bounded worker pool.
type Reporter struct {
	client  *resty.Client
	agentID string
	cb      *gobreaker.CircuitBreaker[*resty.Response]
	logger  *logging.Logger
	workers int

	mu     sync.RWMutex
	jobs   chan Report
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent     atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
}

// New creates a reporter and starts its workers.
func New(cfg Config, logger *logging.Logger) (*Reporter, error) {
	if cfg.DashboardURL == "" {
		return nil, errors.New(errors.KindConfig, "dashboard URL is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.WithComponent("reporter")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.DashboardURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetDisableWarn(true)
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal

	r := &Reporter{
		client:  client,
		agentID: cfg.AgentID,
		logger:  logger,
		workers: cfg.Workers,
		jobs:    make(chan Report, cfg.QueueSize),
	}

	r.cb = gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "dashboard",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("Dashboard circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	r.ctx, r.cancel = context.WithCancel(context.Background())
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	return r, nil
}

// Submit queues a report for rec without blocking. It returns false when the
// report was dropped.
func (r *Reporter) Submit(rec flow.Record) bool {
	at := rec.ObservedAt
	if at.IsZero() {
		at = time.Now()
	}
	report := Report{
		AgentID:   r.agentID,
		Timestamp: at.Format(TimestampLayout),
		SrcIP:     rec.SrcIP,
		DstIP:     rec.DstIP,
		Duration:  rec.Duration,
		Count:     rec.Count,
		Protocol:  rec.Protocol,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return false
	}

	select {
	case r.jobs <- report:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Debug("Report queue full, dropping", "src_ip", report.SrcIP)
		return false
	}
}

func (r *Reporter) worker() {
	defer r.wg.Done()
	for report := range r.jobs {
		r.send(report)
	}
}

func (r *Reporter) send(report Report) {
	_, err := r.cb.Execute(func() (*resty.Response, error) {
		resp, err := r.client.R().
			SetContext(r.ctx).
			SetBody(report).
			Post(Endpoint)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusBadRequest {
			return resp, errors.Errorf(errors.KindUnavailable, "dashboard returned %d", resp.StatusCode())
		}
		return resp, nil
	})

	switch {
	case err == nil:
		r.sent.Add(1)
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		r.rejected.Add(1)
	default:
		r.failed.Add(1)
		r.logger.Debug("Report failed", "src_ip", report.SrcIP, "error", err)
	}
}

// Stats returns cumulative outcome counts.
func (r *Reporter) Stats() Stats {
	return Stats{
		Sent:     r.sent.Load(),
		Failed:   r.failed.Load(),
		Dropped:  r.dropped.Load(),
		Rejected: r.rejected.Load(),
	}
}

// Close stops accepting reports and waits for queued ones until ctx is
// done; requests still in flight are then cancelled.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return errors.Wrap(ctx.Err(), errors.KindTimeout, "reporter did not drain in time")
	}
}
