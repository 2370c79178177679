// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package detection consumes feature records, classifies them and decides
// on mitigation.
//
// Per record: a whitelisted source is discarded; otherwise the classifier
// runs. A malicious verdict for a source whose reverse DNS name belongs to
// a large CDN or cloud provider whitelists that source instead of acting on
// it. Any other malicious verdict is persisted, reported and, once per
// source, blocked.
package detection

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/tripwire/internal/classifier"
	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/events"
	"grimm.is/tripwire/internal/flow"
	"grimm.is/tripwire/internal/logging"
	"grimm.is/tripwire/internal/metrics"
	"grimm.is/tripwire/internal/queue"
	"grimm.is/tripwire/internal/resolver"
	"grimm.is/tripwire/internal/store"
)

// BlockReason is recorded for every block decided by the classifier.
const BlockReason = "ML High Confidence Detection"

// ExemptPrefix starts the whitelist description of an exempted source.
const ExemptPrefix = "Auto-Safe: "

// ProviderTokens mark reverse DNS names of providers whose addresses are
// never blocked.
var ProviderTokens = []string{"google", "facebook", "microsoft", "1e100", "akamai", "cloudfront", "fastly"}

// Store persists detections and exemptions.
type Store interface {
	LogAttack(ctx context.Context, a store.Attack) error
	AddWhitelist(ctx context.Context, ip, description string) error
}

// Whitelist answers and extends source membership.
type Whitelist interface {
	IsWhitelisted(ctx context.Context, ip string) bool
	Add(ip string)
}

// Resolver maps an address to its PTR name.
type Resolver interface {
	LookupAddr(ctx context.Context, ip string) (string, error)
}

// Reporter forwards detections without blocking.
type Reporter interface {
	Submit(rec flow.Record) bool
}

// Enforcer blocks a source at most once.
type Enforcer interface {
	Block(ctx context.Context, ip, reason string) bool
	IsBlocked(ip string) bool
}

// Publisher receives detection events for live subscribers.
type Publisher interface {
	Publish(ev events.Event)
}

// Source yields records to classify.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (flow.Record, error)
}

// Outcome is what Process decided for a record.
type Outcome int

const (
	OutcomeWhitelisted Outcome = iota
	OutcomeBenign
	OutcomeClassifierError
	OutcomeExempted
	OutcomeMitigated      // block path ran
	OutcomeAlreadyBlocked // detection recorded, block path skipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWhitelisted:
		return "whitelisted"
	case OutcomeBenign:
		return "benign"
	case OutcomeClassifierError:
		return "classifier_error"
	case OutcomeExempted:
		return "exempted"
	case OutcomeMitigated:
		return "mitigated"
	case OutcomeAlreadyBlocked:
		return "already_blocked"
	default:
		return "unknown"
	}
}

// Config tunes the worker pool.
type Config struct {
	Workers       int
	PollInterval  time.Duration
	LookupTimeout time.Duration
}

// Deps are the engine's collaborators. Classifier, Whitelist and Enforcer
// are required.
type Deps struct {
	Classifier classifier.Classifier
	Whitelist  Whitelist
	Enforcer   Enforcer
	Store      Store
	Resolver   Resolver
	Reporter   Reporter
	Events     Publisher
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// Engine runs the decision pipeline. It is safe for concurrent use; all
// mutable state lives in its collaborators.
type Engine struct {
	cfg        Config
	classifier classifier.Classifier
	whitelist  Whitelist
	enforcer   Enforcer
	store      Store
	resolver   Resolver
	reporter   Reporter
	events     Publisher
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

// NewEngine validates deps and creates an engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Classifier == nil || deps.Whitelist == nil || deps.Enforcer == nil {
		return nil, errors.New(errors.KindConfig, "detection engine needs a classifier, a whitelist and an enforcer")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = resolver.DefaultTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = logging.WithComponent("detection")
	}

	return &Engine{
		cfg:        cfg,
		classifier: deps.Classifier,
		whitelist:  deps.Whitelist,
		enforcer:   deps.Enforcer,
		store:      deps.Store,
		resolver:   deps.Resolver,
		reporter:   deps.Reporter,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}, nil
}

// Run starts the workers and blocks until ctx is done or src is closed and
// drained.
func (e *Engine) Run(ctx context.Context, src Source) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return e.worker(ctx, id, src)
		})
	}
	return g.Wait()
}

func (e *Engine) worker(ctx context.Context, id int, src Source) error {
	e.logger.Debug("Worker started", "worker", id)
	defer e.logger.Debug("Worker stopped", "worker", id)

	for {
		rec, err := src.Pop(ctx, e.cfg.PollInterval)
		switch {
		case err == nil:
			e.Process(ctx, rec)
		case errors.Is(err, queue.ErrEmpty):
			continue
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			return errors.Wrap(err, errors.KindInternal, "record source failed")
		}
	}
}

// Process runs the full decision for one record.
func (e *Engine) Process(ctx context.Context, rec flow.Record) Outcome {
	if e.whitelist.IsWhitelisted(ctx, rec.SrcIP) {
		e.metrics.Whitelisted.Inc()
		return OutcomeWhitelisted
	}

	start := time.Now()
	verdict, err := e.classifier.Predict(ctx, classifier.FromRecord(rec))
	e.metrics.ClassifyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.Classified.WithLabelValues(metrics.VerdictError).Inc()
		e.logger.Warn("Classification failed, skipping record", "src_ip", rec.SrcIP, "error", err)
		return OutcomeClassifierError
	}
	if verdict != classifier.Malicious {
		e.metrics.Classified.WithLabelValues(metrics.VerdictBenign).Inc()
		return OutcomeBenign
	}
	e.metrics.Classified.WithLabelValues(metrics.VerdictMalicious).Inc()

	hostname := e.lookup(ctx, rec.SrcIP)
	if IsProviderHost(hostname) {
		e.exempt(ctx, rec.SrcIP, hostname)
		return OutcomeExempted
	}

	return e.mitigate(ctx, rec, hostname)
}

func (e *Engine) lookup(ctx context.Context, ip string) string {
	if e.resolver == nil {
		return resolver.Unknown
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()

	name, err := e.resolver.LookupAddr(ctx, ip)
	if err != nil || name == "" {
		return resolver.Unknown
	}
	return name
}

// IsProviderHost reports whether hostname belongs to an exempt provider.
func IsProviderHost(hostname string) bool {
	if hostname == "" || hostname == resolver.Unknown {
		return false
	}
	h := strings.ToLower(hostname)
	for _, token := range ProviderTokens {
		if strings.Contains(h, token) {
			return true
		}
	}
	return false
}

func (e *Engine) exempt(ctx context.Context, ip, hostname string) {
	e.logger.Info("Skipping block for provider address", "src_ip", ip, "hostname", hostname)

	if e.store != nil {
		if err := e.store.AddWhitelist(ctx, ip, ExemptPrefix+hostname); err != nil {
			e.metrics.StoreErrors.WithLabelValues("add_whitelist").Inc()
			e.logger.Error("Failed to persist exemption", "src_ip", ip, "error", err)
		}
	}
	e.whitelist.Add(ip)
	e.metrics.Exempted.Inc()
	e.publish(events.Event{Type: events.TypeExempt, SrcIP: ip, Hostname: hostname})
}

func (e *Engine) publish(ev events.Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

func (e *Engine) mitigate(ctx context.Context, rec flow.Record, hostname string) Outcome {
	e.logger.Warn("Attack detected",
		"src_ip", rec.SrcIP,
		"dst_ip", rec.DstIP,
		"protocol", rec.Protocol,
		"count", rec.Count,
		"hostname", hostname)

	if e.store != nil {
		at := rec.ObservedAt
		if at.IsZero() {
			at = time.Now()
		}
		err := e.store.LogAttack(ctx, store.Attack{
			Timestamp: at,
			SrcIP:     rec.SrcIP,
			DstIP:     rec.DstIP,
			Duration:  rec.Duration,
			Count:     rec.Count,
			Protocol:  rec.Protocol,
			Status:    store.StatusBlocked,
		})
		if err != nil {
			e.metrics.StoreErrors.WithLabelValues("log_attack").Inc()
			e.logger.Error("Failed to persist detection", "src_ip", rec.SrcIP, "error", err)
		}
	}

	if e.reporter != nil {
		e.reporter.Submit(rec)
	}
	e.publish(events.Event{
		Type:     events.TypeAttack,
		Time:     rec.ObservedAt,
		SrcIP:    rec.SrcIP,
		DstIP:    rec.DstIP,
		Protocol: rec.Protocol,
		Count:    rec.Count,
		Hostname: hostname,
	})

	if e.enforcer.IsBlocked(rec.SrcIP) {
		return OutcomeAlreadyBlocked
	}
	if !e.enforcer.Block(ctx, rec.SrcIP, BlockReason) {
		return OutcomeAlreadyBlocked
	}
	e.metrics.Blocks.Inc()
	e.publish(events.Event{Type: events.TypeBlock, SrcIP: rec.SrcIP, Hostname: hostname, Reason: BlockReason})
	return OutcomeMitigated
}
