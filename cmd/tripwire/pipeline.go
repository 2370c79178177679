// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"time"

	"github.com/gopacket/gopacket/pcap"
	"golang.org/x/sync/errgroup"

	"grimm.is/tripwire/internal/capture"
	"grimm.is/tripwire/internal/classifier"
	"grimm.is/tripwire/internal/clock"
	"grimm.is/tripwire/internal/config"
	"grimm.is/tripwire/internal/detection"
	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/events"
	"grimm.is/tripwire/internal/firewall"
	"grimm.is/tripwire/internal/flow"
	"grimm.is/tripwire/internal/logging"
	"grimm.is/tripwire/internal/metrics"
	"grimm.is/tripwire/internal/notification"
	"grimm.is/tripwire/internal/queue"
	"grimm.is/tripwire/internal/reporter"
	"grimm.is/tripwire/internal/resolver"
	"grimm.is/tripwire/internal/store"
	"grimm.is/tripwire/internal/whitelist"
)

// shutdownGrace bounds how long in-flight reports may take on exit.
const shutdownGrace = 5 * time.Second

// pipeline owns every long-lived component of the agent.
type pipeline struct {
	cfg    *config.Config
	logger *logging.Logger

	store      *store.Store
	metrics    *metrics.Metrics
	queue      *queue.Queue
	handle     *pcap.Handle
	capturer   *capture.Capturer
	engine     *detection.Engine
	enforcer   *firewall.Enforcer
	dispatcher *notification.Dispatcher
	reporter   *reporter.Reporter
	server     *metrics.Server
	hub        *events.Hub
}

// newPipeline builds the agent. Any error is fatal; components opened so
// far are released before returning.
func newPipeline(cfg *config.Config, logger *logging.Logger, pcapFile string) (_ *pipeline, err error) {
	p := &pipeline{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			p.close()
		}
	}()

	if p.store, err = store.Open(cfg.Store.Path); err != nil {
		return nil, err
	}

	clf, err := newClassifier(cfg.Classifier)
	if err != nil {
		return nil, err
	}

	var fw firewall.Firewall
	switch {
	case !cfg.EnableFirewallBlock:
	case replaying(cfg, pcapFile):
		// Replayed traffic is historical and the firewall table is shared
		// with any live agent on this host.
		logger.Info("Replay is detect-only, firewall blocking disabled")
	default:
		if fw, err = firewall.NewPlatform(logger.WithComponent("firewall")); err != nil {
			if errors.IsFatal(err) {
				return nil, err
			}
			logger.Warn("Firewall blocking unavailable, continuing in detect-only mode", "error", err)
			fw = nil
		}
	}

	p.dispatcher = notification.NewDispatcher(cfg.Notifications, cfg.EnableDesktopNotifications,
		logger.WithComponent("notification"), clock.Real)
	p.enforcer = firewall.NewEnforcer(p.store, p.dispatcher, fw, p.metrics, logger.WithComponent("enforcer"), clock.Real)

	cache := whitelist.New(cfg.Whitelist, p.store, cfg.Detection.WhitelistRefreshDuration(),
		clock.Real, logger.WithComponent("whitelist"))
	if err := cache.Refresh(context.Background()); err != nil {
		logger.Warn("Initial whitelist load failed, using static entries", "error", err)
	}

	res, err := resolver.New(cfg.Resolver.Nameservers, cfg.Resolver.TimeoutDuration())
	if err != nil {
		if !errors.IsRecoverable(err) {
			return nil, err
		}
		logger.Warn("Reverse DNS unavailable, provider exemption disabled", "error", err)
		res = nil
	}

	var rep detection.Reporter
	if cfg.Cloud.DashboardURL != "" {
		if p.reporter, err = reporter.New(reporter.Config{
			DashboardURL: cfg.Cloud.DashboardURL,
			AgentID:      cfg.Cloud.AgentID,
			Workers:      cfg.Cloud.Workers,
			QueueSize:    cfg.Cloud.QueueSize,
			Timeout:      cfg.Cloud.TimeoutDuration(),
		}, logger.WithComponent("reporter")); err != nil {
			return nil, err
		}
		rep = p.reporter
	}

	if cfg.Metrics != nil && cfg.Metrics.Listen != "" {
		p.hub = events.NewHub(nil, logger.WithComponent("events"))
	}

	deps := detection.Deps{
		Classifier: clf,
		Whitelist:  cache,
		Enforcer:   p.enforcer,
		Store:      p.store,
		Reporter:   rep,
		Metrics:    p.metrics,
		Logger:     logger.WithComponent("detection"),
	}
	if res != nil {
		deps.Resolver = res
		logger.Debug("Reverse DNS enabled", "nameservers", res.Servers())
	}
	if p.hub != nil {
		deps.Events = p.hub
	}
	if p.engine, err = detection.NewEngine(detection.Config{
		Workers:       cfg.Detection.Workers,
		PollInterval:  cfg.Detection.PollIntervalDuration(),
		LookupTimeout: cfg.Resolver.TimeoutDuration(),
	}, deps); err != nil {
		return nil, err
	}

	p.queue = queue.New(cfg.Detection.QueueSize)
	if err := p.openCapture(pcapFile); err != nil {
		return nil, err
	}

	p.registerMetrics(cache)
	if cfg.Metrics != nil && cfg.Metrics.Listen != "" {
		p.server = metrics.NewServer(cfg.Metrics.Listen, p.metrics, p.store, p.enforcer.Blocked,
			logger.WithComponent("metrics"))
		p.server.HandleEvents(p.hub)
	}

	p.banner(pcapFile, fw)
	return p, nil
}

// replaying reports whether the pipeline reads a capture file instead of a
// live interface.
func replaying(cfg *config.Config, pcapFile string) bool {
	return pcapFile != "" || cfg.Capture.PcapFile != ""
}

func newClassifier(cfg *config.ClassifierConfig) (classifier.Classifier, error) {
	switch cfg.Type {
	case config.ClassifierRemote:
		return classifier.NewRemote(cfg.URL, cfg.TimeoutDuration()), nil
	default:
		return classifier.LoadForest(cfg.ModelPath)
	}
}

func (p *pipeline) openCapture(pcapFile string) error {
	capCfg := p.cfg.Capture
	if pcapFile == "" {
		pcapFile = capCfg.PcapFile
	}

	trackerCfg := flow.Config{
		Window:        p.cfg.Detection.WindowDuration(),
		FlowTTL:       p.cfg.Detection.FlowTTLDuration(),
		SweepInterval: p.cfg.Detection.SweepIntervalDuration(),
	}
	opts := capture.Options{Metrics: p.metrics, Logger: p.logger.WithComponent("capture")}

	var err error
	if pcapFile != "" {
		if p.handle, err = capture.OpenFile(pcapFile, capCfg.BPFFilter); err != nil {
			return err
		}
		mock := clock.NewMockClock(time.Time{})
		opts.Clock = mock
		opts.Backpressure = true
		p.capturer = capture.New(p.handle, p.handle.LinkType(), flow.NewTracker(trackerCfg, mock), p.queue, opts)
		return nil
	}

	if p.handle, err = capture.OpenLive(capture.LiveConfig{
		Interface:   capCfg.Interface,
		BPFFilter:   capCfg.BPFFilter,
		Snaplen:     capCfg.Snaplen,
		Promiscuous: capCfg.PromiscuousMode(),
	}); err != nil {
		return err
	}
	p.capturer = capture.New(p.handle, p.handle.LinkType(), flow.NewTracker(trackerCfg, clock.Real), p.queue, opts)
	return nil
}

func (p *pipeline) registerMetrics(cache *whitelist.Cache) {
	m := p.metrics
	m.GaugeFunc("queue_depth", "Records waiting for classification.", func() float64 {
		return float64(p.queue.Len())
	})
	m.CounterFunc("queue_dropped_total", "Records discarded because the queue was full.", func() float64 {
		_, dropped := p.queue.Stats()
		return float64(dropped)
	})
	m.GaugeFunc("whitelist_entries", "Whitelisted addresses.", func() float64 {
		return float64(cache.Len())
	})
	m.GaugeFunc("blocked_sources", "Sources blocked since start.", func() float64 {
		return float64(p.enforcer.Len())
	})
	if p.hub != nil {
		m.GaugeFunc("event_subscribers", "Connected live event subscribers.", func() float64 {
			return float64(p.hub.Clients())
		})
		m.CounterFunc("events_published_total", "Detection events published to subscribers.", func() float64 {
			published, _ := p.hub.Stats()
			return float64(published)
		})
		m.CounterFunc("event_drops_total", "Events not delivered because a subscriber was too slow.", func() float64 {
			_, dropped := p.hub.Stats()
			return float64(dropped)
		})
	}
	m.CounterFunc("notifications_dropped_total", "Notifications dropped by the dispatcher.", func() float64 {
		_, dropped := p.dispatcher.Stats()
		return float64(dropped)
	})
	if p.reporter != nil {
		m.CounterFunc("reports_sent_total", "Detections delivered to the dashboard.", func() float64 {
			return float64(p.reporter.Stats().Sent)
		})
		m.CounterFunc("reports_failed_total", "Dashboard deliveries that failed.", func() float64 {
			s := p.reporter.Stats()
			return float64(s.Failed + s.Rejected)
		})
		m.CounterFunc("reports_dropped_total", "Detections not reported because the pool was full.", func() float64 {
			return float64(p.reporter.Stats().Dropped)
		})
	}
}

func (p *pipeline) banner(pcapFile string, fw firewall.Firewall) {
	source := "live"
	if replaying(p.cfg, pcapFile) {
		source = "replay"
	}
	firewallName := "disabled"
	if fw != nil {
		firewallName = fw.Name()
	}
	reporting := "disabled"
	if p.reporter != nil {
		reporting = p.cfg.Cloud.DashboardURL
	}

	channels := make([]string, 0, len(p.dispatcher.Channels()))
	for _, ch := range p.dispatcher.Channels() {
		channels = append(channels, ch.Name)
	}

	p.logger.Info("Starting tripwire",
		"source", source,
		"firewall_block", p.enforcer.FirewallEnabled(),
		"firewall", firewallName,
		"notifications", p.dispatcher.Enabled(),
		"notification_channels", channels,
		"store", p.cfg.Store.Path,
		"classifier", p.cfg.Classifier.Type,
		"workers", p.cfg.Detection.Workers,
		"reporting", reporting,
		"agent_id", p.cfg.Cloud.AgentID)
}

// run drives the pipeline until ctx is cancelled or a replay is exhausted,
// then shuts everything down.
func (p *pipeline) run(ctx context.Context) error {
	defer p.close()

	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	g.Go(func() error {
		defer p.queue.Close()
		return p.capturer.Run(gctx)
	})
	g.Go(func() error {
		defer stopAux()
		return p.engine.Run(gctx, p.queue)
	})
	g.Go(func() error {
		return p.dispatcher.Run(auxCtx)
	})
	if p.server != nil {
		g.Go(func() error {
			return p.server.Run(auxCtx)
		})
	}

	err := g.Wait()

	stats := p.capturer.Stats()
	_, dropped := p.queue.Stats()
	ruleFailures, blockWriteFailures := p.enforcer.Failures()
	p.logger.Info("Pipeline stopped",
		"packets", stats.Packets,
		"records", stats.Records,
		"queue_dropped", dropped,
		"blocked", p.enforcer.Len(),
		"rule_failures", ruleFailures,
		"block_write_failures", blockWriteFailures)
	return err
}

// close releases resources in dependency order. The store goes last.
func (p *pipeline) close() {
	if p.reporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := p.reporter.Close(ctx); err != nil {
			p.logger.Warn("Reporter did not drain in time", "error", err)
		}
		cancel()
	}
	if p.hub != nil {
		p.hub.Close()
	}
	if p.handle != nil {
		p.handle.Close()
	}
	if p.enforcer != nil {
		if err := p.enforcer.Close(); err != nil {
			p.logger.Warn("Failed to close firewall", "error", err)
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Warn("Failed to close store", "error", err)
		}
	}
}
