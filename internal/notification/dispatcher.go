// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package notification delivers local alerts (desktop, log, webhook, ntfy).
package notification

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"grimm.is/tripwire/internal/clock"
	"grimm.is/tripwire/internal/config"
	"grimm.is/tripwire/internal/logging"
)

// Level constants
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

const (
	// dedupWindow suppresses repeats of the same alert on a channel.
	dedupWindow = 60 * time.Second
	queueSize   = 64
)

// Notification represents a notification event
type Notification struct {
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// CommandRunner runs an external notifier such as notify-send.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Dispatcher fans notifications out to the configured channels.
type Dispatcher struct {
	channels []config.NotificationChannel
	enabled  bool
	logger   *logging.Logger
	clock    clock.Clock

	mu       sync.Mutex
	lastSent map[string]time.Time

	// Caps bursts across all channels.
	limiter *rate.Limiter

	client     *resty.Client
	runCommand CommandRunner

	events  chan Notification
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewDispatcher creates a dispatcher. With enabled set and no channels
// configured it alerts through the log and the desktop.
func NewDispatcher(cfg *config.NotificationsConfig, enabled bool, logger *logging.Logger, clk clock.Clock) *Dispatcher {
	if logger == nil {
		logger = logging.Default().WithComponent("notification")
	}
	if clk == nil {
		clk = clock.Real
	}

	var channels []config.NotificationChannel
	if cfg != nil {
		for _, ch := range cfg.Channels {
			if !ch.Disabled {
				channels = append(channels, ch)
			}
		}
	}
	if enabled && len(channels) == 0 {
		channels = []config.NotificationChannel{
			{Name: "log", Type: "log"},
			{Name: "desktop", Type: "desktop"},
		}
	}

	return &Dispatcher{
		channels:   channels,
		enabled:    enabled,
		logger:     logger,
		clock:      clk,
		lastSent:   make(map[string]time.Time),
		limiter:    rate.NewLimiter(rate.Every(time.Second), 10),
		client:     resty.New().SetTimeout(10 * time.Second).SetDisableWarn(true),
		runCommand: runCommand,
		events:     make(chan Notification, queueSize),
	}
}

// Enabled reports whether notifications are delivered at all.
func (d *Dispatcher) Enabled() bool {
	return d.enabled
}

// Channels returns the active channels.
func (d *Dispatcher) Channels() []config.NotificationChannel {
	return d.channels
}

// Stats returns delivered and dropped counts.
func (d *Dispatcher) Stats() (sent, dropped uint64) {
	return d.sent.Load(), d.dropped.Load()
}

// Run delivers queued notifications until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case n := <-d.events:
			d.Send(ctx, n)
		case <-ctx.Done():
			return nil
		}
	}
}

// Notify queues n for Run without blocking. When the queue is full the
// notification is dropped.
func (d *Dispatcher) Notify(n Notification) {
	if !d.enabled {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = d.clock.Now()
	}
	select {
	case d.events <- n:
	default:
		d.dropped.Add(1)
		d.logger.Warn("Notification queue full, dropping", "title", n.Title)
	}
}

// SendSimple queues a notification built from its parts.
func (d *Dispatcher) SendSimple(title, message, level string) {
	d.Notify(Notification{
		Title:   title,
		Message: message,
		Level:   level,
	})
}

// Send dispatches n to all relevant channels and waits for delivery.
func (d *Dispatcher) Send(ctx context.Context, n Notification) {
	if !d.enabled {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = d.clock.Now()
	}

	var wg sync.WaitGroup
	for _, ch := range d.channels {
		if !shouldSend(n.Level, ch.Level) {
			continue
		}
		switch d.admit(ch.Name, n) {
		case admitDuplicate:
			d.logger.Debug("Notification rate limited", "channel", ch.Name, "title", n.Title)
			continue
		case admitBurst:
			d.dropped.Add(1)
			d.logger.Warn("Notification burst limit reached, dropping", "channel", ch.Name, "title", n.Title)
			continue
		}

		wg.Add(1)
		go func(channel config.NotificationChannel) {
			defer wg.Done()
			if err := d.sendToChannel(ctx, channel, n); err != nil {
				d.logger.Error("Failed to send notification",
					"channel", channel.Name,
					"type", channel.Type,
					"error", err)
				return
			}
			d.sent.Add(1)
		}(ch)
	}
	wg.Wait()
}

type admission int

const (
	admitOK admission = iota
	admitDuplicate
	admitBurst
)

// admit decides whether n goes out on channelName. Repeats of the same
// alert within the dedup window are suppressed, then the burst limiter
// applies. Only admitted alerts start a dedup window.
func (d *Dispatcher) admit(channelName string, n Notification) admission {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := channelName + "\x00" + n.Title + "\x00" + n.Message
	now := d.clock.Now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < dedupWindow {
		return admitDuplicate
	}
	if !d.limiter.AllowN(now, 1) {
		return admitBurst
	}

	if len(d.lastSent) > 1000 {
		for k, t := range d.lastSent {
			if now.Sub(t) >= dedupWindow {
				delete(d.lastSent, k)
			}
		}
	}
	d.lastSent[key] = now
	return admitOK
}

// shouldSend checks if a message level meets the channel's minimum level
func shouldSend(msgLevel, chanLevel string) bool {
	if chanLevel == "" {
		return true
	}

	levels := map[string]int{
		LevelInfo:     1,
		LevelWarning:  2,
		LevelCritical: 3,
	}
	return levels[strings.ToLower(msgLevel)] >= levels[strings.ToLower(chanLevel)]
}

func (d *Dispatcher) sendToChannel(ctx context.Context, ch config.NotificationChannel, n Notification) error {
	switch strings.ToLower(ch.Type) {
	case "log":
		d.logger.Warn(n.Title, "message", n.Message, "level", n.Level)
		return nil
	case "desktop":
		return d.sendDesktop(ctx, n)
	case "webhook", "slack", "discord":
		return d.sendWebhook(ctx, ch, n)
	case "ntfy":
		return d.sendNtfy(ctx, ch, n)
	default:
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
}

func (d *Dispatcher) sendDesktop(ctx context.Context, n Notification) error {
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd":
		urgency := "normal"
		if n.Level == LevelCritical {
			urgency = "critical"
		}
		return d.runCommand(ctx, "notify-send", "-a", "tripwire", "-u", urgency, n.Title, n.Message)
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", n.Message, n.Title)
		return d.runCommand(ctx, "osascript", "-e", script)
	default:
		return fmt.Errorf("desktop notifications are not supported on %s", runtime.GOOS)
	}
}

func (d *Dispatcher) sendWebhook(ctx context.Context, ch config.NotificationChannel, n Notification) error {
	if ch.WebhookURL == "" {
		return fmt.Errorf("missing webhook_url")
	}

	var payload map[string]any
	switch ch.Type {
	case "discord":
		payload = map[string]any{"content": fmt.Sprintf("**%s**\n%s", n.Title, n.Message)}
	case "slack":
		payload = map[string]any{"text": fmt.Sprintf("*%s*\n%s\n_Level: %s_", n.Title, n.Message, n.Level)}
	default:
		payload = map[string]any{
			"text":      fmt.Sprintf("*%s*\n%s\n_Level: %s_", n.Title, n.Message, n.Level),
			"title":     n.Title,
			"message":   n.Message,
			"level":     n.Level,
			"timestamp": n.Timestamp.UTC().Format(time.RFC3339),
		}
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(ch.WebhookURL)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode())
	}
	return nil
}

func (d *Dispatcher) sendNtfy(ctx context.Context, ch config.NotificationChannel, n Notification) error {
	if ch.Topic == "" {
		return fmt.Errorf("missing topic for ntfy")
	}
	server := ch.Server
	if server == "" {
		server = "https://ntfy.sh"
	}

	req := d.client.R().
		SetContext(ctx).
		SetHeader("Title", n.Title).
		SetBody(n.Message)

	switch n.Level {
	case LevelCritical:
		req.SetHeader("Priority", "high").SetHeader("Tags", "rotating_light")
	case LevelWarning:
		req.SetHeader("Priority", "default").SetHeader("Tags", "warning")
	case LevelInfo:
		req.SetHeader("Priority", "low").SetHeader("Tags", "information_source")
	}
	if ch.Token != "" {
		req.SetAuthToken(ch.Token)
	}

	resp, err := req.Post(strings.TrimRight(server, "/") + "/" + ch.Topic)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("ntfy failed with status: %d", resp.StatusCode())
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
