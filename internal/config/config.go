// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the tripwire configuration schema.
//
// The same schema loads from HCL and from JSON (HCL's JSON syntax), so a
// plain config.json of the form
//
//	{
//	  "enable_firewall_block": true,
//	  "enable_desktop_notifications": true,
//	  "whitelist": ["192.168.1.1"],
//	  "cloud_config": {"dashboard_url": "http://dash:5000", "agent_id": "lab-1"}
//	}
//
// is a valid configuration.
package config

import "time"

// Defaults.
const (
	DefaultWindow           = 2 * time.Second
	DefaultFlowTTL          = 5 * time.Minute
	DefaultSweepInterval    = 30 * time.Second
	DefaultWhitelistRefresh = 10 * time.Second
	DefaultPollInterval     = time.Second
	DefaultQueueSize        = 10000
	DefaultWorkers          = 1

	DefaultSnaplen = 1600

	DefaultStorePath = "data/ids_database.db"
	DefaultModelPath = "model/ids_model.json"

	DefaultClassifierTimeout = time.Second
	DefaultResolverTimeout   = 2 * time.Second

	DefaultReportWorkers   = 4
	DefaultReportQueueSize = 256
	DefaultReportTimeout   = 2 * time.Second
)

// Config is the top-level configuration.
type Config struct {
	EnableFirewallBlock        bool     `hcl:"enable_firewall_block,optional" json:"enable_firewall_block"`
	EnableDesktopNotifications bool     `hcl:"enable_desktop_notifications,optional" json:"enable_desktop_notifications"`
	Whitelist                  []string `hcl:"whitelist,optional" json:"whitelist,omitempty" validate:"dive,ip"`
	LogLevel                   string   `hcl:"log_level,optional" json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`

	Cloud         *CloudConfig         `hcl:"cloud_config,block" json:"cloud_config,omitempty"`
	Detection     *DetectionConfig     `hcl:"detection,block" json:"detection,omitempty"`
	Capture       *CaptureConfig       `hcl:"capture,block" json:"capture,omitempty"`
	Store         *StoreConfig         `hcl:"store,block" json:"store,omitempty"`
	Classifier    *ClassifierConfig    `hcl:"classifier,block" json:"classifier,omitempty"`
	Resolver      *ResolverConfig      `hcl:"resolver,block" json:"resolver,omitempty"`
	Notifications *NotificationsConfig `hcl:"notifications,block" json:"notifications,omitempty"`
	Metrics       *MetricsConfig       `hcl:"metrics,block" json:"metrics,omitempty"`
}

// CloudConfig configures reporting to the central dashboard. Reporting is
// disabled when DashboardURL is empty.
type CloudConfig struct {
	DashboardURL string `hcl:"dashboard_url,optional" json:"dashboard_url,omitempty" validate:"omitempty,url"`
	AgentID      string `hcl:"agent_id,optional" json:"agent_id,omitempty"`

	Workers   int    `hcl:"workers,optional" json:"workers,omitempty" validate:"gte=0"`
	QueueSize int    `hcl:"queue_size,optional" json:"queue_size,omitempty" validate:"gte=0"`
	Timeout   string `hcl:"timeout,optional" json:"timeout,omitempty" validate:"omitempty,duration"`
}

// DetectionConfig tunes flow aggregation and the worker pipeline.
type DetectionConfig struct {
	Window           string `hcl:"window,optional" json:"window,omitempty" validate:"omitempty,duration"`
	FlowTTL          string `hcl:"flow_ttl,optional" json:"flow_ttl,omitempty" validate:"omitempty,duration"`
	SweepInterval    string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty" validate:"omitempty,duration"`
	WhitelistRefresh string `hcl:"whitelist_refresh,optional" json:"whitelist_refresh,omitempty" validate:"omitempty,duration"`
	PollInterval     string `hcl:"poll_interval,optional" json:"poll_interval,omitempty" validate:"omitempty,duration"`
	QueueSize        int    `hcl:"queue_size,optional" json:"queue_size,omitempty" validate:"gte=0"`
	Workers          int    `hcl:"workers,optional" json:"workers,omitempty" validate:"gte=0,lte=64"`
}

// CaptureConfig selects the packet source. PcapFile, when set, replays a
// capture file instead of listening on Interface.
type CaptureConfig struct {
	Interface   string `hcl:"interface,optional" json:"interface,omitempty"`
	PcapFile    string `hcl:"pcap_file,optional" json:"pcap_file,omitempty"`
	BPFFilter   string `hcl:"bpf_filter,optional" json:"bpf_filter,omitempty"`
	Snaplen     int    `hcl:"snaplen,optional" json:"snaplen,omitempty" validate:"gte=0,lte=262144"`
	Promiscuous *bool  `hcl:"promiscuous,optional" json:"promiscuous,omitempty"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `hcl:"path,optional" json:"path,omitempty"`
}

// Classifier types.
const (
	ClassifierForest = "forest"
	ClassifierRemote = "remote"
)

// ClassifierConfig selects the model.
type ClassifierConfig struct {
	Type      string `hcl:"type,optional" json:"type,omitempty" validate:"omitempty,oneof=forest remote"`
	ModelPath string `hcl:"model_path,optional" json:"model_path,omitempty"`
	URL       string `hcl:"url,optional" json:"url,omitempty" validate:"omitempty,url"`
	Timeout   string `hcl:"timeout,optional" json:"timeout,omitempty" validate:"omitempty,duration"`
}

// ResolverConfig configures reverse DNS. With no nameservers the system
// resolv.conf is used.
type ResolverConfig struct {
	Nameservers []string `hcl:"nameservers,optional" json:"nameservers,omitempty"`
	Timeout     string   `hcl:"timeout,optional" json:"timeout,omitempty" validate:"omitempty,duration"`
}

// NotificationsConfig configures local alerts.
type NotificationsConfig struct {
	Channels []NotificationChannel `hcl:"channel,block" json:"channel,omitempty" validate:"dive"`
}

// NotificationChannel defines a notification destination.
type NotificationChannel struct {
	Name       string `hcl:"name,label" json:"name"`
	Type       string `hcl:"type" json:"type" validate:"oneof=log desktop webhook slack discord ntfy"`
	Level      string `hcl:"level,optional" json:"level,omitempty" validate:"omitempty,oneof=info warning critical"`
	Disabled   bool   `hcl:"disabled,optional" json:"disabled,omitempty"`
	WebhookURL string `hcl:"webhook_url,optional" json:"webhook_url,omitempty" validate:"omitempty,url"`
	Server     string `hcl:"server,optional" json:"server,omitempty" validate:"omitempty,url"`
	Topic      string `hcl:"topic,optional" json:"topic,omitempty"`
	Token      string `hcl:"token,optional" json:"token,omitempty"`
}

// MetricsConfig enables the status server. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty" validate:"omitempty,hostname_port"`
}
