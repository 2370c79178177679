// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tripwire/internal/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile_LegacyJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"enable_firewall_block": true,
		"enable_desktop_notifications": false,
		"whitelist": ["192.168.1.1", "10.0.0.5"],
		"cloud_config": {
			"dashboard_url": "http://192.168.1.50:5000",
			"agent_id": "lab-sensor-1"
		}
	}`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.EnableFirewallBlock)
	assert.False(t, cfg.EnableDesktopNotifications)
	assert.Equal(t, []string{"192.168.1.1", "10.0.0.5"}, cfg.Whitelist)
	assert.Equal(t, "http://192.168.1.50:5000", cfg.Cloud.DashboardURL)
	assert.Equal(t, "lab-sensor-1", cfg.Cloud.AgentID)

	// Defaults
	assert.Equal(t, DefaultWindow, cfg.Detection.WindowDuration())
	assert.Equal(t, DefaultQueueSize, cfg.Detection.QueueSize)
	assert.Equal(t, DefaultWorkers, cfg.Detection.Workers)
	assert.Equal(t, DefaultStorePath, cfg.Store.Path)
	assert.Equal(t, ClassifierForest, cfg.Classifier.Type)
	assert.Equal(t, DefaultModelPath, cfg.Classifier.ModelPath)
	assert.Equal(t, DefaultReportWorkers, cfg.Cloud.Workers)
	assert.Equal(t, DefaultReportTimeout, cfg.Cloud.TimeoutDuration())
	assert.True(t, cfg.Capture.PromiscuousMode())
}

func TestLoadFile_HCL(t *testing.T) {
	path := writeFile(t, "tripwire.hcl", `
enable_firewall_block = true
whitelist = ["10.0.0.5"]
log_level = "debug"

cloud_config {
  dashboard_url = "https://dash.example.com"
  workers       = 2
  timeout       = "500ms"
}

detection {
  window        = "5s"
  flow_ttl      = "1m"
  poll_interval = "250ms"
  workers       = 3
}

capture {
  interface   = "eth0"
  bpf_filter  = "ip and not port 22"
  promiscuous = false
}

classifier {
  type    = "remote"
  url     = "http://127.0.0.1:8500"
  timeout = "300ms"
}

resolver {
  nameservers = ["1.1.1.1"]
}

notifications {
  channel "desk" {
    type = "desktop"
  }
  channel "phone" {
    type  = "ntfy"
    topic = "tripwire-alerts"
    level = "critical"
  }
}

metrics {
  listen = "127.0.0.1:9400"
}
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Cloud.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Cloud.TimeoutDuration())
	assert.Equal(t, 5*time.Second, cfg.Detection.WindowDuration())
	assert.Equal(t, time.Minute, cfg.Detection.FlowTTLDuration())
	assert.Equal(t, DefaultSweepInterval, cfg.Detection.SweepIntervalDuration())
	assert.Equal(t, 250*time.Millisecond, cfg.Detection.PollIntervalDuration())
	assert.Equal(t, 3, cfg.Detection.Workers)
	assert.Equal(t, "eth0", cfg.Capture.Interface)
	assert.False(t, cfg.Capture.PromiscuousMode())
	assert.Equal(t, ClassifierRemote, cfg.Classifier.Type)
	assert.Empty(t, cfg.Classifier.ModelPath)
	assert.Equal(t, 300*time.Millisecond, cfg.Classifier.TimeoutDuration())
	assert.Equal(t, []string{"1.1.1.1"}, cfg.Resolver.Nameservers)
	require.Len(t, cfg.Notifications.Channels, 2)
	assert.Equal(t, "phone", cfg.Notifications.Channels[1].Name)
	assert.Equal(t, "127.0.0.1:9400", cfg.Metrics.Listen)
}

func TestApplyDefaults_GeneratesAgentID(t *testing.T) {
	cfg := Default()
	_, err := uuid.Parse(cfg.Cloud.AgentID)
	assert.NoError(t, err)

	id := cfg.Cloud.AgentID
	cfg.ApplyDefaults()
	assert.Equal(t, id, cfg.Cloud.AgentID)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		hcl  string
	}{
		{"bad whitelist ip", `whitelist = ["not-an-ip"]`},
		{"bad dashboard url", "cloud_config {\n dashboard_url = \"::nope\"\n}"},
		{"bad duration", "detection {\n window = \"fast\"\n}"},
		{"negative duration", "detection {\n window = \"-1s\"\n}"},
		{"remote without url", "classifier {\n type = \"remote\"\n}"},
		{"unknown classifier", "classifier {\n type = \"svm\"\n}"},
		{"interface and file", "capture {\n interface = \"eth0\"\n pcap_file = \"x.pcap\"\n}"},
		{"ntfy without topic", "notifications {\n channel \"a\" {\n type = \"ntfy\"\n }\n}"},
		{"unknown channel type", "notifications {\n channel \"a\" {\n type = \"carrier-pigeon\"\n }\n}"},
		{"duplicate channel", "notifications {\n channel \"a\" {\n type = \"log\"\n }\n channel \"a\" {\n type = \"desktop\"\n }\n}"},
		{"unknown attribute", `enable_laser = true`},
		{"syntax error", `whitelist = [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.hcl), "test.hcl")
			require.Error(t, err)
			assert.Equal(t, errors.KindConfig, errors.GetKind(err))
			assert.False(t, errors.IsRecoverable(err))
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoadFile_JSONWithoutExtension(t *testing.T) {
	path := writeFile(t, "tripwire.conf", `{"whitelist": ["10.0.0.5"]}`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, cfg.Whitelist)
}

func TestLoadHCL_EnvFunction(t *testing.T) {
	t.Setenv("TRIPWIRE_NTFY_TOKEN", "tk_secret")
	t.Setenv("TRIPWIRE_DASHBOARD", "http://dashboard.local:5000")

	cfg, err := LoadHCL([]byte(`
cloud_config {
  dashboard_url = env("TRIPWIRE_DASHBOARD")
}

notifications {
  channel "phone" {
    type  = "ntfy"
    topic = "ids"
    token = env("TRIPWIRE_NTFY_TOKEN")
  }
}
`), "tripwire.hcl")
	require.NoError(t, err)
	assert.Equal(t, "http://dashboard.local:5000", cfg.Cloud.DashboardURL)
	require.Len(t, cfg.Notifications.Channels, 1)
	assert.Equal(t, "tk_secret", cfg.Notifications.Channels[0].Token)
}
