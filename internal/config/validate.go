// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"grimm.is/tripwire/internal/errors"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(fl.Field().String())
			return err == nil && d > 0
		})
	})
	return validate
}

// Validate checks field constraints and cross-field rules. The returned
// error is KindConfig and lists every violation.
func (c *Config) Validate() error {
	var problems []string

	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if c.Classifier != nil {
		switch c.Classifier.Type {
		case ClassifierRemote:
			if c.Classifier.URL == "" {
				problems = append(problems, "classifier: url is required for the remote classifier")
			}
		case ClassifierForest, "":
			if c.Classifier.ModelPath == "" {
				problems = append(problems, "classifier: model_path is required for the forest classifier")
			}
		}
	}

	if c.Capture != nil && c.Capture.Interface != "" && c.Capture.PcapFile != "" {
		problems = append(problems, "capture: interface and pcap_file are mutually exclusive")
	}

	if c.Notifications != nil {
		seen := make(map[string]bool)
		for _, ch := range c.Notifications.Channels {
			if seen[ch.Name] {
				problems = append(problems, fmt.Sprintf("notifications: duplicate channel %q", ch.Name))
			}
			seen[ch.Name] = true

			switch ch.Type {
			case "webhook", "slack", "discord":
				if ch.WebhookURL == "" {
					problems = append(problems, fmt.Sprintf("notifications.channel.%s: webhook_url is required", ch.Name))
				}
			case "ntfy":
				if ch.Topic == "" {
					problems = append(problems, fmt.Sprintf("notifications.channel.%s: topic is required", ch.Name))
				}
			}
		}
	}

	if len(problems) > 0 {
		return errors.Attr(
			errors.Errorf(errors.KindConfig, "invalid config: %s", strings.Join(problems, "; ")),
			"problems", len(problems))
	}
	return nil
}

// duration parses s, returning def when s is empty or invalid. Values are
// validated at load time.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// WindowDuration is the sliding connection window.
func (d *DetectionConfig) WindowDuration() time.Duration { return duration(d.Window, DefaultWindow) }

// FlowTTLDuration is the idle timeout of a flow.
func (d *DetectionConfig) FlowTTLDuration() time.Duration { return duration(d.FlowTTL, DefaultFlowTTL) }

// SweepIntervalDuration is the minimum time between idle-flow sweeps.
func (d *DetectionConfig) SweepIntervalDuration() time.Duration {
	return duration(d.SweepInterval, DefaultSweepInterval)
}

// WhitelistRefreshDuration is the whitelist cache refresh interval.
func (d *DetectionConfig) WhitelistRefreshDuration() time.Duration {
	return duration(d.WhitelistRefresh, DefaultWhitelistRefresh)
}

// PollIntervalDuration bounds one queue wait.
func (d *DetectionConfig) PollIntervalDuration() time.Duration {
	return duration(d.PollInterval, DefaultPollInterval)
}

// TimeoutDuration bounds one report request.
func (c *CloudConfig) TimeoutDuration() time.Duration { return duration(c.Timeout, DefaultReportTimeout) }

// TimeoutDuration bounds one prediction.
func (c *ClassifierConfig) TimeoutDuration() time.Duration {
	return duration(c.Timeout, DefaultClassifierTimeout)
}

// TimeoutDuration bounds one PTR query.
func (c *ResolverConfig) TimeoutDuration() time.Duration {
	return duration(c.Timeout, DefaultResolverTimeout)
}

// PromiscuousMode reports whether to open the interface in promiscuous mode.
func (c *CaptureConfig) PromiscuousMode() bool {
	return c.Promiscuous == nil || *c.Promiscuous
}
