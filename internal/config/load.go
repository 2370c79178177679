// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"grimm.is/tripwire/internal/errors"
)

// LoadFile loads, defaults and validates the config at path. Files ending in
// .json use HCL's JSON syntax; anything else is parsed as HCL, falling back
// to JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "failed to read config file %s", path)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = LoadJSON(data, path)
	case ".hcl":
		cfg, err = LoadHCL(data, path)
	default:
		cfg, err = LoadHCL(data, path)
		if err != nil {
			if jsonCfg, jsonErr := LoadJSON(data, path); jsonErr == nil {
				cfg, err = jsonCfg, nil
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadHCL parses HCL native syntax.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	return decode(file, diags)
}

// LoadJSON parses HCL JSON syntax.
func LoadJSON(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseJSON(data, filename)
	return decode(file, diags)
}

func decode(file *hcl.File, diags hcl.Diagnostics) (*Config, error) {
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindConfig, "failed to parse config")
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &cfg); diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindConfig, "failed to decode config")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// evalContext exposes env("NAME") so secrets such as webhook tokens can be
// kept out of the file.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "name", Type: cty.String}},
	Type:   function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Cloud == nil {
		c.Cloud = &CloudConfig{}
	}
	if c.Cloud.AgentID == "" {
		c.Cloud.AgentID = uuid.NewString()
	}
	if c.Cloud.Workers == 0 {
		c.Cloud.Workers = DefaultReportWorkers
	}
	if c.Cloud.QueueSize == 0 {
		c.Cloud.QueueSize = DefaultReportQueueSize
	}

	if c.Detection == nil {
		c.Detection = &DetectionConfig{}
	}
	if c.Detection.QueueSize == 0 {
		c.Detection.QueueSize = DefaultQueueSize
	}
	if c.Detection.Workers == 0 {
		c.Detection.Workers = DefaultWorkers
	}

	if c.Capture == nil {
		c.Capture = &CaptureConfig{}
	}
	if c.Capture.Snaplen == 0 {
		c.Capture.Snaplen = DefaultSnaplen
	}
	if c.Capture.Promiscuous == nil {
		promisc := true
		c.Capture.Promiscuous = &promisc
	}

	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}

	if c.Classifier == nil {
		c.Classifier = &ClassifierConfig{}
	}
	if c.Classifier.Type == "" {
		c.Classifier.Type = ClassifierForest
	}
	if c.Classifier.Type == ClassifierForest && c.Classifier.ModelPath == "" {
		c.Classifier.ModelPath = DefaultModelPath
	}

	if c.Resolver == nil {
		c.Resolver = &ResolverConfig{}
	}
	if c.Notifications == nil {
		c.Notifications = &NotificationsConfig{}
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
}
