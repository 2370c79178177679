// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command tripwire is a host intrusion detection and prevention agent. It
// captures traffic, classifies per-flow feature records with a trained
// model and blocks offending sources in the host firewall.
//
// Usage:
//
//	tripwire [-config path] [run]            live capture
//	tripwire [-config path] replay <pcap>    offline replay
//	tripwire [-config path] check            validate the config and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/tripwire/internal/classifier"
	"grimm.is/tripwire/internal/clock"
	"grimm.is/tripwire/internal/config"
	"grimm.is/tripwire/internal/errors"
	"grimm.is/tripwire/internal/health"
	"grimm.is/tripwire/internal/logging"
	"grimm.is/tripwire/internal/supervisor"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to HCL or JSON config file")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	jsonLogs := flag.Bool("json", false, "Force JSON log output")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	subcmd := "run"
	if len(args) > 0 {
		subcmd = args[0]
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tripwire: %v\n", err)
		return exitConfig
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	if *jsonLogs {
		logCfg.JSON = true
	}
	logger := logging.New(logCfg)
	logging.SetDefault(logger)

	switch subcmd {
	case "check":
		logger.Info("Configuration is valid", "path", *configPath)
		return preflight(cfg, logger)
	case "run":
		return exitCode(logger, runAgent(cfg, logger, ""))
	case "replay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: tripwire replay <pcap-file>")
			return exitConfig
		}
		return exitCode(logger, runAgent(cfg, logger, args[1]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subcmd)
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: tripwire [flags] [command]

Commands:
  run              capture live traffic (default)
  replay <file>    replay a pcap file through the pipeline
  check            validate the configuration and exit

Flags:
`)
	flag.PrintDefaults()
}

// preflight checks every dependency the agent would open on start.
func preflight(cfg *config.Config, logger *logging.Logger) int {
	checks := []health.Checker{health.CheckStore(cfg.Store.Path)}
	if cfg.Classifier.Type == config.ClassifierRemote {
		checks = append(checks, health.CheckClassifier(
			classifier.NewRemote(cfg.Classifier.URL, cfg.Classifier.TimeoutDuration())))
	} else {
		checks = append(checks, health.CheckModel(cfg.Classifier.ModelPath))
	}
	checks = append(checks,
		health.CheckFirewall(cfg.EnableFirewallBlock),
		health.CheckConntrack(cfg.EnableFirewallBlock))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report := health.Run(ctx, checks...)
	for _, c := range report.Checks {
		log := logger.With("check", c.Name, "duration", c.Duration.String())
		switch c.Status {
		case health.StatusHealthy:
			log.Info(c.Message)
		case health.StatusDegraded:
			log.Warn(c.Message)
		default:
			log.Error(c.Message)
		}
	}
	if !report.Healthy() {
		return exitError
	}
	return exitOK
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

func runAgent(cfg *config.Config, logger *logging.Logger, pcapFile string) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Replays are offline analysis and never count toward crash loops.
	if !replaying(cfg, pcapFile) {
		sup, supErr := supervisor.New(filepath.Dir(cfg.Store.Path), supervisor.DefaultConfig(), clock.Real,
			logger.WithComponent("supervisor"))
		if supErr != nil {
			logger.Warn("Crash tracking unavailable", "error", supErr)
		} else {
			if beginErr := sup.Begin(); beginErr != nil {
				logger.Warn("Failed to record run start", "error", beginErr)
			}
			if sup.SafeMode() && cfg.EnableFirewallBlock {
				logger.Warn("Repeated crashes detected, starting in detect-only mode",
					"crashes", sup.Crashes())
				cfg.EnableFirewallBlock = false
			}
			go sup.ResetWhenStable(ctx)
			defer func() {
				r := recover()
				if endErr := sup.End(err, r != nil); endErr != nil {
					logger.Warn("Failed to record run end", "error", endErr)
				}
				if r != nil {
					panic(r)
				}
			}()
		}
	}

	p, err := newPipeline(cfg, logger, pcapFile)
	if err != nil {
		return err
	}
	return p.run(ctx)
}

func exitCode(logger *logging.Logger, err error) int {
	if err == nil {
		return exitOK
	}
	logger.Error("Agent failed", "error", err, "kind", errors.GetKind(err).String())
	if errors.GetKind(err) == errors.KindConfig {
		return exitConfig
	}
	return exitError
}
