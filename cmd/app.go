package cmd

import (
	"fmt"
	"time"

	"specter/config"
	"specter/core"
	"specter/events"
	"specter/plugins"
)

// app bundles the long-lived components the commands assemble. Built once per
// process by buildApp after config and database initialization.
type app struct {
	Broker    *events.Broker
	Authority *core.Authority
	Manager   *plugins.Manager
	Deduper   *core.Deduper
	Pipeline  *core.Pipeline
	Proxy     *core.Proxy
}

func buildApp() (*app, error) {
	cfg := config.AppConfig

	broker := events.NewBroker(0)

	authority, err := core.NewAuthority(cfg.Proxy.CACertPath, cfg.Proxy.CAKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize certificate authority: %w", err)
	}

	manager := plugins.NewManager(cfg.Plugins.Dir, plugins.Options{
		CallTimeout:   time.Duration(cfg.Plugins.CallTimeoutSec) * time.Second,
		AllowOutbound: cfg.Plugins.AllowOutbound,
		AutoEnable:    cfg.Plugins.AutoEnable,
	}, broker)
	if err := manager.ScanDirectory(); err != nil {
		return nil, fmt.Errorf("failed to scan plugin directory: %w", err)
	}

	deduper := core.NewDeduper(cfg.Dedup.EvidenceMaxLen, broker)

	pipeline := core.NewPipeline(manager, deduper, broker, core.PipelineConfig{
		QueueSize:   cfg.Scanner.QueueSize,
		Workers:     cfg.Scanner.Workers,
		OrphanTTL:   time.Duration(cfg.Scanner.OrphanTTLSec) * time.Second,
		StatsPeriod: time.Duration(cfg.Scanner.StatsPeriodSec) * time.Second,
	})

	proxy := core.NewProxy(authority, pipeline, broker, core.ProxyConfig{
		MaxPortAttempts: cfg.Proxy.MaxPortAttempts,
		MaxBodyCapture:  cfg.Proxy.MaxBodyCapture,
	})

	return &app{
		Broker:    broker,
		Authority: authority,
		Manager:   manager,
		Deduper:   deduper,
		Pipeline:  pipeline,
		Proxy:     proxy,
	}, nil
}
