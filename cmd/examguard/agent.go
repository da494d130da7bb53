package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/exam_guard/internal/config"
	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/engine"
	"github.com/eliteGoblin/focusd/exam_guard/internal/infra"
	"github.com/eliteGoblin/focusd/exam_guard/internal/metrics"
	"github.com/eliteGoblin/focusd/exam_guard/internal/policy"
)

// configSearchDirs are tried in order when --config is not given.
var configSearchDirs = []string{".", "/etc/examguard"}

// agent holds the wired OS collaborators shared by every command.
type agent struct {
	cfg       config.Config
	logger    *zap.Logger
	inventory *infra.ProcessInventoryImpl
	killer    *infra.ProcessKillerImpl
	privilege *infra.PrivilegeManagerImpl
	topology  *infra.CommandTopology
	host      *infra.GopsutilHost
	vm        *infra.HostVMProbe
	network   *infra.NetworkCollector
	registry  domain.SessionRegistry
	metrics   *metrics.Metrics
	engine    *engine.Engine
}

func newAgent(path string) (*agent, error) {
	cfg, err := config.Load(path, configSearchDirs...)
	if err != nil {
		return nil, err
	}
	logger := createLogger(cfg.LogFile, verbose)

	runner := infra.NewCommandRunner()
	var titles domain.WindowTitleSource
	if cfg.Inventory.WindowTitles {
		titles = infra.NewWindowTitleSource(runner)
	}
	inventory := infra.NewProcessInventory(titles, cfg.Inventory.Timeout, logger)
	privilege := infra.NewPrivilegeManager(logger, cfg.Elevation.RelaunchPath)

	if cfg.DataDir == "" {
		cfg.DataDir = infra.DefaultDataDir(privilege.ExecMode(context.Background()))
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}
	registry, err := infra.OpenSessionRegistry(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session registry: %w", err)
	}

	a := &agent{
		cfg:       cfg,
		logger:    logger,
		inventory: inventory,
		killer:    infra.NewProcessKiller(),
		privilege: privilege,
		topology:  infra.NewTopologyProvider(runner),
		host:      infra.NewHostDescriber(logger),
		vm:        infra.NewVMProbe(),
		registry:  registry,
		metrics:   metrics.New(),
	}

	deps := engine.Deps{
		Inventory: a.inventory,
		Killer:    a.killer,
		Privilege: a.privilege,
		Topology:  a.topology,
		Host:      a.host,
		VM:        a.vm,
		Registry:  a.registry,
		Metrics:   a.metrics,
		Logger:    logger,
	}
	if cfg.Network.Enabled {
		a.network = infra.NewNetworkCollector(inventory, policy.ProcessNames(policy.NewVPNSet()), logger)
		deps.Network = a.network
	}
	a.engine = engine.New(deps)
	// The elevated relaunch takes over the host; end our session first.
	privilege.OnExit(func() { stopSession(a) })
	return a, nil
}

// Close releases the registry and flushes the logger.
func (a *agent) Close() {
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("failed to close session registry", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// createLogger logs JSON to logFile, or to stderr when unset. verbose
// switches to a development logger on stderr.
func createLogger(logFile string, verbose bool) *zap.Logger {
	if verbose {
		if logger, err := zap.NewDevelopment(); err == nil {
			return logger
		}
	}
	logCfg := zap.NewProductionConfig()
	if logFile != "" {
		logCfg.OutputPaths = []string{logFile}
		logCfg.ErrorOutputPaths = []string{logFile}
	}
	logCfg.EncoderConfig.TimeKey = "time"
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := logCfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
