// Package config loads the agent configuration from file, environment and
// defaults. The loaded Config is an immutable value passed to the engine.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/eliteGoblin/focusd/exam_guard/internal/daemon"
	"github.com/eliteGoblin/focusd/exam_guard/internal/dispatch"
	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/policy"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. EXAMGUARD_MONITOR_INTERVAL.
	EnvPrefix = "EXAMGUARD"

	// FileName is the config file base name searched for without --config.
	FileName = "examguard"

	DefaultAPIListen     = "127.0.0.1:7878"
	DefaultNATSPrefix    = "examguard"
	DefaultInventoryWait = 2 * time.Second
)

// Config is the complete agent configuration.
type Config struct {
	DataDir    string          `mapstructure:"data_dir"`
	LogFile    string          `mapstructure:"log_file"`
	Elevation  ElevationConfig `mapstructure:"elevation"`
	Inventory  InventoryConfig `mapstructure:"inventory"`
	Policy     PolicyConfig    `mapstructure:"policy"`
	Sweep      SweepConfig     `mapstructure:"sweep"`
	Monitor    MonitorConfig   `mapstructure:"monitor"`
	Network    NetworkConfig   `mapstructure:"network"`
	Dispatcher dispatch.Config `mapstructure:"dispatcher"`
	API        APIConfig       `mapstructure:"api"`
	NATS       NATSConfig      `mapstructure:"nats"`
}

type ElevationConfig struct {
	Required     bool   `mapstructure:"required"`
	RelaunchPath string `mapstructure:"relaunch_path"`
}

type InventoryConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	WindowTitles bool          `mapstructure:"window_titles"`
}

type PolicyConfig struct {
	Builtin           []string                 `mapstructure:"builtin"`
	Rules             []domain.PolicySignature `mapstructure:"rules"`
	Exemptions        []domain.PolicySignature `mapstructure:"exemptions"`
	File              string                   `mapstructure:"file"`
	CaptureSignatures []string                 `mapstructure:"capture_signatures"`
}

type SweepConfig struct {
	PerProcessTimeout time.Duration `mapstructure:"per_process_timeout"`
}

type MonitorConfig struct {
	Interval                time.Duration   `mapstructure:"interval"`
	DisplayEscalationCycles int             `mapstructure:"display_escalation_cycles"`
	KillOnDetect            bool            `mapstructure:"kill_on_detect"`
	VMProbe                 bool            `mapstructure:"vm_probe"`
	VMSeverity              domain.Severity `mapstructure:"vm_severity"`
	HeartbeatInterval       time.Duration   `mapstructure:"heartbeat_interval"`
}

type NetworkConfig struct {
	Enabled         bool               `mapstructure:"enabled"`
	Interval        time.Duration      `mapstructure:"interval"`
	Weights         map[string]float64 `mapstructure:"weights"`
	MediumThreshold float64            `mapstructure:"medium_threshold"`
	HighThreshold   float64            `mapstructure:"high_threshold"`
	HistorySize     int                `mapstructure:"history_size"`
	ExpectedDNS     []string           `mapstructure:"expected_dns"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// NATSConfig configures the optional event forwarder. An empty URL disables it.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// setDefaults registers every key, which also makes each one overridable
// from the environment.
func setDefaults(v *viper.Viper) {
	monitor := daemon.DefaultMonitorConfig()
	network := daemon.DefaultNetRiskConfig()

	v.SetDefault("data_dir", "")
	v.SetDefault("log_file", "")

	v.SetDefault("elevation.required", false)
	v.SetDefault("elevation.relaunch_path", "")

	v.SetDefault("inventory.timeout", DefaultInventoryWait)
	v.SetDefault("inventory.window_titles", true)

	v.SetDefault("policy.builtin", []string{"remote_access", "screen_capture", "vpn", "messaging"})
	v.SetDefault("policy.rules", []domain.PolicySignature{})
	v.SetDefault("policy.exemptions", []domain.PolicySignature{})
	v.SetDefault("policy.file", "")
	v.SetDefault("policy.capture_signatures", policy.DefaultCaptureSignatures)

	v.SetDefault("sweep.per_process_timeout", time.Second)

	v.SetDefault("monitor.interval", monitor.Interval)
	v.SetDefault("monitor.display_escalation_cycles", monitor.DisplayEscalationCycles)
	v.SetDefault("monitor.kill_on_detect", monitor.KillOnDetect)
	v.SetDefault("monitor.vm_probe", monitor.VMProbe)
	v.SetDefault("monitor.vm_severity", string(monitor.VMSeverity))
	v.SetDefault("monitor.heartbeat_interval", monitor.HeartbeatInterval)

	v.SetDefault("network.enabled", true)
	v.SetDefault("network.interval", network.Interval)
	weights := make(map[string]any, len(network.Weights))
	for name, w := range network.Weights {
		weights[name] = w
	}
	v.SetDefault("network.weights", weights)
	v.SetDefault("network.medium_threshold", network.MediumThreshold)
	v.SetDefault("network.high_threshold", network.HighThreshold)
	v.SetDefault("network.history_size", network.HistorySize)
	v.SetDefault("network.expected_dns", []string{})

	v.SetDefault("dispatcher.debounce_window", dispatch.DefaultDebounceWindow)
	v.SetDefault("dispatcher.subscriber_buffer", dispatch.DefaultSubscriberBuffer)
	v.SetDefault("dispatcher.debounce_capacity", dispatch.DefaultDebounceCapacity)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", DefaultAPIListen)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", DefaultNATSPrefix)
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	cfg, err := load(viper.New(), "", nil, false)
	if err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

// Load reads configuration. An explicit path must exist; otherwise
// examguard.{yaml,yml,json} is looked up in searchDirs and is optional.
// Environment variables (EXAMGUARD_SECTION_KEY) override both.
func Load(path string, searchDirs ...string) (Config, error) {
	return load(viper.New(), path, searchDirs, true)
}

func load(v *viper.Viper, path string, searchDirs []string, env bool) (Config, error) {
	setDefaults(v)

	if env {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	case len(searchDirs) > 0:
		v.SetConfigName(FileName)
		for _, dir := range searchDirs {
			if dir != "" {
				v.AddConfigPath(dir)
			}
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Network.Weights = canonicalWeights(cfg.Network.Weights)
	return cfg, nil
}

var signalNames = []string{
	daemon.SignalVPNProcess,
	daemon.SignalProxyConfigured,
	daemon.SignalUnexpectedDNS,
	daemon.SignalInterfaceCountChanged,
	daemon.SignalTunnelInterface,
}

// canonicalWeights restores signal name casing; viper lowercases map keys.
// Unknown names are kept lowercased so Validate can report them.
func canonicalWeights(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, w := range in {
		name := strings.ToLower(k)
		for _, s := range signalNames {
			if strings.EqualFold(s, k) {
				name = s
				break
			}
		}
		out[name] = w
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	positive("inventory.timeout", c.Inventory.Timeout)
	positive("sweep.per_process_timeout", c.Sweep.PerProcessTimeout)
	positive("monitor.interval", c.Monitor.Interval)
	positive("monitor.heartbeat_interval", c.Monitor.HeartbeatInterval)
	positive("network.interval", c.Network.Interval)

	if c.Monitor.DisplayEscalationCycles < 1 {
		errs = multierr.Append(errs, fmt.Errorf("monitor.display_escalation_cycles must be at least 1, got %d",
			c.Monitor.DisplayEscalationCycles))
	}
	if !c.Monitor.VMSeverity.Valid() {
		errs = multierr.Append(errs, fmt.Errorf("monitor.vm_severity %q is not warning or critical", c.Monitor.VMSeverity))
	}

	if c.Network.MediumThreshold <= 0 || c.Network.MediumThreshold >= c.Network.HighThreshold || c.Network.HighThreshold > 1 {
		errs = multierr.Append(errs, fmt.Errorf("network thresholds must satisfy 0 < medium (%v) < high (%v) <= 1",
			c.Network.MediumThreshold, c.Network.HighThreshold))
	}
	if c.Network.HistorySize < 1 {
		errs = multierr.Append(errs, fmt.Errorf("network.history_size must be at least 1, got %d", c.Network.HistorySize))
	}
	for name, w := range c.Network.Weights {
		if !isSignal(name) {
			errs = multierr.Append(errs, fmt.Errorf("network.weights: unknown signal %q", name))
		}
		if w < 0 {
			errs = multierr.Append(errs, fmt.Errorf("network.weights.%s must not be negative, got %v", name, w))
		}
	}

	if c.Dispatcher.DebounceWindow < 0 {
		errs = multierr.Append(errs, fmt.Errorf("dispatcher.debounce_window must not be negative, got %s",
			c.Dispatcher.DebounceWindow))
	}
	if c.Dispatcher.SubscriberBuffer < 1 {
		errs = multierr.Append(errs, fmt.Errorf("dispatcher.subscriber_buffer must be at least 1, got %d",
			c.Dispatcher.SubscriberBuffer))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = multierr.Append(errs, errors.New("api.listen is required when the API is enabled"))
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		errs = multierr.Append(errs, errors.New("nats.subject_prefix is required when nats.url is set"))
	}
	return errs
}

func isSignal(name string) bool {
	return slices.Contains(signalNames, name)
}

// PolicyConfigFor returns the policy configuration of a session protecting
// the given PIDs.
func (c Config) PolicyConfigFor(protected ...int) policy.Config {
	return policy.Config{
		Rules:         c.Policy.Rules,
		Exemptions:    c.Policy.Exemptions,
		Builtin:       c.Policy.Builtin,
		File:          c.Policy.File,
		ProtectedPIDs: protected,
	}
}

func (c Config) MonitorConfig() daemon.MonitorConfig {
	return daemon.MonitorConfig{
		Interval:                c.Monitor.Interval,
		DisplayEscalationCycles: c.Monitor.DisplayEscalationCycles,
		KillOnDetect:            c.Monitor.KillOnDetect,
		VMProbe:                 c.Monitor.VMProbe,
		VMSeverity:              c.Monitor.VMSeverity,
		HeartbeatInterval:       c.Monitor.HeartbeatInterval,
	}
}

func (c Config) NetRiskConfig() daemon.NetRiskConfig {
	return daemon.NetRiskConfig{
		Interval:        c.Network.Interval,
		Weights:         c.Network.Weights,
		MediumThreshold: c.Network.MediumThreshold,
		HighThreshold:   c.Network.HighThreshold,
		HistorySize:     c.Network.HistorySize,
		ExpectedDNS:     c.Network.ExpectedDNS,
	}
}
