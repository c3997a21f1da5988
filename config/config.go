// Package config loads the simulator configuration: controller limits,
// scheduler tuning, the simulated radio and the scenario the CLI runs.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/user/linklayer/ll/advsched"
	"github.com/user/linklayer/ll/conn"
	"github.com/user/linklayer/ll/controller"
	"github.com/user/linklayer/ll/pdu"
	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/ll/sched"
	"github.com/user/linklayer/logger"
)

const defaultYAML = `# llsim configuration
log_level: INFO

controller:
  max_connections: 8
  max_adv_sets: 4
  control_queue_depth: 10
  procedure_timeout: 40s
  instant_offset: 6
  seed: 1

scheduler:
  guard: 300us
  margin: 150us
  lsto_safety: 50ms
  min_scan_window: 2500us
  role_order: [connection, periodic_adv, periodic_sync, advertising, initiator, scan]

radio:
  packet_loss: 0.015
  crc_errors: 0.005
  preempt: 0
  seed: 0

journal:
  enabled: false
  dir: ""

scenario:
  duration: 10s
  advertising:
    - handle: 0
      interval: 100ms
      connectable: true
      name: llsim
  peers:
    - name: remote
      connect_after: 3
      interval: 24
      latency: 0
      timeout: 72
`

// ControllerConfig sets the controller's limits and per-connection settings.
type ControllerConfig struct {
	MaxConnections   int           `yaml:"max_connections"`
	MaxAdvSets       int           `yaml:"max_adv_sets"`
	QueueDepth       int           `yaml:"control_queue_depth"`
	ProcedureTimeout time.Duration `yaml:"procedure_timeout"`
	InstantOffset    int           `yaml:"instant_offset"`
	Seed             int64         `yaml:"seed"`
}

// SchedulerConfig tunes the task scheduler
type SchedulerConfig struct {
	Guard         time.Duration `yaml:"guard"`
	Margin        time.Duration `yaml:"margin"`
	LSTOSafety    time.Duration `yaml:"lsto_safety"`
	MinScanWindow time.Duration `yaml:"min_scan_window"`
	RoleOrder     []string      `yaml:"role_order"`
}

// RadioConfig sets the simulated radio's error rates. A zero seed draws
// from the clock.
type RadioConfig struct {
	PacketLoss float64 `yaml:"packet_loss"`
	CRCErrors  float64 `yaml:"crc_errors"`
	Preempt    float64 `yaml:"preempt"`
	Seed       int64   `yaml:"seed"`
}

// JournalConfig controls the host event journal. An empty dir uses the
// data directory.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// AdvSetConfig is one advertising set of the scenario
type AdvSetConfig struct {
	Handle      uint8         `yaml:"handle"`
	Interval    time.Duration `yaml:"interval"`
	Connectable bool          `yaml:"connectable"`
	Name        string        `yaml:"name"`
	MaxEvents   int           `yaml:"max_events"`
}

// PeerConfig is one remote device of the scenario. Interval and timeout
// are in 1.25ms and 10ms units as on air.
type PeerConfig struct {
	Name         string `yaml:"name"`
	ConnectAfter int    `yaml:"connect_after"`
	Interval     uint16 `yaml:"interval"`
	Latency      uint16 `yaml:"latency"`
	Timeout      uint16 `yaml:"timeout"`
	SilentAfter  int    `yaml:"silent_after"`
}

// ScenarioConfig describes what the simulator runs
type ScenarioConfig struct {
	Duration    time.Duration  `yaml:"duration"`
	Advertising []AdvSetConfig `yaml:"advertising"`
	Peers       []PeerConfig   `yaml:"peers"`
	Scan        bool           `yaml:"scan"`
	// Connect names a peer the controller initiates a connection to
	Connect string `yaml:"connect"`
}

// Config is the whole configuration file
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Controller ControllerConfig `yaml:"controller"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Radio      RadioConfig      `yaml:"radio"`
	Journal    JournalConfig    `yaml:"journal"`
	Scenario   ScenarioConfig   `yaml:"scenario"`
}

// DefaultYAML returns the commented default configuration file
func DefaultYAML() string { return defaultYAML }

// Default returns the default configuration
func Default() *Config {
	var c Config
	if err := yaml.Unmarshal([]byte(defaultYAML), &c); err != nil {
		panic(errors.Wrap(err, "config: default configuration"))
	}
	return &c
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("config", "%s not found, using defaults", path)
			return c, nil
		}
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config: %s", path)
	}
	return c, nil
}

// Save writes the configuration to path
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "config: encode")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "config: write %s", path)
}

// Validate checks ranges and cross references
func (c *Config) Validate() error {
	ctl := c.Controller
	if ctl.MaxConnections <= 0 {
		return errors.Errorf("max_connections must be positive, got %d", ctl.MaxConnections)
	}
	if ctl.MaxAdvSets <= 0 || ctl.MaxAdvSets > advsched.MaxHandle+1 {
		return errors.Errorf("max_adv_sets must be in 1..%d, got %d", advsched.MaxHandle+1, ctl.MaxAdvSets)
	}
	if ctl.QueueDepth <= 0 {
		return errors.Errorf("control_queue_depth must be positive, got %d", ctl.QueueDepth)
	}
	if ctl.ProcedureTimeout <= 0 {
		return errors.Errorf("procedure_timeout must be positive, got %s", ctl.ProcedureTimeout)
	}
	if ctl.InstantOffset < 6 {
		return errors.Errorf("instant_offset must be at least 6, got %d", ctl.InstantOffset)
	}
	for _, name := range c.Scheduler.RoleOrder {
		if _, err := sched.ParseRole(name); err != nil {
			return errors.Wrap(err, "role_order")
		}
	}
	for _, rate := range []float64{c.Radio.PacketLoss, c.Radio.CRCErrors, c.Radio.Preempt} {
		if rate < 0 || rate > 1 {
			return errors.Errorf("radio rates must be in [0,1], got %v", rate)
		}
	}

	handles := make(map[uint8]bool)
	for _, a := range c.Scenario.Advertising {
		if handles[a.Handle] {
			return errors.Errorf("advertising handle %d used twice", a.Handle)
		}
		handles[a.Handle] = true
	}
	names := make(map[string]bool)
	for _, p := range c.Scenario.Peers {
		if p.Name == "" || names[p.Name] {
			return errors.Errorf("peer name %q empty or used twice", p.Name)
		}
		names[p.Name] = true
		if err := p.Params().Validate(); err != nil {
			return errors.Wrapf(err, "peer %s", p.Name)
		}
	}
	if c.Scenario.Connect != "" && !names[c.Scenario.Connect] {
		return errors.Errorf("connect names unknown peer %q", c.Scenario.Connect)
	}
	return nil
}

func rtime(d time.Duration) radio.Time {
	return radio.Time(d / time.Microsecond)
}

// Level returns the parsed log level
func (c *Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel)
}

// ControllerConfig converts to the controller's configuration
func (c *Config) ControllerConfig() controller.Config {
	cfg := controller.DefaultConfig()
	cfg.MaxConnections = c.Controller.MaxConnections
	cfg.MaxAdvSets = c.Controller.MaxAdvSets
	cfg.Seed = c.Controller.Seed

	cfg.Conn = conn.DefaultConfig()
	cfg.Conn.QueueDepth = c.Controller.QueueDepth
	cfg.Conn.ProcedureTimeout = c.Controller.ProcedureTimeout
	cfg.Conn.InstantOffset = c.Controller.InstantOffset

	cfg.Sched = sched.Config{
		Guard:         rtime(c.Scheduler.Guard),
		Margin:        rtime(c.Scheduler.Margin),
		LSTOSafety:    rtime(c.Scheduler.LSTOSafety),
		MinScanWindow: rtime(c.Scheduler.MinScanWindow),
	}
	for _, name := range c.Scheduler.RoleOrder {
		if r, err := sched.ParseRole(strings.TrimSpace(name)); err == nil {
			cfg.Sched.Order = append(cfg.Sched.Order, r)
		}
	}
	return cfg
}

// SimConfig converts to the simulated radio's configuration
func (c *Config) SimConfig() *radio.SimConfig {
	return &radio.SimConfig{
		PacketLossRate: c.Radio.PacketLoss,
		CRCErrorRate:   c.Radio.CRCErrors,
		PreemptRate:    c.Radio.Preempt,
		Deterministic:  c.Radio.Seed != 0,
		Seed:           c.Radio.Seed,
	}
}

// SetParams returns the advertising set parameters
func (a AdvSetConfig) SetParams() advsched.SetParams {
	return advsched.SetParams{
		Properties:   advsched.Properties{Legacy: true, Connectable: a.Connectable, Scannable: a.Connectable},
		Interval:     rtime(a.Interval),
		PrimaryPHY:   pdu.PHY1M,
		SecondaryPHY: pdu.PHY1M,
		ChannelMask:  0x07,
	}
}

// Params returns the connection parameters the peer asks for
func (p PeerConfig) Params() pdu.ConnParams {
	return pdu.ConnParams{Interval: p.Interval, Latency: p.Latency, Timeout: p.Timeout}
}
