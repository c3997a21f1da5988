package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/ll/sched"
	"github.com/user/linklayer/logger"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.Controller.ProcedureTimeout != 40*time.Second {
		t.Fatalf("procedure timeout %s", c.Controller.ProcedureTimeout)
	}
	if c.Level() != logger.INFO {
		t.Fatalf("level %v", c.Level())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if c.Controller.MaxConnections != 8 {
		t.Fatalf("expected default max_connections 8, got %d", c.Controller.MaxConnections)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llsim.yaml")
	configYAML := strings.TrimSpace(`
log_level: DEBUG
controller:
  max_connections: 2
scheduler:
  guard: 500us
  role_order: [scan, connection]
radio:
  packet_loss: 0
  seed: 42
scenario:
  duration: 2s
  scan: true
  connect: beta
  peers:
    - name: alpha
      interval: 24
      timeout: 100
    - name: beta
      interval: 80
      latency: 4
      timeout: 400
`)
	if err := os.WriteFile(path, []byte(configYAML), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if c.Level() != logger.DEBUG || c.Controller.MaxConnections != 2 || c.Controller.MaxAdvSets != 4 {
		t.Fatalf("unexpected config %+v", c.Controller)
	}

	cc := c.ControllerConfig()
	if cc.Sched.Guard != 500*radio.Microsecond || cc.Sched.LSTOSafety != 50*radio.Millisecond {
		t.Fatalf("scheduler %+v", cc.Sched)
	}
	if len(cc.Sched.Order) != 2 || cc.Sched.Order[0] != sched.RoleScan {
		t.Fatalf("role order %v", cc.Sched.Order)
	}
	if cc.Conn.ProcedureTimeout != 40*time.Second || cc.Conn.InstantOffset != 6 {
		t.Fatalf("conn config %+v", cc.Conn)
	}

	sim := c.SimConfig()
	if !sim.Deterministic || sim.Seed != 42 || sim.PacketLossRate != 0 {
		t.Fatalf("sim config %+v", sim)
	}
	if p := c.Scenario.Peers[1].Params(); p.Interval != 80 || p.Latency != 4 {
		t.Fatalf("peer params %+v", p)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no connections", func(c *Config) { c.Controller.MaxConnections = 0 }, "max_connections"},
		{"too many sets", func(c *Config) { c.Controller.MaxAdvSets = 300 }, "max_adv_sets"},
		{"short instant offset", func(c *Config) { c.Controller.InstantOffset = 3 }, "instant_offset"},
		{"unknown role", func(c *Config) { c.Scheduler.RoleOrder = []string{"sniffer"} }, "role_order"},
		{"bad loss rate", func(c *Config) { c.Radio.PacketLoss = 1.5 }, "radio rates"},
		{"duplicate handle", func(c *Config) {
			c.Scenario.Advertising = append(c.Scenario.Advertising, c.Scenario.Advertising[0])
		}, "used twice"},
		{"bad peer params", func(c *Config) { c.Scenario.Peers[0].Interval = 1 }, "peer remote"},
		{"unknown connect target", func(c *Config) { c.Scenario.Connect = "nobody" }, "unknown peer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	c := Default()
	c.Scenario.Scan = true
	if err := c.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Scenario.Scan || loaded.Scenario.Duration != 10*time.Second {
		t.Fatalf("loaded scenario %+v", loaded.Scenario)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("controller: [1, 2"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("Load() = %v", err)
	}
}
