package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inercia/myfisker/internal/twin"
)

const validYAML = `
account:
  username: owner@example.com
  password: hunter2
  region: na
  alias: Ocean
api:
  read_timeout: 15s
poll:
  interval: 2m
rules:
  - name: hide-speed-offline
    key: vehicle_speed_speed
    expr: 'has(data.online) && data.online == false'
mqtt:
  broker: mqtt://localhost:1883
  qos: 1
hooks:
  on_update:
    command: notify-send "car updated"
metrics:
  listen: 127.0.0.1:9464
mcp:
  enabled: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Account.Username != "owner@example.com" || cfg.Account.Region != "na" || cfg.Account.Alias != "Ocean" {
		t.Errorf("Account = %+v", cfg.Account)
	}
	if cfg.API.ReadTimeout != 15*time.Second {
		t.Errorf("API.ReadTimeout = %v, want 15s", cfg.API.ReadTimeout)
	}
	if cfg.API.Timeout != DefaultAPITimeout {
		t.Errorf("API.Timeout = %v, want default", cfg.API.Timeout)
	}
	if cfg.Poll.Interval != 2*time.Minute {
		t.Errorf("Poll.Interval = %v", cfg.Poll.Interval)
	}
	if cfg.Poll.MinTriggerInterval != DefaultMinTriggerInterval {
		t.Errorf("Poll.MinTriggerInterval = %v, want default", cfg.Poll.MinTriggerInterval)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Key != "vehicle_speed_speed" {
		t.Errorf("Rules = %+v", cfg.Rules)
	}
	if !cfg.MQTT.Enabled() || cfg.MQTT.QoS != 1 || cfg.MQTT.ClientID != DefaultMQTTClientID || !cfg.MQTT.Retain {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.Hooks.OnUpdate.Command != `notify-send "car updated"` {
		t.Errorf("Hooks.OnUpdate = %+v", cfg.Hooks.OnUpdate)
	}
	if !cfg.MCP.Enabled || cfg.MCP.Port != DefaultMCPPort || cfg.MCP.Host != DefaultMCPHost {
		t.Errorf("MCP = %+v", cfg.MCP)
	}

	rs, err := cfg.RuleSet()
	if err != nil {
		t.Fatalf("RuleSet() error = %v", err)
	}
	if rs.Len() != 2 {
		t.Errorf("RuleSet().Len() = %d, want default + configured", rs.Len())
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	if cfg.Poll.Interval != DefaultPollInterval {
		t.Errorf("Poll.Interval = %v, want default", cfg.Poll.Interval)
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("account:\n  usernme: typo\n"))
	if err == nil {
		t.Fatal("Parse() accepted unknown field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no username", func(c *Config) { c.Account.Username = "" }, "account.username"},
		{"no password", func(c *Config) { c.Account.Password = "" }, "account.password"},
		{"keychain password", func(c *Config) { c.Account.Password = ""; c.Account.PasswordFromKeychain = true }, ""},
		{"bad region", func(c *Config) { c.Account.Region = "mars" }, "account.region"},
		{"interval too short", func(c *Config) { c.Poll.Interval = time.Second }, "poll.interval"},
		{"bad rule", func(c *Config) { c.Rules = append(c.Rules, twinRule("bad", "k", "data.x <=")) }, "rules"},
		{"bad qos", func(c *Config) { c.MQTT.Broker = "mqtt://x:1883"; c.MQTT.QoS = 5 }, "mqtt.qos"},
		{"qos ignored without broker", func(c *Config) { c.MQTT.QoS = 5 }, ""},
		{"bad mcp port", func(c *Config) { c.MCP.Enabled = true; c.MCP.Port = 70000 }, "mcp.port"},
		{"negative mcp port", func(c *Config) { c.MCP.Enabled = true; c.MCP.Port = -1 }, "mcp.port"},
		{"random mcp port", func(c *Config) { c.MCP.Enabled = true; c.MCP.Port = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Account.Username = "u"
			cfg.Account.Password = "p"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Poll.Interval = time.Second
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"account.username", "account.password", "poll.interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Account.Username != "owner@example.com" {
		t.Errorf("Username = %q", cfg.Account.Username)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) succeeded")
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.MQTT.Password = "broker-secret"

	out, err := cfg.Redacted().Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, secret := range []string{"hunter2", "broker-secret"} {
		if strings.Contains(string(out), secret) {
			t.Errorf("redacted output contains %q:\n%s", secret, out)
		}
	}
	if cfg.Account.Password != "hunter2" {
		t.Error("Redacted() modified the original")
	}

	back, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(Marshal()) error = %v\n%s", err, out)
	}
	if back.API.ReadTimeout != 15*time.Second {
		t.Errorf("durations not preserved: %v", back.API.ReadTimeout)
	}
}

func TestClientOptions(t *testing.T) {
	cfg := Default()
	if n := len(cfg.ClientOptions()); n == 0 {
		t.Error("ClientOptions() is empty")
	}
}

func twinRule(name, key, expr string) twin.Rule {
	return twin.Rule{Name: name, Key: key, Expr: expr}
}
