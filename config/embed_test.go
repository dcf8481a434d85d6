package config

import (
	"testing"

	appconfig "github.com/inercia/myfisker/internal/config"
)

func TestDefaultConfigYAML_Valid(t *testing.T) {
	if len(DefaultConfigYAML) == 0 {
		t.Fatal("DefaultConfigYAML is empty")
	}

	cfg, err := appconfig.Parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	if cfg.Account.Username != "owner@example.com" || !cfg.Account.PasswordFromKeychain {
		t.Errorf("account = %+v", cfg.Account)
	}
	if cfg.Poll.Interval != appconfig.DefaultPollInterval {
		t.Errorf("poll.interval = %v, want %v", cfg.Poll.Interval, appconfig.DefaultPollInterval)
	}
	if cfg.MCP.Enabled || cfg.MCP.Port != appconfig.DefaultMCPPort {
		t.Errorf("mcp = %+v", cfg.MCP)
	}
	if cfg.MQTT.Enabled() {
		t.Error("template enables MQTT")
	}
}
