// Package config handles configuration loading and management for myfisker.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/myfisker/internal/client"
	"github.com/inercia/myfisker/internal/runner"
	"github.com/inercia/myfisker/internal/twin"
)

// Defaults.
const (
	DefaultPollInterval       = 5 * time.Minute
	DefaultMinTriggerInterval = 30 * time.Second
	DefaultAPITimeout         = 10 * time.Second
	DefaultReadTimeout        = 10 * time.Second
	DefaultMCPHost            = "127.0.0.1"
	DefaultMCPPort            = 5760
	DefaultMQTTClientID       = "myfisker"
	DefaultMQTTTopicRoot      = "myfisker"
	DefaultHookTimeout        = 30 * time.Second

	// MinPollInterval keeps the backend from being hammered.
	MinPollInterval = 30 * time.Second
)

const redacted = "********"

// Config represents the complete myfisker configuration. Rules are display
// rules evaluated in addition to twin.DefaultRules.
type Config struct {
	Account AccountConfig `yaml:"account"`
	API     APIConfig     `yaml:"api"`
	Poll    PollConfig    `yaml:"poll"`
	Rules   []twin.Rule   `yaml:"rules,omitempty"`
	MQTT    MQTTConfig    `yaml:"mqtt,omitempty"`
	Hooks   HooksConfig   `yaml:"hooks,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	MCP     MCPConfig     `yaml:"mcp,omitempty"`
}

// AccountConfig identifies the vehicle owner account.
type AccountConfig struct {
	Username string `yaml:"username"`
	// Password is used when PasswordFromKeychain is false.
	Password string `yaml:"password,omitempty"`
	// PasswordFromKeychain reads the password from the system keychain.
	PasswordFromKeychain bool `yaml:"password_from_keychain,omitempty"`
	// Region selects the built-in endpoints ("eu" or "na").
	Region string `yaml:"region,omitempty"`
	// Alias is a display name for the vehicle.
	Alias string `yaml:"alias,omitempty"`
}

// APIConfig overrides backend endpoints and timeouts.
type APIConfig struct {
	TokenURL     string        `yaml:"token_url,omitempty"`
	WebSocketURL string        `yaml:"websocket_url,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	UserAgent    string        `yaml:"user_agent,omitempty"`
}

// PollConfig configures the watch loop.
type PollConfig struct {
	Interval           time.Duration `yaml:"interval,omitempty"`
	MinTriggerInterval time.Duration `yaml:"min_trigger_interval,omitempty"`
}

// MQTTConfig configures republishing to an MQTT broker. Empty Broker disables it.
type MQTTConfig struct {
	Broker    string `yaml:"broker,omitempty"`
	ClientID  string `yaml:"client_id,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	TopicRoot string `yaml:"topic_root,omitempty"`
	QoS       int    `yaml:"qos,omitempty"`
	Retain    bool   `yaml:"retain,omitempty"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// HooksConfig holds the user hooks.
type HooksConfig struct {
	OnUpdate HookConfig `yaml:"on_update,omitempty"`
}

// HookConfig is a command run by a hook. Empty Command disables it.
type HookConfig struct {
	Command string        `yaml:"command,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Runner optionally sandboxes the command.
	Runner runner.Config `yaml:"runner,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// MCPConfig configures the MCP server.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Account: AccountConfig{Region: client.DefaultRegion},
		API: APIConfig{
			Timeout:     DefaultAPITimeout,
			ReadTimeout: DefaultReadTimeout,
		},
		Poll: PollConfig{
			Interval:           DefaultPollInterval,
			MinTriggerInterval: DefaultMinTriggerInterval,
		},
		MQTT: MQTTConfig{
			ClientID:  DefaultMQTTClientID,
			TopicRoot: DefaultMQTTTopicRoot,
			Retain:    true,
		},
		Hooks: HooksConfig{
			OnUpdate: HookConfig{Timeout: DefaultHookTimeout},
		},
		MCP: MCPConfig{
			Host: DefaultMCPHost,
			Port: DefaultMCPPort,
		},
	}
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default(). Unknown fields are rejected.
// The result is not validated.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Account.Username == "" {
		errs = append(errs, errors.New("account.username is required"))
	}
	if c.Account.Password == "" && !c.Account.PasswordFromKeychain {
		errs = append(errs, errors.New("account.password is required unless password_from_keychain is set"))
	}
	if _, err := client.RegionEndpoints(c.Account.Region); err != nil {
		errs = append(errs, fmt.Errorf("account.region: %w", err))
	}

	if c.API.Timeout < 0 || c.API.ReadTimeout < 0 {
		errs = append(errs, errors.New("api timeouts must not be negative"))
	}
	if c.Poll.Interval < MinPollInterval {
		errs = append(errs, fmt.Errorf("poll.interval %s is below the minimum of %s", c.Poll.Interval, MinPollInterval))
	}
	if c.Poll.MinTriggerInterval < 0 {
		errs = append(errs, errors.New("poll.min_trigger_interval must not be negative"))
	}

	if _, err := c.RuleSet(); err != nil {
		errs = append(errs, fmt.Errorf("rules: %w", err))
	}

	if c.MQTT.Enabled() {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
		}
		if c.MQTT.ClientID == "" {
			errs = append(errs, errors.New("mqtt.client_id is required"))
		}
	}

	if err := c.Hooks.OnUpdate.Runner.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("hooks.on_update.runner: %w", err))
	}

	// Port 0 asks the MCP server for a random free port.
	if c.MCP.Enabled && (c.MCP.Port < 0 || c.MCP.Port > 65535) {
		errs = append(errs, fmt.Errorf("mcp.port %d out of range", c.MCP.Port))
	}

	return errors.Join(errs...)
}

// RuleSet compiles twin.DefaultRules followed by the configured rules.
func (c *Config) RuleSet() (*twin.RuleSet, error) {
	rules := make([]twin.Rule, 0, len(twin.DefaultRules)+len(c.Rules))
	rules = append(rules, twin.DefaultRules...)
	rules = append(rules, c.Rules...)
	return twin.CompileRules(rules)
}

// ClientOptions translates the account and API sections into client options.
func (c *Config) ClientOptions() []client.Option {
	return []client.Option{
		client.WithRegion(c.Account.Region),
		client.WithTokenURL(c.API.TokenURL),
		client.WithWebSocketURL(c.API.WebSocketURL),
		client.WithTimeout(c.API.Timeout),
		client.WithReadTimeout(c.API.ReadTimeout),
		client.WithUserAgent(c.API.UserAgent),
	}
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Rules = append([]twin.Rule(nil), c.Rules...)
	if cp.Account.Password != "" {
		cp.Account.Password = redacted
	}
	if cp.MQTT.Password != "" {
		cp.MQTT.Password = redacted
	}
	return &cp
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
