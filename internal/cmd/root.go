// Package cmd provides the CLI commands for myfisker.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/myfisker/internal/appdir"
	"github.com/inercia/myfisker/internal/auth"
	"github.com/inercia/myfisker/internal/client"
	"github.com/inercia/myfisker/internal/config"
	"github.com/inercia/myfisker/internal/logging"
	"github.com/inercia/myfisker/internal/secrets"
)

// Command annotations.
const (
	// annotationSkipConfig marks commands that run without a loaded configuration.
	annotationSkipConfig = "myfisker/skip-config"
	// annotationLogToFile marks commands that log to the default log file
	// when --logfile is not given.
	annotationLogToFile = "myfisker/log-to-file"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string
	stateFile     string

	// Loaded configuration
	cfg *config.Config
	// cfgPath is the file cfg was loaded from.
	cfgPath string

	// secretStore holds keychain passwords. Tests replace it.
	secretStore secrets.SecretStore = secrets.Default()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "myfisker",
	Short: "myfisker - read your vehicle's digital twin",
	Long: `myfisker logs in to the vehicle cloud backend, fetches the
digital-twin telemetry document of the first vehicle on the account and
flattens it into key/value pairs.

Use "snapshot" for a one-shot read, or "watch" to poll periodically and
republish the values to MQTT, hooks, Prometheus and MCP clients.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		// Priority: --log-level flag > --debug flag > default (info)
		effectiveLogLevel := "info"
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		var components []string
		for _, c := range strings.Split(logComponents, ",") {
			if c = strings.TrimSpace(c); c != "" {
				components = append(components, c)
			}
		}
		logCfg := logging.Config{
			Level:      effectiveLogLevel,
			Components: components,
			Output:     cmd.ErrOrStderr(),
		}
		path := logFile
		if path == "" && cmd.Annotations[annotationLogToFile] == "true" {
			// Long-running commands keep a rotated log in the myfisker directory.
			if err := appdir.EnsureDir(); err == nil {
				path, _ = appdir.LogFilePath()
			}
		}
		if path != "" {
			fileCfg := logging.DefaultFileLogConfig()
			fileCfg.Path = path
			logCfg.FileLog = &fileCfg
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if cmd.Annotations[annotationSkipConfig] == "true" {
			return nil
		}
		return loadConfig()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: config.yaml in the myfisker directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state-file", "", "Where the last snapshot is kept (default: state.json in the myfisker directory)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'session,poller'). Empty means all components.")
}

// resolveConfigPath returns --config or the default location.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	if err := appdir.EnsureDir(); err != nil {
		return "", fmt.Errorf("failed to create myfisker directory: %w", err)
	}
	return appdir.ConfigPath()
}

// resolveStatePath returns --state-file or the default location.
func resolveStatePath() (string, error) {
	if stateFile != "" {
		return stateFile, nil
	}
	if err := appdir.EnsureDir(); err != nil {
		return "", fmt.Errorf("failed to create myfisker directory: %w", err)
	}
	return appdir.StatePath()
}

// loadConfig loads and validates the configuration into cfg.
func loadConfig() error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	loaded, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no configuration found at %s; create it or pass --config", path)
		}
		return err
	}
	cfg = loaded
	cfgPath = path
	logging.Settings().Debug("Configuration loaded", "path", path)
	return nil
}

// resolveCredentials builds the login credentials from c, reading the
// password from the keychain when requested.
func resolveCredentials(c *config.Config) (auth.Credentials, error) {
	creds := auth.Credentials{
		Username: c.Account.Username,
		Password: c.Account.Password,
	}
	if !c.Account.PasswordFromKeychain {
		return creds, nil
	}
	password, err := secrets.GetPassword(secretStore, c.Account.Username)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return auth.Credentials{}, fmt.Errorf("%w (run 'myfisker secrets set')", err)
		}
		return auth.Credentials{}, err
	}
	creds.Password = password
	return creds, nil
}

// newClient creates a backend client from c.
func newClient(c *config.Config, opts ...client.Option) (*client.Client, error) {
	creds, err := resolveCredentials(c)
	if err != nil {
		return nil, err
	}
	return client.New(creds, append(c.ClientOptions(), opts...)...), nil
}
