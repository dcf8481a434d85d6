package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/myfisker/config"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd prints the effective configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the effective configuration as YAML, with defaults applied and
passwords redacted.

Examples:
  myfisker config
  myfisker config path
  myfisker config create`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cfg.Redacted().Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\n", cfgPath)
		_, err = out.Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:         "path",
	Short:       "Print the configuration file location",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationSkipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
		return err
	},
}

var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a commented configuration template",
	Long: `Write the default configuration template to the configuration file
location (or --output). An existing file is left alone unless --force is
given.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationSkipConfig: "true"},
	RunE:        runConfigCreate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configCreateCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"File to write (default: the configuration file location)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite an existing file")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	path := configOutputPath
	if path == "" {
		var err error
		if path, err = resolveConfigPath(); err != nil {
			return err
		}
	}
	out := cmd.OutOrStdout()

	if _, err := os.Stat(path); err == nil && !configForce {
		fmt.Fprintf(out, "Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite it.")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// The file may end up holding a password.
	if err := os.WriteFile(path, embeddedconfig.DefaultConfigYAML, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(out, "Configuration file created: %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set account.username")
	fmt.Fprintln(out, "  2. Store the password with 'myfisker secrets set', or set account.password")
	fmt.Fprintln(out, "  3. Run 'myfisker snapshot'")
	return nil
}
