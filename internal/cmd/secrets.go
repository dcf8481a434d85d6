package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/myfisker/internal/config"
	"github.com/inercia/myfisker/internal/secrets"
)

var secretsUsername string

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the account password in the system keychain",
	Long: `Store or remove the account password in the system keychain
(macOS only). Set account.password_from_keychain in the configuration to
use it.

The username defaults to account.username from the configuration.

Examples:
  echo 'my password' | myfisker secrets set
  myfisker secrets set --username owner@example.com
  myfisker secrets delete`,
}

var secretsSetCmd = &cobra.Command{
	Use:         "set",
	Short:       "Store the password read from standard input",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationSkipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := secretsAccount()
		if err != nil {
			return err
		}
		if !secretStore.IsSupported() {
			return secrets.ErrNotSupported
		}

		cmd.PrintErrf("Password for %s: ", username)
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		cmd.PrintErrln()

		password := strings.TrimRight(line, "\r\n")
		if err := secrets.SetPassword(secretStore, username, password); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Password stored for %s\n", username)
		return nil
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:         "delete",
	Short:       "Remove the stored password",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationSkipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := secretsAccount()
		if err != nil {
			return err
		}
		if err := secrets.DeletePassword(secretStore, username); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Password removed for %s\n", username)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(secretsCmd)
	secretsCmd.AddCommand(secretsSetCmd, secretsDeleteCmd)

	secretsCmd.PersistentFlags().StringVar(&secretsUsername, "username", "", "Account username (default: account.username from the configuration)")
}

// secretsAccount returns --username, or the configured username. The
// configuration only needs to parse; it may still lack a password.
func secretsAccount() (string, error) {
	if secretsUsername != "" {
		return secretsUsername, nil
	}
	path, err := resolveConfigPath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("no --username given and configuration unreadable: %w", err)
	}
	c, err := config.Parse(data)
	if err != nil {
		return "", err
	}
	if c.Account.Username == "" {
		return "", errors.New("no --username given and account.username is not configured")
	}
	return c.Account.Username, nil
}
