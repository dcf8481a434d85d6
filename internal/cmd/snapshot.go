package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/inercia/myfisker/internal/publish"
	"github.com/inercia/myfisker/internal/twin"
)

var (
	snapshotJSON   bool
	snapshotAll    bool
	snapshotCached bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Fetch the vehicle digital twin once and print it",
	Long: `Log in, fetch the digital twin of the first vehicle on the account and
print every flattened key with its value, sorted by key.

Values hidden by display rules are omitted unless --all is given.

With --cached nothing is fetched: the snapshot last saved by "watch" is
printed, with the current display rules applied.

Examples:
  myfisker snapshot
  myfisker snapshot --json
  myfisker snapshot --all
  myfisker snapshot --cached`,
	Args: cobra.NoArgs,
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().BoolVar(&snapshotJSON, "json", false, "Print the snapshot as a JSON object")
	snapshotCmd.Flags().BoolVar(&snapshotAll, "all", false, "Include values hidden by display rules")
	snapshotCmd.Flags().BoolVar(&snapshotCached, "cached", false, "Print the snapshot saved by watch instead of fetching one")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	rules, err := cfg.RuleSet()
	if err != nil {
		return err
	}
	if snapshotCached {
		return runCachedSnapshot(cmd, rules)
	}

	c, err := newClient(cfg)
	if err != nil {
		return err
	}

	flat, err := c.FetchSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	unavailable, err := rules.Unavailable(flat)
	if err != nil {
		cmd.PrintErrf("Warning: %v\n", err)
	}

	snap := publish.Snapshot{
		CycleID:     uuid.NewString(),
		VIN:         flat.Text(twin.KeyVIN),
		FetchedAt:   time.Now(),
		Flat:        flat,
		Unavailable: unavailable,
	}
	return printSnapshot(cmd.OutOrStdout(), snap, snapshotJSON, snapshotAll)
}

func runCachedSnapshot(cmd *cobra.Command, rules *twin.RuleSet) error {
	path, err := resolveStatePath()
	if err != nil {
		return err
	}
	snap, err := publish.LoadState(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no saved snapshot at %s; run \"myfisker watch\" first", path)
		}
		return err
	}
	unavailable, err := rules.Unavailable(snap.Flat)
	if err != nil {
		cmd.PrintErrf("Warning: %v\n", err)
	}
	snap.Unavailable = unavailable
	return printSnapshot(cmd.OutOrStdout(), snap, snapshotJSON, snapshotAll)
}

func printSnapshot(w io.Writer, snap publish.Snapshot, asJSON, all bool) error {
	values := snap.Display()
	if all {
		values = snap.Flat
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(values)
	}

	for _, key := range snap.Keys() {
		if !all && !snap.Available(key) {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s = %s\n", key, formatValue(snap.Flat[key])); err != nil {
			return err
		}
	}
	return nil
}

// formatValue renders a leaf for text output. JSON numbers decode as
// float64, and %v prints those in exponent form from 1e6 up, so numbers are
// written in plain decimal.
func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
