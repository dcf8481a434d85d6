package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/myfisker/internal/client"
	"github.com/inercia/myfisker/internal/config"
	"github.com/inercia/myfisker/internal/hooks"
	"github.com/inercia/myfisker/internal/logging"
	"github.com/inercia/myfisker/internal/mcpserver"
	"github.com/inercia/myfisker/internal/metrics"
	"github.com/inercia/myfisker/internal/poller"
	"github.com/inercia/myfisker/internal/publish"
	"github.com/inercia/myfisker/internal/runner"
)

var (
	watchJSONL         bool
	watchMetricsListen string
	watchMCP           bool
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the vehicle periodically and republish every snapshot",
	Long: `Poll the digital twin every poll.interval and hand each snapshot to
the configured publishers: the log, the state file, an MQTT broker
(mqtt.broker), the on_update hook command, and standard output with --jsonl.
The snapshot saved by a previous run is served until the first cycle
succeeds.

A Prometheus endpoint is served when metrics.listen or --metrics-listen is
set, and an MCP server when mcp.enabled or --mcp is set. Changes to the
configuration file take effect at the next poll cycle.

Examples:
  myfisker watch
  myfisker watch --jsonl | jq .data.battery_state_of_charge
  myfisker watch --metrics-listen :9108 --mcp`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationLogToFile: "true"},
	RunE:        runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVar(&watchJSONL, "jsonl", false, "Also write every snapshot to stdout as a JSON line")
	watchCmd.Flags().StringVar(&watchMetricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address (overrides metrics.listen)")
	watchCmd.Flags().BoolVar(&watchMCP, "mcp", false, "Start the MCP server (overrides mcp.enabled)")
}

// watchStack is everything "watch" runs, in start order.
type watchStack struct {
	client     *client.Client
	poller     *poller.Poller
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server
	mcpSrv     *mcpserver.Server
	mqtt       *publish.MQTT
	watcher    *config.Watcher
	cancel     context.CancelFunc
}

// buildWatch wires the components for c. path is the configuration file to
// watch and statePath the snapshot state file; either may be empty. Nothing
// is started yet.
func buildWatch(ctx context.Context, c *config.Config, path, statePath string, out io.Writer) (*watchStack, error) {
	m := metrics.New()
	cl, err := newClient(c, client.WithObserver(m.ObserveHandshake))
	if err != nil {
		return nil, err
	}
	rules, err := c.RuleSet()
	if err != nil {
		return nil, err
	}

	s := &watchStack{client: cl, metrics: m}

	pubs := []publish.Publisher{publish.NewLog(logging.Publish())}
	pollerOpts := []poller.Option{
		poller.WithInterval(c.Poll.Interval),
		poller.WithMinTriggerInterval(c.Poll.MinTriggerInterval),
		poller.WithMetrics(m),
		poller.WithRules(rules),
	}
	if statePath != "" {
		pubs = append(pubs, publish.NewStateFile(statePath))
		saved, err := publish.LoadState(statePath)
		switch {
		case err == nil:
			pollerOpts = append(pollerOpts, poller.WithSnapshot(saved))
			logging.Poller().Info("Restored previous snapshot",
				"vin", saved.VIN,
				"fetched_at", saved.FetchedAt)
		case !errors.Is(err, fs.ErrNotExist):
			logging.Poller().Warn("Ignoring unreadable state file", "path", statePath, "error", err)
		}
	}
	if watchJSONL {
		pubs = append(pubs, publish.NewWriter(out))
	}
	if c.MQTT.Enabled() {
		s.mqtt, err = publish.NewMQTT(ctx, publish.MQTTConfig{
			Broker:    c.MQTT.Broker,
			ClientID:  c.MQTT.ClientID,
			Username:  c.MQTT.Username,
			Password:  c.MQTT.Password,
			TopicRoot: c.MQTT.TopicRoot,
			QoS:       byte(c.MQTT.QoS),
			Retain:    c.MQTT.Retain,
		})
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, s.mqtt)
	}
	if hc := c.Hooks.OnUpdate; hc.Command != "" {
		hookCfg := hooks.Config{Name: "on_update", Command: hc.Command, Timeout: hc.Timeout}
		if hc.Runner.Restricted() {
			hookCfg.Runner, err = runner.New(hc.Runner, logging.Hook())
			if err != nil {
				return nil, fmt.Errorf("hooks.on_update.runner: %w", err)
			}
		}
		hook, err := hooks.NewOnUpdate(hookCfg)
		if err != nil {
			return nil, fmt.Errorf("hooks.on_update: %w", err)
		}
		pubs = append(pubs, hook)
	}

	pollerOpts = append(pollerOpts, poller.WithPublisher(publish.NewMulti(pubs...)))
	s.poller = poller.New(cl, pollerOpts...)

	if addr := firstNonEmpty(watchMetricsListen, c.Metrics.Listen); addr != "" {
		s.metricsSrv = metrics.NewServer(addr, m)
	}
	if watchMCP || c.MCP.Enabled {
		s.mcpSrv, err = mcpserver.NewServer(mcpserver.Config{Host: c.MCP.Host, Port: c.MCP.Port}, s.poller)
		if err != nil {
			return nil, err
		}
	}
	if path != "" {
		s.watcher, err = config.NewWatcher(path, s.reload, logging.Settings())
		if err != nil {
			logging.Settings().Warn("Configuration changes will not be picked up", "error", err)
		}
	}
	return s, nil
}

// start launches the servers and the poll loop.
func (s *watchStack) start(ctx context.Context) error {
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	if s.mcpSrv != nil {
		if err := s.mcpSrv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start MCP server: %w", err)
		}
	}
	if s.watcher != nil {
		s.watcher.Start()
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.poller.Start(ctx)
	return nil
}

// addShutdownSteps registers the components in start order so sm stops
// them in reverse. It is safe on a partially started stack.
func (s *watchStack) addShutdownSteps(sm *hooks.ShutdownManager) {
	if s.mqtt != nil {
		sm.AddStep("mqtt", s.mqtt.Close)
	}
	if s.metricsSrv != nil {
		sm.AddStep("metrics", s.metricsSrv.Shutdown)
	}
	if s.mcpSrv != nil {
		sm.AddStep("mcp", func(context.Context) error { return s.mcpSrv.Stop() })
	}
	if s.watcher != nil {
		sm.AddStep("config-watcher", func(context.Context) error { return s.watcher.Close() })
	}
	sm.AddStep("poller", func(context.Context) error {
		s.poller.Stop()
		if s.cancel != nil {
			s.cancel()
		}
		return nil
	})
}

// stop shuts the stack down outside of a signal-driven run.
func (s *watchStack) stop() {
	sm := hooks.NewShutdownManager(5 * time.Second)
	s.addShutdownSteps(sm)
	sm.Shutdown("stop")
}

// reload applies a changed configuration: new credentials and display
// rules take effect at the next cycle. Other sections need a restart.
func (s *watchStack) reload(c *config.Config) {
	logger := logging.Settings()

	creds, err := resolveCredentials(c)
	if err != nil {
		logger.Warn("Keeping previous credentials", "error", err)
	} else {
		s.client.SetCredentials(creds)
	}

	rules, err := c.RuleSet()
	if err != nil {
		logger.Warn("Keeping previous display rules", "error", err)
		return
	}
	s.poller.SetRules(rules)
	logger.Info("Configuration reloaded", "rules", rules.Len())
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	statePath, err := resolveStatePath()
	if err != nil {
		logging.Poller().Warn("Snapshots will not be saved", "error", err)
		statePath = ""
	}

	stack, err := buildWatch(ctx, cfg, cfgPath, statePath, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	sm := hooks.NewShutdownManager(hooks.DefaultShutdownTimeout)
	stack.addShutdownSteps(sm)

	if err := stack.start(ctx); err != nil {
		sm.Shutdown("start failed")
		return err
	}
	sm.Start(ctx)

	<-sm.Done()
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
