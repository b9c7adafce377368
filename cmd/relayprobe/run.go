package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/0xphantomotr/relayprobe/pkg/config"
	"github.com/0xphantomotr/relayprobe/pkg/harness"
	"github.com/0xphantomotr/relayprobe/pkg/logging"
)

var (
	runConfigPath string
	runNegative   bool
	runExternal   []string
)

var errScenarioFailed = errors.New("scenario failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the propagation scenario and print a JSON report",
	Long: `Starts the configured nodes (or attaches to external ones), wires the
topology, attaches a synthetic peer to the observer node and waits for the
injected transaction to reach it. With --negative the observer is cut off
from the origin and the run is expected to time out.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(runConfigPath)
		if err != nil {
			return err
		}
		if runNegative {
			cfg.Scenario = cfg.Scenario.Isolated()
		}
		if len(runExternal) > 0 {
			cfg.Cluster.External = runExternal
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, runErr := runScenario(ctx, cfg, logger)
		if report != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		}
		if runErr != nil {
			if runNegative && timedOutWaitingForTx(runErr) {
				logger.Info("negative scenario timed out as expected")
				return nil
			}
			cmd.SilenceUsage = true
			return fmt.Errorf("%w: %w", errScenarioFailed, runErr)
		}
		if runNegative {
			cmd.SilenceUsage = true
			return fmt.Errorf("%w: transaction reached an isolated observer", errScenarioFailed)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(runConfigPath)
		if err != nil {
			return err
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNegative, "negative", false, "isolate the observer and expect a timeout")
	runCmd.Flags().StringSliceVar(&runExternal, "external", nil, "RPC URLs of running nodes, in index order")
	rootCmd.PersistentFlags().StringVar(&runConfigPath, "config", "", "TOML config file")
}

// timedOutWaitingForTx reports whether err is the observer never seeing the
// transaction, as opposed to a timeout in any earlier step.
func timedOutWaitingForTx(err error) bool {
	var se *harness.StepError
	if !errors.As(err, &se) || se.Step != harness.StepWaitForTx {
		return false
	}
	var te *harness.TimeoutError
	return errors.As(se.Err, &te)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runScenario(ctx context.Context, cfg config.Config, logger *zap.Logger) (*harness.Report, error) {
	rpcTimeout := cfg.Scenario.RPCTimeout.Std()

	var clients []harness.NodeClient
	if len(cfg.Cluster.External) > 0 {
		clients = harness.RemoteClients(cfg.Cluster.External, rpcTimeout)
	} else {
		cluster, err := harness.StartLocalCluster(ctx, cfg.Cluster.Nodes, cfg.Node.NodeOptions(), rpcTimeout, logger)
		if err != nil {
			return nil, err
		}
		defer cluster.Close()
		clients = cluster.Clients
	}

	network := harness.NewNetwork(clients, harness.NetworkOptions{
		SyncTimeout:  cfg.Scenario.SyncTimeout.Std(),
		PollInterval: cfg.Scenario.PollInterval.Std(),
	}, logger)
	return harness.NewScenario(network, cfg.Scenario, logger).Run(ctx)
}
