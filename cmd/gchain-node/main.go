package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/0xphantomotr/relayprobe/pkg/config"
	"github.com/0xphantomotr/relayprobe/pkg/logging"
	"github.com/0xphantomotr/relayprobe/pkg/node"
)

var (
	configPath string
	overrides  config.NodeConfig
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "gchain-node",
	Short: "Run a gchain node with its wire protocol and RPC listeners",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		applyOverrides(cmd, &cfg)

		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		n, err := node.New(cfg.Node.NodeOptions(), logger)
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		if err := n.Close(); err != nil {
			logger.Error("shutdown", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "TOML config file")
	f.StringVar(&overrides.Name, "name", "", "node name; also derives the coinbase address")
	f.StringVar(&overrides.RPCListen, "rpc-listen", "", "RPC listen address")
	f.StringVar(&overrides.P2PListen, "p2p-listen", "", "wire protocol listen address")
	f.StringSliceVar(&overrides.Seeds, "p2p-seeds", nil, "comma-separated peer addresses to dial")
	f.StringVar(&overrides.StateBackend, "state-backend", "", "account state backend: memory or badger")
	f.StringVar(&overrides.DataDir, "data-dir", "", "badger directory; empty keeps badger in memory")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("name") {
		cfg.Node.Name = overrides.Name
	}
	if f.Changed("rpc-listen") {
		cfg.Node.RPCListen = overrides.RPCListen
	}
	if f.Changed("p2p-listen") {
		cfg.Node.P2PListen = overrides.P2PListen
	}
	if f.Changed("p2p-seeds") {
		cfg.Node.Seeds = overrides.Seeds
	}
	if f.Changed("state-backend") {
		cfg.Node.StateBackend = overrides.StateBackend
	}
	if f.Changed("data-dir") {
		cfg.Node.DataDir = overrides.DataDir
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
