package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mcphub-go/internal/config"
)

const envPrefix = "MCPHUB"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcphub",
		Short: "Supervise and route requests across a fleet of MCP tool servers",
		Long: `mcphub manages a fleet of MCP tool servers: it starts and supervises
stdio child processes and HTTP backends, health-checks them, and routes
incoming requests to the right server or model provider.`,
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "path to the JSON config file")
	root.PersistentFlags().String("listen", "", "admin listen address (overrides config)")
	root.PersistentFlags().String("data-dir", "", "data directory (overrides config)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateCmd())
	return root
}

// loadConfig resolves configuration from defaults, the optional JSON file,
// and flag/env overrides, in that precedence order (lowest to highest).
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{"config", "listen", "data-dir", "log-level"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return nil, "", err
		}
	}

	path := v.GetString("config")
	if path == "" {
		path = defaultConfigPath()
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return nil, "", err
		}
	} else if v.GetString("config") != "" {
		// An explicitly named config file must exist.
		return nil, "", fmt.Errorf("config file not found: %s", path)
	}

	if listen := v.GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if dataDir := v.GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if level := v.GetString("log-level"); level != "" {
		if cfg.Logging == nil {
			cfg.Logging = &config.LogConfig{}
		}
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mcphub.json"
	}
	return home + "/.mcphub/mcphub.json"
}
