// Package cmd implements the zoo command line.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/envconfig"
	"github.com/jmorganca/zoo/logutil"
	"github.com/jmorganca/zoo/models"
	"github.com/jmorganca/zoo/optim"
	"github.com/jmorganca/zoo/registry"
	"github.com/jmorganca/zoo/version"
	"github.com/jmorganca/zoo/webui"
	"github.com/jmorganca/zoo/writer"
)

// newSet returns a registry holding everything the zoo ships.
func newSet() *registry.Set {
	s := registry.NewSet()
	models.Register(s)
	optim.Register(s)
	writer.Register(s)
	webui.Register(s)
	return s
}

// loadConfig reads --config, falling back to ZOO_CONFIG, then applies
// every --set override in order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = envconfig.ConfigPath
	}

	cfg := config.New()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
		slog.Debug("loaded config", "path", path, "sections", len(cfg.Sections()))
	}

	overrides, err := cmd.Flags().GetStringArray("set")
	if err != nil {
		return nil, err
	}

	for _, o := range overrides {
		if err := cfg.Override(o); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func rank() int {
	if envconfig.WorldSize > 1 {
		return envconfig.Rank
	}
	return -1
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "zoo",
		Short:   "Run model zoo processes, pipelines and web UIs",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(envconfig.Debug), rank()))
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file (default $ZOO_CONFIG)")
	rootCmd.PersistentFlags().StringArray("set", nil, "Override an option as section@option=value")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewInferCmd(),
		NewServeCmd(),
		NewListCmd(),
		NewPullCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
