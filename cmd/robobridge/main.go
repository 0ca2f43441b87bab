// Command robobridge connects a locally attached robot to a block
// programming server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/config"
	"github.com/HerbHall/robobridge/internal/logging"
	"github.com/HerbHall/robobridge/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	server     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "robobridge",
		Short:         "Bridge a robot to a block programming server",
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd, flags)
		},
	}
	root.SetVersionTemplate(version.Info() + "\n")

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to configuration file (default ./robobridge.yaml)")
	pf.StringVar(&flags.server, "server", "", "programming server address as host:port")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newRunCmd(flags),
		newDetectCmd(flags),
		newIDsCmd(flags),
		newHistoryCmd(flags),
		newVersionCmd(),
	)
	return root
}

// load reads the configuration with the command line overrides applied.
func load(flags *globalFlags) (*config.Settings, error) {
	v, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(v, flags)
	return config.Decode(config.New(v))
}

func applyOverrides(v *viper.Viper, flags *globalFlags) {
	if flags.server != "" {
		v.Set("server.address", flags.server)
	}
	if flags.logLevel != "" {
		v.Set("log.level", flags.logLevel)
	}
}

// setup loads the settings and builds the logger.
func setup(flags *globalFlags) (*config.Settings, *zap.Logger, error) {
	settings, err := load(flags)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(settings.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return settings, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}
