// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromefleet/internal/config"
	"github.com/xkilldash9x/chromefleet/internal/observability"
)

const envPrefix = "CHROMEFLEET"

// app carries the state shared by one command tree: its viper instance, the
// resolved configuration and the component builder.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	build   builder
}

// persistent flags and the viper keys they override.
var flagKeys = []struct{ flag, key string }{
	{"headless", "browser.headless"},
	{"disable-gpu", "browser.disable_gpu"},
	{"block-media", "browser.block_media"},
	{"max-concurrent", "runner.max_concurrent"},
	{"task", "runner.task"},
}

// NewRootCommand builds a fresh command tree with its own viper instance, so
// flags from one execution never leak into the next.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{v: viper.New(), build: initializeComponents})
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chromefleet",
		Short: "Chromefleet drives a browser wallet extension across many Chrome profiles.",
		// Version is set at build time. See cmd/version.go.
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, fk := range flagKeys {
				if err := a.v.BindPFlag(fk.key, cmd.Flags().Lookup(fk.flag)); err != nil {
					return err
				}
			}
			return a.loadConfig()
		},
		// Without a subcommand the interactive menu runs.
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.menu(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	flags.Bool("headless", false, "run Chrome without a window")
	flags.Bool("disable-gpu", false, "disable GPU acceleration")
	flags.Bool("block-media", false, "block images and video to save bandwidth")
	flags.IntP("max-concurrent", "n", 0, "maximum number of browsers open at once")
	flags.StringP("task", "t", "", "task to dispatch (default from runner.task)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(a),
		newSetupCmd(a),
		newProfilesCmd(a),
		newScheduleCmd(a),
		newHistoryCmd(a),
		newSeedCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with the signal aware context from main.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger := observability.GetLogger()
		if errors.Is(err, context.Canceled) {
			logger.Warn("Interrupted, browsers were closed")
		} else {
			logger.Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// loadConfig resolves the configuration and starts the global logger.
func (a *app) loadConfig() error {
	if err := initializeConfig(a.v, a.cfgFile); err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "chromefleet"})
		return err
	}
	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "chromefleet"})
		return err
	}
	observability.InitializeLogger(cfg.Logger())

	a.cfg = cfg
	a.logger = observability.GetLogger()
	a.logger.Debug("Configuration loaded",
		zap.String("version", Version),
		zap.String("config_file", a.v.ConfigFileUsed()),
		zap.String("user_data_dir", cfg.Data().UserDataDir))
	return nil
}

// initializeConfig layers defaults, the config file, .env, the legacy
// config.txt and environment variables onto v. Flags are bound by the caller.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading .env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return applyLegacyConfig(v)
}

// applyLegacyConfig reads the KEY=value file named by data.legacy_config.
func applyLegacyConfig(v *viper.Viper) error {
	path := v.GetString("data.legacy_config")
	if path == "" {
		return nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand legacy config path %q: %w", path, err)
	}
	values, err := godotenv.Read(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading legacy config %s: %w", expanded, err)
	}
	config.ApplyLegacy(v, values)
	return nil
}
