// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-resolver/internal/config"
	"github.com/xkilldash9x/scalpel-resolver/internal/observability"
	"github.com/xkilldash9x/scalpel-resolver/internal/service"
)

// configDirName is the per-user config directory under $HOME.
const configDirName = ".scalpel-resolver"

// newFactory builds the component factory. Tests replace it.
var newFactory = service.NewComponentFactory

// app carries the state shared by every subcommand of one root command.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
}

// NewRootCommand creates a fresh command tree. Each call gets its own viper
// instance so flags never leak between executions.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "scalpel-resolver",
		Short:         "Scalpel resolver drives chat-style web targets and streams their responses.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml, then $HOME/"+configDirName+"/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logger.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "", "override selectors.backend (memory, postgres, redis)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newResolveCmd(a),
		newSelectorsCmd(a),
		newTargetsCmd(a),
	)
	return rootCmd
}

// Execute runs the root command with a signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Command aborted by signal.")
		} else {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
			fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		}
	}
	observability.Sync()
	return err
}

// initialize reads configuration, applies flag overrides and sets up logging.
func (a *app) initialize(cmd *cobra.Command) error {
	if err := initializeConfig(a.v, a.cfgFile); err != nil {
		return err
	}
	bindFlag(a.v, "logger.level", cmd.Flags().Lookup("log-level"))
	bindFlag(a.v, "selectors.backend", cmd.Flags().Lookup("backend"))
	bindFlag(a.v, "metrics.addr", cmd.Flags().Lookup("metrics-addr"))

	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		// Fall back to a console logger so the failure is still reported.
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scalpel-resolver"})
		return err
	}
	a.cfg = cfg

	observability.InitializeLogger(cfg.Logger())
	logger := observability.GetLogger()
	logger.Debug("Starting scalpel-resolver",
		zap.String("version", Version),
		zap.String("config", a.v.ConfigFileUsed()))
	return nil
}

// bindFlag lets a flag override a config key, but only when the user set it.
func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if f == nil || !f.Changed {
		return
	}
	_ = v.BindPFlag(key, f)
}

// initializeConfig reads the config file and environment variables. An
// explicit file must exist; otherwise ./config.yaml and the per-user file are
// tried in turn and a missing file falls back to defaults.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, configDirName))
		}
	}

	v.SetEnvPrefix("SCALPEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			if cfgFile != "" && errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config file %s does not exist", cfgFile)
			}
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}
	return nil
}
