// Package dbftdcmd holds the dbftd command line.
package dbftdcmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// Flags may also be set through environment variables with this prefix,
	// e.g. --time-per-block as DBFT_TIME_PER_BLOCK.
	envPrefix = "DBFT"

	defaultConfigFile = "dbftd.yaml"
)

type rootConfig struct {
	HomeDir  string
	CfgFile  string
	LogLevel string
}

// NewRootCmd returns the dbftd command tree.
func NewRootCmd() *cobra.Command {
	cfg := &rootConfig{}

	rootCmd := &cobra.Command{
		Use:   "dbftd",
		Short: "Run and inspect a dBFT devnet",

		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initializeConfig(cmd, cfg)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfg.HomeDir, "home", defaultHomeDir(), "directory for the config file, data and sockets")
	rootCmd.PersistentFlags().StringVar(&cfg.CfgFile, "config", "", "config file (default is $DBFT_HOME/"+defaultConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "info", "one of debug, info, warn or error")

	rootCmd.AddCommand(
		newDevnetCmd(cfg),
		newStatusCmd(cfg),
		newSubmitCmd(cfg),
	)

	return rootCmd
}

func defaultHomeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".dbftd")
	}
	return ".dbftd"
}

// socketPath is where the devnet serves its HTTP API, unless overridden.
func (c *rootConfig) socketPath() string {
	return filepath.Join(c.HomeDir, "dbftd.sock")
}

func (c *rootConfig) logger(cmd *cobra.Command) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})), nil
}

// initializeConfig fills every flag not set on the command line
// from the environment or the config file, in that order.
func initializeConfig(cmd *cobra.Command, cfg *rootConfig) error {
	v := viper.New()

	// The home flag itself may come from the environment.
	if h := os.Getenv(envPrefix + "_HOME"); h != "" && !cmd.Flags().Changed("home") {
		cfg.HomeDir = h
	}

	if cfg.CfgFile == "" {
		cfg.CfgFile = filepath.Join(cfg.HomeDir, defaultConfigFile)
	} else if !filepath.IsAbs(cfg.CfgFile) {
		cfg.CfgFile = filepath.Join(cfg.HomeDir, cfg.CfgFile)
	}
	if fileExists(cfg.CfgFile) {
		v.SetConfigFile(cfg.CfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfg.CfgFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	return bindFlags(cmd, v)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}

		// Environment variables cannot hold dashes.
		if strings.Contains(f.Name, "-") {
			env := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindEnv(f.Name, env); err != nil {
				bindErr = fmt.Errorf("failed to bind %s to flag %s: %w", env, f.Name, err)
				return
			}
		}

		if !f.Changed && v.IsSet(f.Name) {
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				bindErr = fmt.Errorf("failed to set flag %s from config: %w", f.Name, err)
				return
			}
		}
	})
	return bindErr
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
