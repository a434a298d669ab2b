package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "tillsync",
	Short: "Offline-first point-of-sale sync runtime",
	Long: `tillsync keeps a point-of-sale terminal working through network outages.

All reads and writes go to a local SQLite store. Writes made while
offline queue durably and flush with exponential backoff once
connectivity returns. A sync engine reconciles local and remote state
per collection using last-write-wins, and a priority print dispatcher
routes receipt, kitchen, and bar tickets with bounded retries.

Configuration is read from tillsync.yaml in the working directory (or
the path given by --config), overridable via TILLSYNC_* environment
variables and command flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./tillsync.yaml)")
	rootCmd.PersistentFlags().String("db", "tillsync.db", "Path to the local store database")
	rootCmd.PersistentFlags().String("api-base", "", "Base URL of the remote authority API")
	rootCmd.PersistentFlags().String("log-file", "", "Log to this file with rotation instead of stderr")
}

// initConfig loads tillsync.yaml, environment variables, and flags into
// viper. Flags win over environment, environment wins over file.
func initConfig(cmd *cobra.Command) error {
	viper.SetDefault("db", "tillsync.db")
	viper.SetDefault("dashboard_port", 8791)
	viper.SetDefault("sync_interval", 30*time.Second)
	viper.SetDefault("collections", []string{"orders", "products"})

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tillsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TILLSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has defaults or flags.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := viper.BindPFlag("db", cmd.Flags().Lookup("db")); err != nil {
		return err
	}
	if err := viper.BindPFlag("api_base", cmd.Flags().Lookup("api-base")); err != nil {
		return err
	}
	if err := viper.BindPFlag("log_file", cmd.Flags().Lookup("log-file")); err != nil {
		return err
	}

	return nil
}

// newLogger builds the process logger. With log_file set, output rotates
// at 10MB keeping 3 backups; otherwise it goes to stderr.
func newLogger(prefix string) *log.Logger {
	if logFile := viper.GetString("log_file"); logFile != "" {
		return log.New(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, prefix, log.LstdFlags)
	}
	return log.New(os.Stderr, prefix, log.LstdFlags)
}
