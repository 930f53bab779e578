package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/logharbor/internal/config"
)

var (
	cfgFile    string
	outputJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "logharbor",
	Short: "logharbor - upload log files and track their ingestion",
	Long: `logharbor uploads a directory of log files to the blob store, asks the
ingestion service to load each one, and tracks every upload until the
destination confirms it succeeded or failed.

Exit status is non-zero when any upload or ingestion failed.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.logharbor.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".logharbor")
	}

	viper.SetEnvPrefix("LOGHARBOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig starts from the environment and applies flag and config file
// values that were set
func loadConfig() config.Config {
	cfg := config.FromEnv()

	if v := viper.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := viper.GetString("database"); v != "" {
		cfg.Destination.Database = v
	}
	if v := viper.GetString("table"); v != "" {
		cfg.Destination.Table = v
	}
	if v := viper.GetString("format"); v != "" {
		cfg.Destination.Format = v
	}
	if v := viper.GetInt("threads"); v > 0 {
		cfg.Scheduler.Threads = v
	}
	if v := viper.GetString("blob-root"); v != "" {
		cfg.Blob.Root = v
	}
	if v := viper.GetString("container"); v != "" {
		cfg.Blob.Container = v
	}
	if v := viper.GetDuration("dedup-lookback"); v > 0 {
		cfg.Tracker.DedupLookback = v
	}
	if v := viper.GetString("nsqd"); v != "" {
		cfg.NSQ.NsqdTCPAddr = v
	}
	if v := viper.GetString("lookupd"); v != "" {
		cfg.NSQ.LookupHTTPAddr = v
	}
	return cfg
}
