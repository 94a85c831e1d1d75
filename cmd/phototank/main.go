package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/phototank/internal/config"
	"github.com/franz/phototank/internal/heif"
	"github.com/franz/phototank/internal/util"
)

var (
	// Version is set at build time
	Version = "dev"

	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "phototank",
		Short: "Photo library manager - ingest, catalog and validate your photos",
		Long: `phototank files photos from a staging folder into a date-organized library,
catalogs their metadata in SQLite, builds WEBP thumbnails and mid-size
previews, and reverse-geocodes GPS coordinates with a local cache.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/phototank.yaml)")
	rootCmd.PersistentFlags().String("db", "", "catalog database file (default ./phototank.db)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet output (errors only)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address while a job runs (e.g. :9090)")
	rootCmd.PersistentFlags().String("events-dir", "", "directory for event logs and job summaries (default ./artifacts)")

	// Bind flags to viper
	viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("events_dir", rootCmd.PersistentFlags().Lookup("events-dir"))
}

func initConfig(cmd *cobra.Command, args []string) error {
	if err := config.LoadEnvFile(); err != nil {
		return err
	}

	v := viper.GetViper()
	config.Configure(v, cfgFile)
	if err := config.ReadConfigFile(v); err != nil {
		return err
	}

	util.SetColors(util.IsTerminal(os.Stderr.Fd()))
	util.SetLogLevel(util.ParseLogLevel(v.GetString("log_level")))
	util.SetVerbose(v.GetBool("verbose"))
	util.SetQuiet(v.GetBool("quiet"))
	return nil
}

func main() {
	err := rootCmd.Execute()
	heif.Shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
