// Command pmfsutil is the offline inspection/maintenance tool for a PMFS
// region: formatting a fresh image, a fsck-style consistency check, and
// dumping an inode's log or a directory's live entries for debugging
// (SPEC_FULL.md's supplemented "fsck-style consistency walk" feature).
// Command wiring follows the teacher's
// cmd/vorteil layout: a package-level rootCmd, PersistentPreRunE setting
// up logging, one var block per subcommand's flags.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vorteil/pmfs/internal/elog"
)

var log elog.View

var (
	flagVerbose bool
	flagDebug   bool
	flagConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "pmfsutil",
	Short: "Offline tooling for inspecting and maintaining PMFS regions",
	Long: `pmfsutil formats, checks, and inspects PMFS regions offline -
outside of any running mount - the way fsck and debugfs do for other
file systems.`,
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default: $HOME/.pmfsutil.yaml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}
		log = logger

		initConfig(flagConfig)
		return nil
	}

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(dumpLogCmd)
	rootCmd.AddCommand(readdirDumpCmd)
}

// initConfig mirrors the teacher's pkg/vconvert.initConfig: explicit
// config file if given, otherwise $HOME/.pmfsutil.yaml, falling back to
// viper defaults silently if neither is found.
func initConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".pmfsutil")
		viper.AddConfigPath("$HOME")
	}
	viper.SetDefault("fanout", 512)
	viper.SetDefault("checksum-disabled", false)

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("using config file: %s", viper.ConfigFileUsed())
	}
}

func main() {
	commandInit()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
