package cli

import (
	"fmt"
	"os"

	"github.com/AnTengye/contractguard/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=..."
var Version = "dev"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "contractguard",
	Short: "ContractGuard - GDPR Article 28(3) contract compliance analysis",
	Long: `ContractGuard extracts text from uploaded data processing agreements,
runs a declarative rulepack over it and reports which Article 28(3)
processor obligations are present, weakly worded or missing.

Findings are evidence pointers for a reviewer, not legal advice.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "contractguard %s\n", Version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file; a missing file means defaults")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and overlays the environment
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if verbose {
		cfg.Log.Level = "debug"
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", cfgFile)
	}
	return cfg, nil
}
