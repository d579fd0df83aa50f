package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/legnlp/crecpipe/internal/model"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "crecpipe",
	Short: "Crecpipe - Congressional Record ingestion and classification",
	Long: `Crecpipe builds a single canonical corpus of congressional floor speech
from two very different sources:

- historical bulk exports: pipe-delimited OCR files, one trio per session
- the GovInfo API: daily Congressional Record issues, strictly rate limited

Both sources converge on one store. A second stage classifies each speech
as procedural (administrative boilerplate) or substantive (political
debate), first with a cheap phrase heuristic and then with batched model
inference. Every stage is resumable: interrupt it, run it again, and it
picks up where it stopped.`,
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
		fmt.Println("crecpipe v0.1.0")
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.crecpipe/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(home + "/.crecpipe")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Read in environment variables that match CRECPIPE_*
	viper.SetEnvPrefix("CRECPIPE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig layers the config file over the built-in defaults and fills
// API keys from the conventional environment variables.
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.API.APIKey == "" {
		cfg.API.APIKey = os.Getenv("GOVINFO_API_KEY")
	}
	if cfg.Classify.APIKey == "" {
		cfg.Classify.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg, nil
}
