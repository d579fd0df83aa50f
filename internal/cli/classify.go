package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/legnlp/crecpipe/internal/classify"
	"github.com/legnlp/crecpipe/internal/store"
)

var (
	classifyModel     string
	classifyBaseURL   string
	classifyThreshold float64
	classifyBatchSize int
)

// classifyCmd represents the classify command
var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Label stored speeches as procedural or substantive",
	Long: `Classify every unlabeled speech in the store.

A phrase heuristic labels short procedural boilerplate first; the rest is
sent to the model in token-bounded batches. Only verdicts at or above the
confidence threshold are written, each batch atomically. Below-threshold
speeches stay unlabeled and are retried on the next run, so re-running is
always safe.

Requires OPENAI_API_KEY (or classify.api_key in the config file) unless
--base-url points at a local endpoint.

Example:
  crecpipe classify
  crecpipe classify --model gpt-4o-mini --threshold 0.8
  crecpipe classify --base-url http://localhost:11434/v1 --model llama3`,
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringVar(&classifyModel, "model", "", "inference model name (default from config)")
	classifyCmd.Flags().StringVar(&classifyBaseURL, "base-url", "", "OpenAI-compatible endpoint base URL")
	classifyCmd.Flags().Float64Var(&classifyThreshold, "threshold", 0, "confidence threshold (default from config)")
	classifyCmd.Flags().IntVar(&classifyBatchSize, "batch-size", 0, "max speeches per model call (default from config)")
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if classifyModel != "" {
		cfg.Classify.Model = classifyModel
	}
	if classifyBaseURL != "" {
		cfg.Classify.BaseURL = classifyBaseURL
	}
	if classifyThreshold > 0 {
		cfg.Classify.Threshold = classifyThreshold
	}
	if classifyBatchSize > 0 {
		cfg.Classify.BatchSize = classifyBatchSize
	}
	if cfg.Classify.APIKey == "" && cfg.Classify.BaseURL == "" {
		return fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	st, err := store.Open(cfg.Store.Path, cfg.Sources)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scorer := classify.NewOpenAIScorer(cfg.Classify)
	runner := classify.NewRunner(st, scorer, cfg.Classify)

	stats, err := runner.Run(ctx)
	fmt.Fprintf(os.Stderr, "scanned %d, heuristic %d, modeled %d, procedural %d, substantive %d, below threshold %d\n",
		stats.Scanned, stats.Heuristic, stats.Modeled, stats.Procedural, stats.Substantive, stats.BelowThreshold)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	return nil
}
