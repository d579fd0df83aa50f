package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/legnlp/crecpipe/internal/model"
	"github.com/legnlp/crecpipe/internal/store"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store contents and ingestion progress",
	Long: `Show the label breakdown of the store, the last successful position of
each source and any units that exhausted their retries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Store.Path, cfg.Sources)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()

		counts, err := st.CountByLabel()
		if err != nil {
			return fmt.Errorf("count speeches: %w", err)
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		fmt.Printf("Speeches: %d\n", total)
		for _, label := range []model.Label{model.LabelUnclassified, model.LabelProcedural, model.LabelSubstantive} {
			fmt.Printf("  %-13s %d\n", label, counts[label])
		}

		fmt.Println()
		for _, kind := range []model.SourceKind{model.SourceHistorical, model.SourceModern} {
			cur, ok, err := st.LoadCursor(kind)
			if err != nil {
				return fmt.Errorf("load cursor: %w", err)
			}
			if !ok {
				fmt.Printf("%s: no progress recorded\n", kind)
				continue
			}
			fmt.Printf("%s: last unit %s at %s\n", kind, cur.Position, cur.LastSuccess.Format("2006-01-02 15:04:05"))
		}

		budget, ok, err := st.LoadBudget()
		if err != nil {
			return fmt.Errorf("load budget: %w", err)
		}
		if ok {
			fmt.Printf("\nAPI budget: %d/%d used in window starting %s\n",
				budget.Used, cfg.RateLimit.RequestsPerHour, budget.WindowStart.Format("15:04:05"))
		}

		failed, err := st.FailedUnits()
		if err != nil {
			return fmt.Errorf("load failed units: %w", err)
		}
		if len(failed) > 0 {
			fmt.Fprintf(os.Stderr, "\nFailed units:\n")
			for _, f := range failed {
				fmt.Fprintf(os.Stderr, "  %s %s: %d attempts, last error: %s\n", f.Source, f.Unit, f.Attempts, f.LastErr)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
