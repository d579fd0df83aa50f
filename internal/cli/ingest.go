package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/legnlp/crecpipe/internal/cache"
	"github.com/legnlp/crecpipe/internal/fetch"
	"github.com/legnlp/crecpipe/internal/ingest"
	"github.com/legnlp/crecpipe/internal/model"
	"github.com/legnlp/crecpipe/internal/store"
)

var (
	historicalDir string
	sessionsSpec  string
	yearsSpec     string
	noCache       bool
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest speeches into the canonical store",
	Long: `Ingest congressional floor speech into the canonical store.

Each subcommand is resumable: completed units (sessions or daily issues)
are recorded and skipped on the next run, and the API request budget
persists across restarts.`,
}

var ingestHistoricalCmd = &cobra.Command{
	Use:   "historical",
	Short: "Ingest the bulk export file trios",
	Long: `Ingest per-session bulk export files (speeches_NNN.txt, descr_NNN.txt,
NNN_SpeakerMap.txt) from a local directory.

Example:
  crecpipe ingest historical --dir raw --sessions 43-114`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(true, false)
	},
}

var ingestAPICmd = &cobra.Command{
	Use:   "api",
	Short: "Ingest daily issues from the GovInfo API",
	Long: `Ingest daily Congressional Record issues from the GovInfo API.

Requires GOVINFO_API_KEY (or api.api_key in the config file). A 429
response suspends the source for the configured cool-down and resumes
automatically.

Example:
  crecpipe ingest api --years 2022-2024`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(false, true)
	},
}

var ingestAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Ingest both sources concurrently",
	Long: `Run the historical and API sources concurrently. Each source advances
independently: a rate-limit suspension on the API side never stalls the
bulk files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(true, true)
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.AddCommand(ingestHistoricalCmd)
	ingestCmd.AddCommand(ingestAPICmd)
	ingestCmd.AddCommand(ingestAllCmd)

	ingestCmd.PersistentFlags().StringVar(&historicalDir, "dir", "", "directory holding the bulk export files (default from config)")
	ingestCmd.PersistentFlags().StringVar(&sessionsSpec, "sessions", "43-114", "congress sessions, e.g. 97 or 43-114 or 97,105,110")
	ingestCmd.PersistentFlags().StringVar(&yearsSpec, "years", "", "calendar years for the API source, e.g. 2023 or 2020-2024")
	ingestCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "disable the API response cache")
}

func runIngest(historical, api bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if historicalDir != "" {
		cfg.Ingest.HistoricalDir = historicalDir
	}
	if noCache {
		cfg.Cache.Enabled = false
	}

	st, err := store.Open(cfg.Store.Path, cfg.Sources)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var sources []ingest.Source

	if historical {
		sessions, err := parseSpanSpec(sessionsSpec)
		if err != nil {
			return fmt.Errorf("invalid --sessions: %w", err)
		}
		sources = append(sources, ingest.NewHistoricalSource(cfg.Ingest.HistoricalDir, sessions, st))
	}

	if api {
		if yearsSpec == "" {
			return fmt.Errorf("--years is required for the API source")
		}
		years, err := parseSpanSpec(yearsSpec)
		if err != nil {
			return fmt.Errorf("invalid --years: %w", err)
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("GOVINFO_API_KEY environment variable not set")
		}

		var pages cache.Cache
		if cfg.Cache.Enabled {
			pages = cache.NewLayeredCache(cfg.Cache.MemoryTTL, cfg.Cache.Dir, cfg.Cache.DiskTTL)
		}
		budget := fetch.NewBudget(cfg.RateLimit.RequestsPerHour, time.Hour, st)
		fetcher := fetch.New(cfg.API, cfg.RateLimit, cfg.Ingest, budget, pages)
		sources = append(sources, ingest.NewModernSource(fetcher, st, years, cfg.Ingest.MinTextChars))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := ingest.New(st, cfg.Ingest, cfg.RateLimit)
	stats, err := coord.Run(ctx, sources...)
	printIngestStats(stats)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

func printIngestStats(stats map[model.SourceKind]ingest.Stats) {
	for kind, s := range stats {
		fmt.Fprintf(os.Stderr, "%s: %d units, %d saved, %d skipped, %d malformed, %d requeued, %d failed\n",
			kind, s.Units, s.Saved, s.Skipped, s.Malformed, s.Requeued, s.Failed)
	}
}

// parseSpanSpec parses "97", "43-114" or "97,105,110" into a sorted list.
func parseSpanSpec(spec string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("bad range start %q", lo)
			}
			b, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("bad range end %q", hi)
			}
			if b < a {
				return nil, fmt.Errorf("range %q is inverted", part)
			}
			for n := a; n <= b; n++ {
				out = append(out, n)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad value %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty specification")
	}
	return out, nil
}
