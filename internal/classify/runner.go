package classify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/legnlp/crecpipe/internal/model"
	"github.com/legnlp/crecpipe/internal/store"
)

// Stats summarizes one classification run.
type Stats struct {
	Scanned        int
	Heuristic      int
	Modeled        int
	Procedural     int
	Substantive    int
	BelowThreshold int
	Batches        int
}

// Runner drives the two-stage pass over the unclassified backlog: the
// phrase heuristic first, then batched model inference for everything the
// heuristic declined. Each batch's verdicts are written in one transaction;
// a failed batch writes nothing and its speeches stay unclassified for the
// next run.
type Runner struct {
	store     *store.Store
	scorer    Scorer
	heuristic *Heuristic
	batcher   *Batcher
	threshold float64
	scanLimit int
	logger    *slog.Logger
}

// NewRunner assembles a runner from the configured parts.
func NewRunner(st *store.Store, scorer Scorer, cfg model.ClassifyConfig) *Runner {
	return &Runner{
		store:     st,
		scorer:    scorer,
		heuristic: NewHeuristic(cfg.HeuristicMaxChars),
		batcher:   NewBatcher(cfg.BatchSize, cfg.BatchTokens, NewTokenEstimator(cfg.Model)),
		threshold: cfg.Threshold,
		scanLimit: cfg.ScanLimit,
		logger:    slog.Default(),
	}
}

// Run classifies the entire unclassified backlog. It probes the model
// endpoint before any work so a dead endpoint fails fast, runs the
// heuristic sweep, then streams the remainder through the model.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := r.scorer.Probe(ctx); err != nil {
		return stats, err
	}

	if err := r.heuristicPass(ctx, &stats); err != nil {
		return stats, err
	}
	if err := r.modelPass(ctx, &stats); err != nil {
		return stats, err
	}

	r.logger.Info("classification run complete",
		"scanned", stats.Scanned, "heuristic", stats.Heuristic,
		"modeled", stats.Modeled, "procedural", stats.Procedural,
		"substantive", stats.Substantive, "below_threshold", stats.BelowThreshold)
	return stats, nil
}

// heuristicPass sweeps the backlog once, labeling obvious boilerplate
// procedural with full confidence. Matches are written per scan page.
func (r *Runner) heuristicPass(ctx context.Context, stats *Stats) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.store.ScanUnclassified(r.scanLimit, after)
		if err != nil {
			return fmt.Errorf("scan backlog: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		stats.Scanned += len(page)
		after = page[len(page)-1].SpeechID

		var hits []store.Classification
		for _, sp := range page {
			if r.heuristic.Match(sp.Text) {
				hits = append(hits, store.Classification{
					SpeechID: sp.SpeechID,
					Label:    model.LabelProcedural,
					Score:    1.0,
				})
			}
		}
		if len(hits) > 0 {
			if err := r.store.WriteClassifications(hits); err != nil {
				return fmt.Errorf("write heuristic labels: %w", err)
			}
			stats.Heuristic += len(hits)
			stats.Procedural += len(hits)
		}
		if len(page) < r.scanLimit {
			return nil
		}
	}
}

// modelPass streams the post-heuristic backlog through the model. Batch
// building overlaps scoring: a producer goroutine scans and packs the next
// batches while the current one is in flight.
func (r *Runner) modelPass(ctx context.Context, stats *Stats) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan Batch, 2)
	prodErr := make(chan error, 1)

	go func() {
		defer close(batches)
		after := ""
		for {
			page, err := r.store.ScanUnclassified(r.scanLimit, after)
			if err != nil {
				prodErr <- fmt.Errorf("scan backlog: %w", err)
				return
			}
			if len(page) == 0 {
				prodErr <- nil
				return
			}
			after = page[len(page)-1].SpeechID
			for _, b := range r.batcher.Batch(page) {
				select {
				case batches <- b:
				case <-ctx.Done():
					prodErr <- ctx.Err()
					return
				}
			}
			if len(page) < r.scanLimit {
				prodErr <- nil
				return
			}
		}
	}()

	for b := range batches {
		if err := r.scoreBatch(ctx, b, stats); err != nil {
			cancel()
			<-prodErr
			return err
		}
	}
	return <-prodErr
}

func (r *Runner) scoreBatch(ctx context.Context, b Batch, stats *Stats) error {
	texts := make([]string, len(b.Speeches))
	for i, sp := range b.Speeches {
		texts[i] = sp.Text
	}

	results, err := r.scorer.Score(ctx, texts)
	if err != nil {
		return fmt.Errorf("score batch of %d: %w", len(b.Speeches), err)
	}
	if len(results) != len(b.Speeches) {
		return fmt.Errorf("scorer returned %d results for %d speeches", len(results), len(b.Speeches))
	}

	var confident []store.Classification
	for i, res := range results {
		stats.Modeled++
		if res.Confidence < r.threshold {
			stats.BelowThreshold++
			continue
		}
		confident = append(confident, store.Classification{
			SpeechID: b.Speeches[i].SpeechID,
			Label:    res.Label,
			Score:    res.Confidence,
		})
		switch res.Label {
		case model.LabelProcedural:
			stats.Procedural++
		case model.LabelSubstantive:
			stats.Substantive++
		}
	}
	if err := r.store.WriteClassifications(confident); err != nil {
		return fmt.Errorf("write batch labels: %w", err)
	}
	stats.Batches++

	r.logger.Debug("batch scored", "size", len(b.Speeches), "tokens", b.Tokens,
		"confident", len(confident))
	return nil
}
