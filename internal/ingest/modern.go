package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/legnlp/crecpipe/internal/fetch"
	"github.com/legnlp/crecpipe/internal/model"
	"github.com/legnlp/crecpipe/internal/normalize"
	"github.com/legnlp/crecpipe/internal/store"
)

// ModernSource ingests daily Congressional Record issues from the GovInfo
// API. One unit is one daily issue package; its granules are the individual
// speeches.
type ModernSource struct {
	fetcher      *fetch.Fetcher
	store        *store.Store
	years        []int
	minTextChars int
	logger       *slog.Logger
}

// NewModernSource creates a source covering the given calendar years.
func NewModernSource(f *fetch.Fetcher, st *store.Store, years []int, minTextChars int) *ModernSource {
	return &ModernSource{
		fetcher:      f,
		store:        st,
		years:        years,
		minTextChars: minTextChars,
		logger:       slog.Default(),
	}
}

// Kind implements Source.
func (s *ModernSource) Kind() model.SourceKind { return model.SourceModern }

// Seed lists the daily issue packages for the configured years, minus
// those already completed in a previous run.
func (s *ModernSource) Seed(ctx context.Context) ([]Unit, error) {
	var units []Unit
	for _, year := range s.years {
		pkgs, err := s.fetcher.PublishedPackages(ctx, year)
		if err != nil {
			return nil, fmt.Errorf("list packages for %d: %w", year, err)
		}
		for _, p := range pkgs {
			done, err := s.store.IsUnitDone(model.SourceModern, p.PackageID)
			if err != nil {
				return nil, err
			}
			if !done {
				units = append(units, Unit{ID: p.PackageID})
			}
		}
	}
	return units, nil
}

// Process walks one daily issue: page through its granules, keep the
// floor-speech sections, pull each granule's metadata and text and write
// the normalized speech. A rate-limit error aborts the unit immediately so
// the coordinator can suspend; any other granule-level error is logged,
// counted and the rest of the issue continues.
func (s *ModernSource) Process(ctx context.Context, unit Unit, m *Machine) (UnitStats, error) {
	var stats UnitStats
	date := packageDate(unit.ID)
	failed := 0

	offset := 0
	for {
		m.To(StateFetching)
		page, err := s.fetcher.Granules(ctx, unit.ID, offset)
		if err != nil {
			return stats, fmt.Errorf("granules %s offset %d: %w", unit.ID, offset, err)
		}
		for _, g := range page.Granules {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if !isFloorSpeech(g) {
				stats.Skipped++
				continue
			}
			if err := s.processGranule(ctx, unit.ID, date, g, m, &stats); err != nil {
				if errors.Is(err, fetch.ErrRateLimited) {
					return stats, err
				}
				s.logger.Warn("granule failed", "package", unit.ID, "granule", g.GranuleID, "error", err)
				failed++
			}
		}
		offset += len(page.Granules)
		if offset >= page.Count || len(page.Granules) == 0 {
			break
		}
	}

	if failed > 0 {
		return stats, fmt.Errorf("package %s: %d granules failed", unit.ID, failed)
	}
	return stats, nil
}

func (s *ModernSource) processGranule(ctx context.Context, packageID, date string, g fetch.Granule, m *Machine, stats *UnitStats) error {
	sum, err := s.fetcher.GranuleSummary(ctx, g.GranuleLink)
	if err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	txtURL, ok := sum.Download["txtLink"]
	if !ok || txtURL == "" {
		stats.Skipped++
		return nil
	}
	text, err := s.fetcher.GranuleText(ctx, txtURL)
	if err != nil {
		return fmt.Errorf("text: %w", err)
	}

	m.To(StateNormalizing)
	raw := normalize.RawModern{
		GranuleID: g.GranuleID,
		Date:      date,
		Congress:  sum.Congress.String(),
		Text:      text,
		Members:   toMembers(sum.Members),
	}
	sp, err := normalize.Normalize(raw)
	if err != nil {
		stats.Malformed++
		return nil
	}
	// Ghost granules: procedural shells whose text is a header and nothing
	// else. Too short to be a speech, skipped before storage.
	if len(sp.Text) < s.minTextChars {
		stats.Skipped++
		return nil
	}

	m.To(StateWriting)
	if err := s.store.Upsert(sp); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	stats.Saved++
	return nil
}

// isFloorSpeech keeps House and Senate section granules and drops the
// issue's front and back matter.
func isFloorSpeech(g fetch.Granule) bool {
	id := g.GranuleID
	if strings.Contains(id, "FrontMatter") || strings.Contains(id, "BackMatter") {
		return false
	}
	up := strings.ToUpper(id)
	return strings.Contains(up, "PGH") || strings.Contains(up, "PGS")
}

// packageDate extracts YYYYMMDD from a package id like CREC-2023-05-17.
func packageDate(packageID string) string {
	parts := strings.Split(packageID, "-")
	if len(parts) < 4 {
		return ""
	}
	return parts[1] + parts[2] + parts[3]
}

func toMembers(in []fetch.Member) []normalize.ModernMember {
	out := make([]normalize.ModernMember, 0, len(in))
	for _, m := range in {
		out = append(out, normalize.ModernMember{
			Name:       m.Name.String(),
			Party:      m.Party.String(),
			State:      m.State.String(),
			BioguideID: m.BioguideID.String(),
		})
	}
	return out
}
