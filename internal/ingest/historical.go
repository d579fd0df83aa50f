package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/legnlp/crecpipe/internal/model"
	"github.com/legnlp/crecpipe/internal/normalize"
	"github.com/legnlp/crecpipe/internal/store"
)

// HistoricalSource ingests the per-session bulk export file trio:
// speeches_NNN.txt, descr_NNN.txt and NNN_SpeakerMap.txt: pipe-delimited,
// ISO-8859-1, decades of OCR. A finite, already-complete archive: no
// pagination or rate limits apply.
type HistoricalSource struct {
	dir      string
	sessions []int
	store    *store.Store
	logger   *slog.Logger
}

// NewHistoricalSource creates a source over the given session numbers.
func NewHistoricalSource(dir string, sessions []int, st *store.Store) *HistoricalSource {
	return &HistoricalSource{
		dir:      dir,
		sessions: sessions,
		store:    st,
		logger:   slog.Default(),
	}
}

// Kind implements Source.
func (h *HistoricalSource) Kind() model.SourceKind { return model.SourceHistorical }

// Seed lists sessions whose files exist and are not yet marked done.
func (h *HistoricalSource) Seed(ctx context.Context) ([]Unit, error) {
	var units []Unit
	for _, n := range h.sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := fmt.Sprintf("%03d", n)
		done, err := h.store.IsUnitDone(model.SourceHistorical, id)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}
		if _, err := os.Stat(h.speechesPath(id)); err != nil {
			h.logger.Warn("session files missing, skipping", "session", id)
			continue
		}
		units = append(units, Unit{ID: id})
	}
	return units, nil
}

// Process reads one session's trio, joins the rows on speech_id and writes
// the normalized speeches. Malformed pipe rows are counted and skipped,
// never fatal for the session.
func (h *HistoricalSource) Process(ctx context.Context, unit Unit, m *Machine) (UnitStats, error) {
	var stats UnitStats
	session, err := strconv.Atoi(unit.ID)
	if err != nil {
		return stats, fmt.Errorf("bad session id %q: %w", unit.ID, err)
	}

	m.To(StateFetching)
	descr, malformed, err := h.loadAux(h.descrPath(unit.ID), "speech_id")
	if err != nil {
		return stats, fmt.Errorf("load descr: %w", err)
	}
	stats.Malformed += malformed

	smap, malformed, err := h.loadAux(h.speakerMapPath(unit.ID), "speech_id")
	if err != nil {
		return stats, fmt.Errorf("load speaker map: %w", err)
	}
	stats.Malformed += malformed

	f, err := os.Open(h.speechesPath(unit.ID))
	if err != nil {
		return stats, fmt.Errorf("open speeches: %w", err)
	}
	defer func() { _ = f.Close() }()

	m.To(StateNormalizing)
	mapped := 0
	malformed, err = scanPipeFile(latin1Reader(f), func(row map[string]string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		d := descr[row["speech_id"]]
		sm := smap[row["speech_id"]]
		raw := normalize.RawHistorical{
			SpeechID:  row["speech_id"],
			Text:      row["speech"],
			Date:      d["date"],
			SpeakerID: sm["speakerid"],
			FirstName: sm["firstname"],
			LastName:  sm["lastname"],
			Party:     sm["party"],
			State:     sm["state"],
			Session:   session,
		}
		sp, err := normalize.Normalize(raw)
		if err != nil {
			// No identifier to key on: the only rejected shape.
			stats.Malformed++
			return nil
		}
		if sp.IsMapped {
			mapped++
		}
		m.To(StateWriting)
		if err := h.store.Upsert(sp); err != nil {
			return fmt.Errorf("upsert %s: %w", sp.SpeechID, err)
		}
		stats.Saved++
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.Malformed += malformed

	if stats.Saved > 0 {
		h.logger.Info("session ingested", "session", unit.ID, "rows", stats.Saved,
			"match_rate", fmt.Sprintf("%.2f%%", 100*float64(mapped)/float64(stats.Saved)))
	}
	return stats, nil
}

func (h *HistoricalSource) speechesPath(id string) string {
	return filepath.Join(h.dir, "speeches_"+id+".txt")
}

func (h *HistoricalSource) descrPath(id string) string {
	return filepath.Join(h.dir, "descr_"+id+".txt")
}

func (h *HistoricalSource) speakerMapPath(id string) string {
	return filepath.Join(h.dir, id+"_SpeakerMap.txt")
}

// loadAux reads a whole auxiliary file into a map keyed by keyCol. The
// descr and speaker-map files are small relative to the speeches file,
// which is streamed instead.
func (h *HistoricalSource) loadAux(path, keyCol string) (map[string]map[string]string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing auxiliary file degrades rows to unmapped speakers.
			return map[string]map[string]string{}, 0, nil
		}
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	out := make(map[string]map[string]string)
	malformed, err := scanPipeFile(latin1Reader(f), func(row map[string]string) error {
		if key := row[keyCol]; key != "" {
			out[key] = row
		}
		return nil
	})
	return out, malformed, err
}

func latin1Reader(r io.Reader) io.Reader {
	return transform.NewReader(r, charmap.ISO8859_1.NewDecoder())
}

// scanPipeFile parses a pipe-delimited file with a header line, calling
// handler with a column-name→value map per row. Rows whose field count
// disagrees with the header are counted as malformed and skipped, matching
// the tolerance the OCR-era exports require.
func scanPipeFile(r io.Reader, handler func(map[string]string) error) (int, error) {
	sc := bufio.NewScanner(r)
	// Single speeches can run to hundreds of kilobytes on one line.
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, fmt.Errorf("read header: %w", err)
		}
		return 0, nil // empty file
	}
	header := strings.Split(strings.TrimSpace(sc.Text()), "|")
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	malformed := 0
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != len(header) {
			malformed++
			continue
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			row[name] = strings.TrimSpace(fields[i])
		}
		if err := handler(row); err != nil {
			return malformed, err
		}
	}
	if err := sc.Err(); err != nil {
		return malformed, fmt.Errorf("scan rows: %w", err)
	}
	return malformed, nil
}
