package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legnlp/crecpipe/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("", model.SourcesConfig{
		Priority: []model.SourceKind{model.SourceModern, model.SourceHistorical},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testSpeech(id string, source model.SourceKind) model.Speech {
	return model.Speech{
		SpeechID:    id,
		Text:        "Mr. Speaker, I rise today to discuss the matter before the House.",
		Date:        time.Date(2023, 5, 17, 0, 0, 0, 0, time.UTC),
		SpeakerID:   1234,
		SpeakerName: "Jane Smith",
		FirstName:   "Jane",
		LastName:    "Smith",
		Party:       "D",
		State:       "CA",
		IsMapped:    true,
		Source:      source,
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	st := openTestStore(t)

	sp := testSpeech("CREC-2023-05-17-pt1-PgH100-1", model.SourceModern)
	require.NoError(t, st.Upsert(sp))

	got, found, err := st.Get(sp.SpeechID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sp.Text, got.Text)
	assert.Equal(t, sp.SpeakerName, got.SpeakerName)
	assert.Equal(t, model.LabelUnclassified, got.Label)
	assert.Nil(t, got.Score)
}

func TestStore_GetMissing(t *testing.T) {
	st := openTestStore(t)

	_, found, err := st.Get("no-such-id")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_UpsertRejectsEmptyID(t *testing.T) {
	st := openTestStore(t)
	assert.Error(t, st.Upsert(model.Speech{}))
}

func TestStore_UpsertStripsClassification(t *testing.T) {
	st := openTestStore(t)

	score := 0.9
	sp := testSpeech("sp-1", model.SourceModern)
	sp.Label = model.LabelSubstantive
	sp.Score = &score
	require.NoError(t, st.Upsert(sp))

	got, _, err := st.Get("sp-1")
	require.NoError(t, err)
	assert.Equal(t, model.LabelUnclassified, got.Label)
	assert.Nil(t, got.Score)
}

func TestStore_ReingestPreservesClassification(t *testing.T) {
	st := openTestStore(t)

	sp := testSpeech("sp-1", model.SourceModern)
	require.NoError(t, st.Upsert(sp))
	require.NoError(t, st.WriteClassification("sp-1", model.LabelProcedural, 0.95))

	// Re-run of ingestion writes the same row again.
	sp.Text = "updated text after a refetch"
	require.NoError(t, st.Upsert(sp))

	got, _, err := st.Get("sp-1")
	require.NoError(t, err)
	assert.Equal(t, "updated text after a refetch", got.Text)
	assert.Equal(t, model.LabelProcedural, got.Label)
	require.NotNil(t, got.Score)
	assert.InDelta(t, 0.95, *got.Score, 1e-9)
}

func TestStore_SourcePriorityOnCollision(t *testing.T) {
	st := openTestStore(t)

	modern := testSpeech("shared-id", model.SourceModern)
	modern.Text = "modern text"
	require.NoError(t, st.Upsert(modern))

	historical := testSpeech("shared-id", model.SourceHistorical)
	historical.Text = "historical text"
	require.NoError(t, st.Upsert(historical))

	got, _, err := st.Get("shared-id")
	require.NoError(t, err)
	assert.Equal(t, model.SourceModern, got.Source)
	assert.Equal(t, "modern text", got.Text)

	// The other direction replaces.
	historical2 := testSpeech("shared-id-2", model.SourceHistorical)
	require.NoError(t, st.Upsert(historical2))
	modern2 := testSpeech("shared-id-2", model.SourceModern)
	modern2.Text = "modern wins"
	require.NoError(t, st.Upsert(modern2))

	got, _, err = st.Get("shared-id-2")
	require.NoError(t, err)
	assert.Equal(t, model.SourceModern, got.Source)
	assert.Equal(t, "modern wins", got.Text)
}

func TestStore_ConcurrentUpsertsSameID(t *testing.T) {
	st := openTestStore(t)

	const id = "CREC-2023-05-17-pt1-PgH100-1"
	const rounds = 100

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, source := range []model.SourceKind{model.SourceHistorical, model.SourceModern} {
		wg.Add(1)
		go func(i int, source model.SourceKind) {
			defer wg.Done()
			for n := 0; n < rounds; n++ {
				if err := st.Upsert(testSpeech(id, source)); err != nil {
					errs[i] = err
					return
				}
			}
		}(i, source)
	}
	wg.Wait()

	// Transaction conflicts resolve internally; neither writer sees one.
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, found, err := st.Get(id)
	require.NoError(t, err)
	require.True(t, found)
	// The historical writer can never have displaced a modern row.
	assert.Equal(t, model.SourceModern, got.Source)
	assert.Equal(t, model.LabelUnclassified, got.Label)
}

func TestStore_WriteClassificationsAtomicAndSkipsMissing(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.Upsert(testSpeech("a", model.SourceModern)))
	require.NoError(t, st.Upsert(testSpeech("b", model.SourceModern)))

	err := st.WriteClassifications([]Classification{
		{SpeechID: "a", Label: model.LabelProcedural, Score: 0.99},
		{SpeechID: "gone", Label: model.LabelSubstantive, Score: 0.80},
		{SpeechID: "b", Label: model.LabelSubstantive, Score: 0.85},
	})
	require.NoError(t, err)

	a, _, _ := st.Get("a")
	b, _, _ := st.Get("b")
	assert.Equal(t, model.LabelProcedural, a.Label)
	assert.Equal(t, model.LabelSubstantive, b.Label)
}

func TestStore_WriteClassificationsRejectsInvalidLabel(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Upsert(testSpeech("a", model.SourceModern)))

	err := st.WriteClassifications([]Classification{
		{SpeechID: "a", Label: "bogus", Score: 0.9},
	})
	require.Error(t, err)

	// Nothing was written.
	a, _, _ := st.Get("a")
	assert.Equal(t, model.LabelUnclassified, a.Label)
}

func TestStore_ScanUnclassifiedPaging(t *testing.T) {
	st := openTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, st.Upsert(testSpeech(fmt.Sprintf("sp-%02d", i), model.SourceModern)))
	}
	require.NoError(t, st.WriteClassification("sp-03", model.LabelProcedural, 1.0))

	var seen []string
	after := ""
	for {
		page, err := st.ScanUnclassified(4, after)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, sp := range page {
			seen = append(seen, sp.SpeechID)
		}
		after = page[len(page)-1].SpeechID
	}

	assert.Len(t, seen, 9)
	assert.NotContains(t, seen, "sp-03")
	// Ascending order, no duplicates across page boundaries.
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestStore_CountByLabel(t *testing.T) {
	st := openTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, st.Upsert(testSpeech(fmt.Sprintf("sp-%d", i), model.SourceModern)))
	}
	require.NoError(t, st.WriteClassification("sp-0", model.LabelProcedural, 1.0))
	require.NoError(t, st.WriteClassification("sp-1", model.LabelSubstantive, 0.8))

	counts, err := st.CountByLabel()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.LabelUnclassified])
	assert.Equal(t, 1, counts[model.LabelProcedural])
	assert.Equal(t, 1, counts[model.LabelSubstantive])
}

func TestStore_CursorRoundtrip(t *testing.T) {
	st := openTestStore(t)

	_, ok, err := st.LoadCursor(model.SourceModern)
	require.NoError(t, err)
	assert.False(t, ok)

	cur := model.FetchCursor{
		Source:      model.SourceModern,
		Position:    "CREC-2023-05-17",
		LastSuccess: time.Date(2023, 5, 18, 3, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.SaveCursor(cur))

	got, ok, err := st.LoadCursor(model.SourceModern)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cur.Position, got.Position)
	assert.True(t, cur.LastSuccess.Equal(got.LastSuccess))

	// Cursors are per source.
	_, ok, err = st.LoadCursor(model.SourceHistorical)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_BudgetRoundtrip(t *testing.T) {
	st := openTestStore(t)

	_, ok, err := st.LoadBudget()
	require.NoError(t, err)
	assert.False(t, ok)

	b := model.RateBudget{WindowStart: time.Now().UTC().Truncate(time.Second), Used: 412}
	require.NoError(t, st.SaveBudget(b))

	got, ok, err := st.LoadBudget()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 412, got.Used)
	assert.True(t, b.WindowStart.Equal(got.WindowStart))
}

func TestStore_UnitLedger(t *testing.T) {
	st := openTestStore(t)

	done, err := st.IsUnitDone(model.SourceModern, "CREC-2023-05-17")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, st.MarkUnitDone(model.SourceModern, "CREC-2023-05-17"))

	done, err = st.IsUnitDone(model.SourceModern, "CREC-2023-05-17")
	require.NoError(t, err)
	assert.True(t, done)

	// Same unit id under the other source is independent.
	done, err = st.IsUnitDone(model.SourceHistorical, "CREC-2023-05-17")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestStore_FailureLedgerAccumulatesAndClearsOnDone(t *testing.T) {
	st := openTestStore(t)

	cause := errors.New("summary: connection reset")
	require.NoError(t, st.RecordUnitFailure(model.SourceModern, "CREC-2023-06-01", cause))
	require.NoError(t, st.RecordUnitFailure(model.SourceModern, "CREC-2023-06-01", cause))

	failed, err := st.FailedUnits()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Contains(t, failed[0].LastErr, "connection reset")

	// A later success clears the failure entry.
	require.NoError(t, st.MarkUnitDone(model.SourceModern, "CREC-2023-06-01"))
	failed, err = st.FailedUnits()
	require.NoError(t, err)
	assert.Empty(t, failed)
}
