package classify

import (
	"github.com/legnlp/crecpipe/internal/model"
	"github.com/pkoukk/tiktoken-go"
)

// Batch is one unit of model work: a slice of speeches and the estimated
// token cost of their combined text.
type Batch struct {
	Speeches []model.Speech
	Tokens   int
}

// TokenEstimator estimates the token cost of one text.
type TokenEstimator interface {
	Estimate(text string) int
}

// TiktokenEstimator counts tokens with the model's own BPE vocabulary. If
// the encoding for the model is unknown it falls back to a bytes/4
// approximation, which overestimates safely for English prose.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTokenEstimator builds an estimator for the named model.
func NewTokenEstimator(modelName string) *TiktokenEstimator {
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		return &TiktokenEstimator{}
	}
	return &TiktokenEstimator{enc: enc}
}

// Estimate implements TokenEstimator.
func (e *TiktokenEstimator) Estimate(text string) int {
	if e.enc == nil {
		return len(text)/4 + 1
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Batcher partitions speeches into batches bounded both by record count and
// by estimated token total.
type Batcher struct {
	maxRecords int
	maxTokens  int
	est        TokenEstimator
}

// NewBatcher builds a batcher with the given record and token ceilings.
// Non-positive ceilings disable that bound.
func NewBatcher(maxRecords, maxTokens int, est TokenEstimator) *Batcher {
	return &Batcher{maxRecords: maxRecords, maxTokens: maxTokens, est: est}
}

// Batch greedily packs the speeches, preserving input order. A single
// speech whose token estimate exceeds the ceiling still gets a batch of
// its own: nothing is dropped at this stage.
func (b *Batcher) Batch(speeches []model.Speech) []Batch {
	var out []Batch
	var cur Batch
	for _, sp := range speeches {
		cost := b.est.Estimate(sp.Text)
		full := len(cur.Speeches) > 0 &&
			((b.maxRecords > 0 && len(cur.Speeches) >= b.maxRecords) ||
				(b.maxTokens > 0 && cur.Tokens+cost > b.maxTokens))
		if full {
			out = append(out, cur)
			cur = Batch{}
		}
		cur.Speeches = append(cur.Speeches, sp)
		cur.Tokens += cost
	}
	if len(cur.Speeches) > 0 {
		out = append(out, cur)
	}
	return out
}
