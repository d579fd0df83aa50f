package classify

import (
	"context"
	"errors"

	"github.com/legnlp/crecpipe/internal/model"
)

// ErrModelUnavailable means the inference backend cannot be reached or
// refuses the configured model. The run aborts rather than burning the
// backlog against a dead endpoint.
var ErrModelUnavailable = errors.New("classification model unavailable")

// Result is one model verdict: a label and the model's confidence in it.
type Result struct {
	Label      model.Label
	Confidence float64
}

// Scorer produces one Result per input text, in input order. Probe is a
// cheap liveness check run once before any batch is sent.
type Scorer interface {
	Score(ctx context.Context, texts []string) ([]Result, error)
	Probe(ctx context.Context) error
}
