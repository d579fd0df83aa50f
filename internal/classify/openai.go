package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/legnlp/crecpipe/internal/model"
)

const systemPrompt = `You classify excerpts from the U.S. Congressional Record.
For each numbered excerpt decide whether it is "procedural" (administrative
procedure: yielding time, quorum calls, motions, scheduling, clerk actions)
or "substantive" (political debate: policy argument, position-taking,
discussion of a bill's merits).
Respond with ONLY a JSON array, one object per excerpt, in input order:
[{"label":"procedural","confidence":0.93}, ...]
"label" is "procedural" or "substantive"; "confidence" is between 0 and 1.`

// OpenAIScorer sends batches to an OpenAI-compatible chat completion
// endpoint. A custom base URL points it at any compatible local server.
type OpenAIScorer struct {
	client    *openai.Client
	model     string
	precision string
	timeout   time.Duration
}

// NewOpenAIScorer builds a scorer for the configured endpoint and model.
func NewOpenAIScorer(cfg model.ClassifyConfig) *OpenAIScorer {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return &OpenAIScorer{
		client:    openai.NewClientWithConfig(cc),
		model:     cfg.Model,
		precision: cfg.Precision,
		timeout:   cfg.Timeout,
	}
}

// Probe verifies the endpoint answers before any batch is committed.
func (s *OpenAIScorer) Probe(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.client.ListModels(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return nil
}

// Score implements Scorer. The response must carry exactly one verdict per
// input text; anything else fails the whole batch.
func (s *OpenAIScorer) Score(ctx context.Context, texts []string) ([]Result, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sb strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, t)
	}

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
	}
	// Precision is passed through opaquely for models that accept a
	// reasoning-effort knob; the endpoint ignores it otherwise.
	if s.precision != "" {
		req.ReasoningEffort = s.precision
	}
	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion response")
	}
	return parseVerdicts(resp.Choices[0].Message.Content, len(texts))
}

func (s *OpenAIScorer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type verdict struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// parseVerdicts extracts the JSON array from the completion text, tolerating
// code fences and surrounding prose, and validates count and labels.
func parseVerdicts(content string, want int) ([]Result, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in model response")
	}
	var raw []verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode verdicts: %w", err)
	}
	if len(raw) != want {
		return nil, fmt.Errorf("got %d verdicts for %d texts", len(raw), want)
	}

	out := make([]Result, len(raw))
	for i, v := range raw {
		var label model.Label
		switch strings.ToLower(strings.TrimSpace(v.Label)) {
		case "procedural":
			label = model.LabelProcedural
		case "substantive":
			label = model.LabelSubstantive
		default:
			return nil, fmt.Errorf("verdict %d: unknown label %q", i+1, v.Label)
		}
		conf := v.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		out[i] = Result{Label: label, Confidence: conf}
	}
	return out, nil
}
