// Package verify grades draft answers against their retrieved
// evidence. The verdict drives the agent loop: pass finalizes, warn
// finalizes with a low-confidence marking, fail loops with the
// verifier's reasoning injected when steps remain.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lontar-ai/lontar/pkg/config"
	"github.com/lontar-ai/lontar/pkg/llms"
	"github.com/lontar-ai/lontar/pkg/logger"
	"github.com/lontar-ai/lontar/pkg/observability"
)

// Verdict statuses.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Verdict is the verifier's judgment of a draft answer.
type Verdict struct {
	Status    string  `json:"status"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Generator is the slice of an LLM provider the verifier needs.
type Generator interface {
	Generate(ctx context.Context, req llms.Request) (*llms.Completion, error)
}

const verifySystem = `You grade a draft answer against the evidence passages it was built from. Check every factual claim: amounts, durations, requirements, legal references. Score 1.0 when everything is supported, 0.0 when the answer contradicts or invents beyond the evidence. General pleasantries and hedges need no support. Respond with JSON only: {"score": 0.0-1.0, "reasoning": "one or two sentences naming any unsupported claim"}.`

// Verifier grades drafts with an LLM call. Failure to grade is never
// fatal: an unreachable model or unparseable output degrades to warn,
// so verification can only mark answers, not lose them.
type Verifier struct {
	cfg *config.VerifierConfig
	gen Generator
	log *slog.Logger
}

func New(cfg *config.VerifierConfig, gen Generator) (*Verifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("verifier config is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("verifier generator is required")
	}
	return &Verifier{cfg: cfg, gen: gen, log: logger.For("verify")}, nil
}

// Verify grades draft against evidence. The returned verdict always
// has a valid status; the error is reserved for caller bugs (empty
// draft) and context cancellation.
func (v *Verifier) Verify(ctx context.Context, query, draft string, evidence []string) (*Verdict, error) {
	if strings.TrimSpace(draft) == "" {
		return nil, fmt.Errorf("draft answer cannot be empty")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if v.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()
	}

	completion, err := v.gen.Generate(ctx, llms.Request{
		System:   verifySystem,
		Messages: []llms.Message{{Role: "user", Content: buildPrompt(query, draft, evidence)}},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		v.log.Warn("verification call failed, degrading to warn", "error", err)
		return v.record(ctx, &Verdict{
			Status:    StatusWarn,
			Score:     v.cfg.WarnBelow,
			Reasoning: "verification unavailable: " + err.Error(),
		}), nil
	}

	verdict, err := v.parse(completion.Text)
	if err != nil {
		v.log.Warn("unparseable verification output, degrading to warn", "error", err)
		return v.record(ctx, &Verdict{
			Status:    StatusWarn,
			Score:     v.cfg.WarnBelow,
			Reasoning: "verifier output could not be parsed",
		}), nil
	}
	return v.record(ctx, verdict), nil
}

func buildPrompt(query, draft string, evidence []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nDraft answer:\n%s\n\nEvidence passages:\n", query, draft)
	if len(evidence) == 0 {
		b.WriteString("(none)\n")
	}
	for i, passage := range evidence {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, passage)
	}
	return b.String()
}

type verdictPayload struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// parse pulls the JSON object out of the model output, tolerating
// prose and code fences around it.
func (v *Verifier) parse(text string) (*Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in verifier output")
	}
	var payload verdictPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("invalid verifier JSON: %w", err)
	}
	if payload.Score < 0 || payload.Score > 1 {
		return nil, fmt.Errorf("verifier score %f out of range", payload.Score)
	}

	verdict := &Verdict{Score: payload.Score, Reasoning: payload.Reasoning}
	switch {
	case payload.Score < v.cfg.FailBelow:
		verdict.Status = StatusFail
	case payload.Score < v.cfg.WarnBelow:
		verdict.Status = StatusWarn
	default:
		verdict.Status = StatusPass
	}
	return verdict, nil
}

func (v *Verifier) record(ctx context.Context, verdict *Verdict) *Verdict {
	observability.GetGlobalMetrics().RecordVerifierVerdict(ctx, verdict.Status)
	return verdict
}
