// Package engine defines the closed set of execution strategies and the
// contract the dispatcher drives them through.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/llm"
)

// Estimate is an engine's pre-execution cost and latency signature.
type Estimate struct {
	CostUSD float64       `json:"cost_usd"`
	Latency time.Duration `json:"latency"`
	Tokens  int64         `json:"tokens"`
}

// Outcome is a completed engine run.
type Outcome struct {
	Output     string        `json:"output"`
	TokensUsed int64         `json:"tokens_used"`
	CostUSD    float64       `json:"cost_usd"`
	Calls      int           `json:"calls"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Engine is the uniform contract every strategy implements.
type Engine interface {
	ID() contracts.EngineID
	Kind() contracts.EngineKind
	Estimate(req contracts.ExecutionRequest) Estimate
	Run(ctx context.Context, req contracts.ExecutionRequest) (*Outcome, error)
}

// Error is an engine-side failure. Retryable failures may succeed on a later
// attempt. Spent is the usage of the backend calls made before the failure;
// its Output is always empty.
type Error struct {
	Engine    contracts.EngineID
	Reason    string
	Retryable bool
	Spent     Outcome
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("engine %s: %s: %v", e.Engine, e.Reason, e.cause)
	}
	return fmt.Sprintf("engine %s: %s", e.Engine, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// IsRetryable reports whether err is a retryable engine failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// SpentBy returns the usage a failed run reported, zero when it reported none.
func SpentBy(err error) Outcome {
	var e *Error
	if errors.As(err, &e) {
		return e.Spent
	}
	return Outcome{}
}

// CostModel is the static pricing an engine is estimated and charged with.
type CostModel struct {
	PerCallUSD           float64       `yaml:"per_call_usd" json:"per_call_usd"`
	PerThousandTokensUSD float64       `yaml:"per_1k_tokens_usd" json:"per_1k_tokens_usd"`
	BaseLatency          time.Duration `yaml:"base_latency" json:"base_latency"`
	LatencyPerThousand   time.Duration `yaml:"latency_per_1k_tokens" json:"latency_per_1k_tokens"`
}

// Charge prices actual usage.
func (m CostModel) Charge(calls int, tokens int64) float64 {
	return float64(calls)*m.PerCallUSD + float64(tokens)/1000*m.PerThousandTokensUSD
}

// defaultCompletionTokens is assumed per call when the request sets no max_tokens.
const defaultCompletionTokens = 512

// promptOverheadTokens covers system prompts and role scaffolding.
const promptOverheadTokens = 50

func estimateCalls(m CostModel, req contracts.ExecutionRequest, calls int) Estimate {
	prompt := int64(utf8.RuneCountInString(req.TaskDescription)/4 + promptOverheadTokens)
	completion := int64(defaultCompletionTokens)
	if req.MaxTokens != nil {
		completion = int64(*req.MaxTokens)
	}
	perCall := prompt + completion
	total := perCall * int64(calls)
	latency := time.Duration(calls) * (m.BaseLatency + time.Duration(float64(m.LatencyPerThousand)*float64(perCall)/1000))
	return Estimate{
		CostUSD: m.Charge(calls, total),
		Latency: latency,
		Tokens:  total,
	}
}

// session tracks usage across the backend calls of one run.
type session struct {
	id      contracts.EngineID
	client  llm.Client
	cost    CostModel
	opts    *llm.SamplingOptions
	usage   llm.Usage
	calls   int
	started time.Time
}

func newSession(id contracts.EngineID, client llm.Client, cost CostModel, req contracts.ExecutionRequest) *session {
	opts := &llm.SamplingOptions{Temperature: req.Temperature}
	if req.MaxTokens != nil {
		opts.MaxTokens = *req.MaxTokens
	}
	return &session{id: id, client: client, cost: cost, opts: opts, started: time.Now()}
}

// ask performs one backend call. A truncated answer is a non-retryable failure
// so partial output is never reported as a result.
func (s *session) ask(ctx context.Context, msgs ...llm.Message) (string, error) {
	resp, err := s.client.Chat(ctx, msgs, s.opts)
	s.calls++
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", s.fail("backend call interrupted", false, ctxErr)
		}
		return "", s.fail("backend call failed", llm.IsRetryable(err), err)
	}
	s.usage.Add(resp.Usage)
	if resp.Truncated() {
		return "", s.fail("backend output was truncated", false, nil)
	}
	return resp.Content, nil
}

// fail builds an engine error carrying the usage so far.
func (s *session) fail(reason string, retryable bool, cause error) *Error {
	spent := s.outcome("")
	spent.Elapsed = 0
	return &Error{Engine: s.id, Reason: reason, Retryable: retryable, Spent: *spent, cause: cause}
}

func (s *session) outcome(output string) *Outcome {
	return &Outcome{
		Output:     output,
		TokensUsed: s.usage.TotalTokens,
		CostUSD:    s.cost.Charge(s.calls, s.usage.TotalTokens),
		Calls:      s.calls,
		Elapsed:    time.Since(s.started),
	}
}

// taskPrompt renders the request for the backend. Context keys are emitted in
// sorted order by encoding/json.
func taskPrompt(req contracts.ExecutionRequest) string {
	if len(req.Context) == 0 {
		return req.TaskDescription
	}
	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		return req.TaskDescription
	}
	return req.TaskDescription + "\n\nContext:\n" + string(ctxJSON)
}
