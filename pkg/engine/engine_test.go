package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/engine"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/llm"
)

// scripted replays canned backend responses in order.
type scripted struct {
	mu       sync.Mutex
	replies  []any // string, *llm.Response or error
	requests [][]llm.Message
}

func (s *scripted) Chat(ctx context.Context, msgs []llm.Message, _ *llm.SamplingOptions) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, msgs)
	if len(s.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	switch v := next.(type) {
	case error:
		return nil, v
	case *llm.Response:
		return v, nil
	default:
		return &llm.Response{Content: v.(string), FinishReason: "stop", Usage: llm.Usage{TotalTokens: 100}}, nil
	}
}

var cost = engine.CostModel{PerCallUSD: 0.01, PerThousandTokensUSD: 0.1, BaseLatency: time.Second, LatencyPerThousand: time.Second}

func request() contracts.ExecutionRequest {
	return contracts.ExecutionRequest{TaskDescription: "Summarize the quarterly numbers", Priority: contracts.PriorityMedium}
}

func TestDirect_Run(t *testing.T) {
	client := &scripted{replies: []any{"summary"}}
	out, err := engine.NewDirect(client, cost).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "summary", out.Output)
	assert.Equal(t, 1, out.Calls)
	assert.Equal(t, int64(100), out.TokensUsed)
	assert.InDelta(t, 0.01+0.01, out.CostUSD, 1e-12)
}

func TestTeam_ApprovedFirstPass(t *testing.T) {
	client := &scripted{replies: []any{"1. read\n2. write", "deliverable", "APPROVED\nlooks good"}}
	out, err := engine.NewTeam(client, cost).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "deliverable", out.Output)
	assert.Equal(t, 3, out.Calls)
	assert.Contains(t, client.requests[1][1].Content, "1. read")
}

func TestTeam_RevisesAfterRejection(t *testing.T) {
	client := &scripted{replies: []any{"plan", "draft", "REJECTED\nmissing totals", "fixed", "APPROVED"}}
	out, err := engine.NewTeam(client, cost).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "fixed", out.Output)
	assert.Equal(t, 5, out.Calls)
	revision := client.requests[3]
	assert.Contains(t, revision[len(revision)-1].Content, "missing totals")
	// The revision goes back through the verifier.
	assert.Contains(t, client.requests[4][1].Content, "Deliverable:\nfixed")
}

func TestTeam_RejectedRevisionFails(t *testing.T) {
	client := &scripted{replies: []any{"plan", "draft", "REJECTED\nmissing totals", "still short", "REJECTED\nstill missing"}}
	out, err := engine.NewTeam(client, cost).Run(context.Background(), request())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.False(t, engine.IsRetryable(err))

	var ee *engine.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "verifier rejected the revised deliverable", ee.Reason)
	assert.Empty(t, ee.Spent.Output)
	assert.Equal(t, 5, ee.Spent.Calls)
	assert.Equal(t, int64(500), ee.Spent.TokensUsed)
	assert.InDelta(t, 5*0.01+0.5*0.1, ee.Spent.CostUSD, 1e-12)
}

func TestRun_FailureCarriesSpend(t *testing.T) {
	client := &scripted{replies: []any{"plan", &llm.APIError{StatusCode: 503}}}
	_, err := engine.NewTeam(client, cost).Run(context.Background(), request())
	require.Error(t, err)
	assert.True(t, engine.IsRetryable(err))

	spent := engine.SpentBy(err)
	assert.Equal(t, 2, spent.Calls)
	assert.Equal(t, int64(100), spent.TokensUsed)
	assert.InDelta(t, 2*0.01+0.1*0.1, spent.CostUSD, 1e-12)

	assert.Zero(t, engine.SpentBy(errors.New("plain")))
}

func TestDialogue_StopsWhenApproved(t *testing.T) {
	client := &scripted{replies: []any{"v1", "too vague", "v2", "APPROVED"}}
	out, err := engine.NewDialogue(client, cost, 3).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "v2", out.Output)
	assert.Equal(t, 4, out.Calls)
}

func TestDialogue_RoundBound(t *testing.T) {
	client := &scripted{replies: []any{"v1", "no", "v2", "no", "v3"}}
	out, err := engine.NewDialogue(client, cost, 2).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "v3", out.Output)
	assert.Equal(t, 5, out.Calls)
}

func TestRun_ErrorClassification(t *testing.T) {
	retryable := &scripted{replies: []any{&llm.APIError{StatusCode: 503}}}
	_, err := engine.NewDirect(retryable, cost).Run(context.Background(), request())
	assert.True(t, engine.IsRetryable(err))

	permanent := &scripted{replies: []any{&llm.APIError{StatusCode: 400}}}
	_, err = engine.NewDirect(permanent, cost).Run(context.Background(), request())
	require.Error(t, err)
	assert.False(t, engine.IsRetryable(err))

	truncated := &scripted{replies: []any{&llm.Response{Content: "half", FinishReason: "length"}}}
	_, err = engine.NewDirect(truncated, cost).Run(context.Background(), request())
	require.Error(t, err)
	assert.False(t, engine.IsRetryable(err))
}

func TestRun_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scripted{replies: []any{context.Canceled}}
	_, err := engine.NewDirect(client, cost).Run(ctx, request())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstimate_ScalesWithCalls(t *testing.T) {
	req := request()
	direct := engine.NewDirect(nil, cost).Estimate(req)
	team := engine.NewTeam(nil, cost).Estimate(req)
	dialogue := engine.NewDialogue(nil, cost, 2).Estimate(req)

	assert.InDelta(t, 3*direct.CostUSD, team.CostUSD, 1e-9)
	assert.InDelta(t, 5*direct.CostUSD, dialogue.CostUSD, 1e-9)
	assert.Equal(t, 3*direct.Latency, team.Latency)

	limit := 64
	req.MaxTokens = &limit
	assert.Less(t, engine.NewDirect(nil, cost).Estimate(req).Tokens, direct.Tokens)
}

func TestCatalog(t *testing.T) {
	cat, err := engine.NewCatalog(engine.DefaultSpecs(), &scripted{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []contracts.EngineID{"dialogue", "direct", "team"}, cat.IDs())

	e, ok := cat.Get(contracts.EngineTeam)
	require.True(t, ok)
	assert.Equal(t, contracts.KindDecomposition, e.Kind())

	spec, ok := cat.Spec(contracts.EngineDirect)
	require.True(t, ok)
	assert.Equal(t, int64(16), spec.Capacity)

	_, err = engine.NewCatalog([]engine.Spec{{ID: "oracle"}}, &scripted{}, nil)
	assert.Error(t, err)

	_, err = engine.NewCatalog([]engine.Spec{{ID: "direct"}, {ID: "direct"}}, &scripted{}, nil)
	assert.True(t, err != nil && strings.Contains(err.Error(), "twice"))

	_, err = engine.NewCatalog(engine.DefaultSpecs(), nil, nil)
	assert.Error(t, err)
}
