package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

// ArchivedResult is the immutable document stored for a terminal execution.
type ArchivedResult struct {
	ExecutionID         string             `json:"execution_id"`
	OwnerID             string             `json:"owner_id"`
	Engine              contracts.EngineID `json:"engine"`
	Status              contracts.Status   `json:"status"`
	Output              string             `json:"output,omitempty"`
	ErrorKind           string             `json:"error_kind,omitempty"`
	TokensUsed          int64              `json:"tokens_used"`
	CostUSD             float64            `json:"cost_usd"`
	Attempts            int                `json:"attempts"`
	DecisionID          string             `json:"decision_id"`
	DecisionFingerprint string             `json:"decision_fingerprint"`
	FinishedAt          time.Time          `json:"finished_at"`
}

// Archive writes terminal results to a Store.
type Archive struct {
	store Store
}

func NewArchive(store Store) *Archive {
	return &Archive{store: store}
}

// ArchiveResult stores r and returns its content ref. Only terminal results
// are archived.
func (a *Archive) ArchiveResult(ctx context.Context, r *contracts.ExecutionResult) (string, error) {
	if !r.Status.Terminal() {
		return "", fmt.Errorf("execution %s is %s, not terminal", r.ExecutionID, r.Status)
	}
	doc := ArchivedResult{
		ExecutionID:         r.ExecutionID,
		OwnerID:             r.OwnerID,
		Engine:              r.Engine,
		Status:              r.Status,
		Output:              r.Result,
		ErrorKind:           r.ErrorKind,
		TokensUsed:          r.TokensUsed,
		CostUSD:             r.CostUSD,
		Attempts:            r.Attempts,
		DecisionID:          r.Decision.DecisionID,
		DecisionFingerprint: r.Decision.Fingerprint,
		FinishedAt:          r.UpdatedAt.UTC(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal archived result: %w", err)
	}
	return a.store.Put(ctx, data)
}

// Load reads an archived result back by ref.
func (a *Archive) Load(ctx context.Context, ref string) (*ArchivedResult, error) {
	data, err := a.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var doc ArchivedResult
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode archived result %s: %w", ref, err)
	}
	return &doc, nil
}

// Ping checks the backing store.
func (a *Archive) Ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}
