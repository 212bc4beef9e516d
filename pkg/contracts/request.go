package contracts

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/kernel/errorir"
)

// Description bounds, in Unicode code points after NFC normalisation.
const (
	MinDescriptionLen = 10
	MaxDescriptionLen = 5000
)

// Priority is the caller-declared urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities in ascending order.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Rank orders priorities low < medium < high < urgent. Unknown priorities rank -1.
func (p Priority) Rank() int {
	for i, q := range Priorities {
		if p == q {
			return i
		}
	}
	return -1
}

// ExecutionRequest is a task submitted for routing and execution.
type ExecutionRequest struct {
	TaskDescription string         `json:"task_description"`
	Priority        Priority       `json:"priority"`
	Context         map[string]any `json:"context,omitempty"`
	MaxTokens       *int           `json:"max_tokens,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
}

// DescriptionLength counts code points of the NFC-normalised description.
func DescriptionLength(s string) int {
	return utf8.RuneCountInString(norm.NFC.String(s))
}

// Validate enforces the request invariants that must hold before scoring.
func (r *ExecutionRequest) Validate() error {
	n := DescriptionLength(r.TaskDescription)
	if n < MinDescriptionLen {
		return errorir.New(errorir.KindDescriptionTooShort,
			fmt.Sprintf("task_description must be at least %d characters, got %d", MinDescriptionLen, n))
	}
	if n > MaxDescriptionLen {
		return errorir.New(errorir.KindDescriptionTooLong,
			fmt.Sprintf("task_description must be at most %d characters, got %d", MaxDescriptionLen, n))
	}
	if r.Priority.Rank() < 0 {
		return errorir.New(errorir.KindInvalidRequest, fmt.Sprintf("unknown priority %q", r.Priority))
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errorir.New(errorir.KindInvalidRequest, "max_tokens must be positive")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return errorir.New(errorir.KindInvalidRequest, "temperature must be within [0, 2]")
	}
	return nil
}

// BudgetHint returns context.budget_usd when it is a positive number.
func (r *ExecutionRequest) BudgetHint() (float64, bool) {
	v, ok := r.Context["budget_usd"]
	if !ok {
		return 0, false
	}
	f, ok := AsFloat(v)
	if !ok || f <= 0 {
		return 0, false
	}
	return f, true
}

// AsFloat converts JSON-decoded numeric values.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
