package stores

import (
	"encoding/json"
	"fmt"

	"keeper/app/db/models"
	"keeper/app/states"
)

// NextResultStatus is what a handler's next phase learns about the mutation
// made by the previous one.
type NextResultStatus string

const (
	NextNone    NextResultStatus = "none"
	NextApplied NextResultStatus = "applied"
	NextSkipped NextResultStatus = "skipped"
)

type NextResult struct {
	Status NextResultStatus `json:"status"`
	Result interface{}      `json:"result,omitempty"`
}

// MutationResultForNext is the pure contract between a mutation and the
// phase that follows it. A nil mutation means none was attempted. A failed
// mutation reaches the next phase only after a user skip; any non-terminal
// status here is a scheduling bug, not a recoverable case.
func MutationResultForNext(mutation *models.Mutation) (*NextResult, error) {
	if mutation == nil {
		return &NextResult{Status: NextNone}, nil
	}

	status := states.MutationStatus(mutation.Status)
	switch status {
	case states.MutationApplied:
		var parsed interface{}
		if mutation.Result != "" {
			if err := json.Unmarshal([]byte(mutation.Result), &parsed); err != nil {
				return nil, fmt.Errorf("mutation %s result is not valid JSON: %w", mutation.ID, err)
			}
		}
		return &NextResult{Status: NextApplied, Result: parsed}, nil
	case states.MutationFailed:
		if states.Resolution(mutation.ResolvedBy) == states.ResolvedByUserSkip {
			return &NextResult{Status: NextSkipped}, nil
		}
		return nil, fmt.Errorf("Unexpected: failed mutation without skip in next phase")
	case states.MutationPending, states.MutationInFlight,
		states.MutationIndeterminate, states.MutationNeedsReconcile:
		return nil, fmt.Errorf("Unexpected mutation status in next phase: %s", mutation.Status)
	}
	return nil, fmt.Errorf("Unexpected mutation status in next phase: %s", mutation.Status)
}
