package workflow

import (
	"fmt"

	"github.com/davidahmann/quotegate/pkg/types"
)

// Node names as recorded in the run log.
const (
	NodeValidate           = "Validate"
	NodeHandleMissingInfo  = "HandleMissingInfo"
	NodeEnrich             = "Enrich"
	NodeRetrieveGuidelines = "RetrieveGuidelines"
	NodeAssess             = "Assess"
	NodeCitationGuardrail  = "CitationGuardrail"
	NodeRate               = "Rate"
	NodeDecide             = "Decide"
	NodeStoreRun           = "StoreRun"
	NodeHumanReview        = "HumanReview"
)

var allowedTransitions = map[types.RunStatus][]types.RunStatus{
	types.RunPending:           {types.RunRunning, types.RunFailed},
	types.RunRunning:           {types.RunRunning, types.RunPausedMissingInfo, types.RunPausedReview, types.RunCompleted, types.RunFailed},
	types.RunPausedMissingInfo: {types.RunRunning, types.RunFailed},
	types.RunPausedReview:      {types.RunPausedReview, types.RunCompleted},
}

// ValidateTransition rejects any status change the run state machine does
// not allow. Terminal statuses have no outgoing transitions.
func ValidateTransition(from, to types.RunStatus) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", from, to)
}
