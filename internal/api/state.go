package api

import "github.com/davidahmann/quotegate/pkg/types"

type NextAction string

const (
	ActionReturnFinal    NextAction = "return_final"
	ActionAnswer         NextAction = "answer_questions"
	ActionAwaitReview    NextAction = "await_review"
	ActionReturnErrored  NextAction = "return_errored"
	ActionAwaitExecution NextAction = "await_execution"
)

// DetermineNextAction tells a caller what a run is waiting for.
func DetermineNextAction(run types.RunRecord) NextAction {
	switch run.Status {
	case types.RunCompleted:
		return ActionReturnFinal
	case types.RunFailed:
		return ActionReturnErrored
	case types.RunPausedMissingInfo:
		return ActionAnswer
	case types.RunPausedReview:
		return ActionAwaitReview
	default:
		return ActionAwaitExecution
	}
}
