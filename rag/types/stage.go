package types

import "time"

// Stage names one step of the retrieval pipeline.
type Stage string

const (
	StageDense   Stage = "dense"
	StageLexical Stage = "lexical"
	StageFuzzy   Stage = "fuzzy"
	StageRerank  Stage = "rerank"
)

// StageStatus is the outcome kind of a stage.
type StageStatus string

const (
	StatusOK      StageStatus = "ok"
	StatusSkipped StageStatus = "skipped"
	StatusFailed  StageStatus = "failed"
)

// StageOutcome is the typed result of running one retrieval stage. A failed
// stage contributes no candidates; the pipeline carries on regardless.
type StageOutcome struct {
	Stage      Stage
	Status     StageStatus
	Candidates []ScoredCandidate
	Err        error
	Duration   time.Duration
}

// Report collects the outcomes of one Retrieve call, in execution order.
type Report struct {
	Query    string
	Outcomes []StageOutcome
}

// Outcome returns the outcome recorded for stage, if any.
func (r Report) Outcome(stage Stage) (StageOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Stage == stage {
			return o, true
		}
	}
	return StageOutcome{}, false
}
