package lifecycle

import "github.com/leadforge/dealbot/internal/domain"

// stageStatus maps each negotiation stage to the deal status it corresponds
// to. The two state machines are deliberately separate: stages describe the
// conversation, statuses describe the pipeline; this table is the only
// coupling point.
var stageStatus = map[domain.NegotiationStage]domain.DealStatus{
	domain.StageInitial:     domain.DealStatusInProgress,
	domain.StageContacted:   domain.DealStatusInProgress,
	domain.StageNegotiating: domain.DealStatusInProgress,
	domain.StageWarm:        domain.DealStatusWarm,
	domain.StageHanded:      domain.DealStatusHanded,
}

// StatusForStage returns the deal status implied by a negotiation stage.
// StageClosed has no single status (the deal may be WON or LOST) and reports
// ok=false.
func StatusForStage(stage domain.NegotiationStage) (domain.DealStatus, bool) {
	s, ok := stageStatus[stage]
	return s, ok
}

// StageForVerdict returns the stage a session should advance to after an
// adapter verdict, given its current stage.
func StageForVerdict(current domain.NegotiationStage, verdict domain.Verdict) domain.NegotiationStage {
	switch verdict {
	case domain.VerdictWarm:
		return domain.StageWarm
	case domain.VerdictLost:
		return domain.StageClosed
	default:
		// continue: initial -> contacted -> negotiating, then stays put
		switch current {
		case domain.StageInitial:
			return domain.StageContacted
		case domain.StageContacted:
			return domain.StageNegotiating
		default:
			return current
		}
	}
}
