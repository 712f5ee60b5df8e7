package pipeline

// Phase is the lifecycle stage of a download job. Progress percentages are
// carved up per phase: fetch owns 0-85, validation 85-90, assembly 90-95 and
// the final sink write 95-100.
type Phase string

const (
	PhaseResolving  Phase = "resolving"
	PhaseFetching   Phase = "fetching"
	PhaseValidating Phase = "validating"
	PhaseAssembling Phase = "assembling"
	PhaseWriting    Phase = "writing"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseFailed, PhaseCancelled:
		return true
	default:
		return false
	}
}

const (
	percentFetchDone    = 85
	percentValidateDone = 90
	percentAssembleDone = 95
)
