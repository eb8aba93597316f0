package coordinator

// State is a step of the coordinator's state machine.
type State int

const (
	Quiescent State = iota
	ReceivedRequest
	ProposalSent
	ReceivedVotesCommit
	ReceivedVotesAbort
	SentGlobalDecision
	Shutdown
)

func (s State) String() string {
	switch s {
	case Quiescent:
		return "Quiescent"
	case ReceivedRequest:
		return "ReceivedRequest"
	case ProposalSent:
		return "ProposalSent"
	case ReceivedVotesCommit:
		return "ReceivedVotesCommit"
	case ReceivedVotesAbort:
		return "ReceivedVotesAbort"
	case SentGlobalDecision:
		return "SentGlobalDecision"
	case Shutdown:
		return "Shutdown"
	}
	return "State(?)"
}
