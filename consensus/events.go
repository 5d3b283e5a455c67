package consensus

// Events fired on the EventSwitch of ConsensusState. Round events carry an
// EventDataRoundState, EventVote the *types.Vote and EventNewBlock the
// committed *types.Block.
const (
	EventNewRoundStep     = "NewRoundStep"
	EventNewRound         = "NewRound"
	EventCompleteProposal = "CompleteProposal"
	EventPolka            = "Polka"
	EventLock             = "Lock"
	EventRelock           = "Relock"
	EventUnlock           = "Unlock"
	EventValidBlock       = "ValidBlock"
	EventVote             = "Vote"
	EventTimeoutPropose   = "TimeoutPropose"
	EventTimeoutWait      = "TimeoutWait"
	EventNewBlock         = "NewBlock"
)
