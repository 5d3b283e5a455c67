package types

import (
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/wangzhecodingfy/rei/types"
)

//-----------------------------------------------------------------------------
// RoundStepType enum type

// RoundStepType enumerates the state of the consensus state machine
type RoundStepType uint8

// RoundStepType
const (
	RoundStepNewHeight     = RoundStepType(0x01) // wait til CommitTime + timeoutCommit
	RoundStepPropose       = RoundStepType(0x02) // did propose, gossip proposal
	RoundStepPrevote       = RoundStepType(0x03) // did prevote, gossip prevotes
	RoundStepPrevoteWait   = RoundStepType(0x04) // did receive any +2/3 prevotes, start timeout
	RoundStepPrecommit     = RoundStepType(0x05) // did precommit, gossip precommits
	RoundStepPrecommitWait = RoundStepType(0x06) // did receive any +2/3 precommits, start timeout
	RoundStepCommit        = RoundStepType(0x07) // entered commit state machine
)

// IsValid returns true if the step is valid, false if unknown/undefined.
func (rs RoundStepType) IsValid() bool {
	return uint8(rs) >= 0x01 && uint8(rs) <= 0x07
}

// String returns a string
func (rs RoundStepType) String() string {
	switch rs {
	case RoundStepNewHeight:
		return "RoundStepNewHeight"
	case RoundStepPropose:
		return "RoundStepPropose"
	case RoundStepPrevote:
		return "RoundStepPrevote"
	case RoundStepPrevoteWait:
		return "RoundStepPrevoteWait"
	case RoundStepPrecommit:
		return "RoundStepPrecommit"
	case RoundStepPrecommitWait:
		return "RoundStepPrecommitWait"
	case RoundStepCommit:
		return "RoundStepCommit"
	default:
		return "RoundStepUnknown" // Cannot panic.
	}
}

//-----------------------------------------------------------------------------

// RoundState defines the internal consensus state.
// NOTE: Not thread safe. Should only be manipulated by functions downstream
// of the cs.receiveRoutine
type RoundState struct {
	Height    int64         `json:"height"`
	Round     int32         `json:"round"`
	Step      RoundStepType `json:"step"`
	StartTime time.Time     `json:"start_time"`

	// header of the block this height builds on
	Parent *types.Header `json:"parent"`

	// validators of this height, priorities as of round 0
	Validators *types.ValidatorSet `json:"-"`
	// proposer of the current round
	Proposer types.Address `json:"proposer"`

	Proposal      *types.Proposal `json:"proposal"`
	ProposalBlock *types.Block    `json:"proposal_block"`
	LockedRound   int32           `json:"locked_round"`
	LockedBlock   *types.Block    `json:"locked_block"`

	// Last known round with POL for non-nil valid block.
	ValidRound int32        `json:"valid_round"`
	ValidBlock *types.Block `json:"valid_block"`

	Votes       *HeightVoteSet `json:"-"`
	CommitRound int32          `json:"commit_round"`
	// set while the decided block is in the commit pipeline
	Committing bool `json:"committing"`
}

// RoundStateSimple is a compressed version of the RoundState for use in RPC
type RoundStateSimple struct {
	HeightRoundStep   string           `json:"height/round/step"`
	StartTime         time.Time        `json:"start_time"`
	ProposalBlockHash tmbytes.HexBytes `json:"proposal_block_hash"`
	LockedBlockHash   tmbytes.HexBytes `json:"locked_block_hash"`
	ValidBlockHash    tmbytes.HexBytes `json:"valid_block_hash"`
	Proposer          types.Address    `json:"proposer"`
	LockedRound       int32            `json:"locked_round"`
	ValidRound        int32            `json:"valid_round"`
}

// Simple compresses the RoundState to a RoundStateSimple.
func (rs *RoundState) Simple() RoundStateSimple {
	return RoundStateSimple{
		HeightRoundStep:   fmt.Sprintf("%d/%d/%d", rs.Height, rs.Round, rs.Step),
		StartTime:         rs.StartTime,
		ProposalBlockHash: rs.ProposalBlock.Hash(),
		LockedBlockHash:   rs.LockedBlock.Hash(),
		ValidBlockHash:    rs.ValidBlock.Hash(),
		Proposer:          rs.Proposer,
		LockedRound:       rs.LockedRound,
		ValidRound:        rs.ValidRound,
	}
}

// String returns a string
func (rs *RoundState) String() string {
	return fmt.Sprintf("RoundState{H:%v R:%v S:%v Proposer:%v Proposal:%v Locked:%v@%v Valid:%v@%v}",
		rs.Height, rs.Round, rs.Step, rs.Proposer, rs.Proposal,
		rs.LockedBlock.Hash(), rs.LockedRound, rs.ValidBlock.Hash(), rs.ValidRound)
}
