package types

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/wangzhecodingfy/rei/types"
)

// MaxFutureRounds bounds how far beyond the current round votes are kept.
const MaxFutureRounds = 2

type RoundVoteSet struct {
	Prevotes   *VoteSet
	Precommits *VoteSet
}

/*
HeightVoteSet keeps track of all VoteSets from round 0 to round+MaxFutureRounds
of one height. Votes for rounds further ahead are rejected, so a peer can not
make us allocate vote sets for arbitrary rounds.
*/
type HeightVoteSet struct {
	chainID string
	height  int64
	valSet  *types.ValidatorSet

	mtx           sync.Mutex
	round         int32
	roundVoteSets map[int32]RoundVoteSet
}

func NewHeightVoteSet(chainID string, height int64, valSet *types.ValidatorSet) *HeightVoteSet {
	hvs := &HeightVoteSet{
		chainID: chainID,
	}
	hvs.Reset(height, valSet)
	return hvs
}

func (hvs *HeightVoteSet) Reset(height int64, valSet *types.ValidatorSet) {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()

	hvs.height = height
	hvs.valSet = valSet
	hvs.roundVoteSets = make(map[int32]RoundVoteSet)
	hvs.addRound(0)
	hvs.round = 0
}

func (hvs *HeightVoteSet) Height() int64 {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	return hvs.height
}

func (hvs *HeightVoteSet) Round() int32 {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	return hvs.round
}

// SetRound creates vote sets up to round.
func (hvs *HeightVoteSet) SetRound(round int32) {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	if hvs.round != 0 && (round < hvs.round+1) {
		panic("SetRound() must increment hvs.round")
	}
	for r := hvs.round + 1; r <= round; r++ {
		if _, ok := hvs.roundVoteSets[r]; ok {
			continue
		}
		hvs.addRound(r)
	}
	hvs.round = round
}

func (hvs *HeightVoteSet) addRound(round int32) {
	if _, ok := hvs.roundVoteSets[round]; ok {
		panic("addRound() for an existing round")
	}
	prevotes := NewVoteSet(hvs.chainID, hvs.height, round, types.PrevoteType, hvs.valSet)
	precommits := NewVoteSet(hvs.chainID, hvs.height, round, types.PrecommitType, hvs.valSet)
	hvs.roundVoteSets[round] = RoundVoteSet{
		Prevotes:   prevotes,
		Precommits: precommits,
	}
}

// AddVote adds a vote to the matching round. Duplicate votes return
// added=false with no error.
func (hvs *HeightVoteSet) AddVote(vote *types.Vote) (added bool, err error) {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	if vote.Height != hvs.height {
		return false, errors.Wrapf(ErrVoteHeightMismatch, "want %d, got %d", hvs.height, vote.Height)
	}
	if !types.IsVoteTypeValid(vote.Type) {
		return false, fmt.Errorf("invalid vote type %v", vote.Type)
	}
	if vote.Round < 0 || vote.Round > hvs.round+MaxFutureRounds {
		return false, errors.Wrapf(ErrVoteUnwantedRound, "round %d, current %d", vote.Round, hvs.round)
	}
	if _, ok := hvs.roundVoteSets[vote.Round]; !ok {
		hvs.addRound(vote.Round)
	}
	return hvs.getVoteSet(vote.Round, vote.Type).AddVote(vote)
}

func (hvs *HeightVoteSet) Prevotes(round int32) *VoteSet {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	return hvs.getVoteSet(round, types.PrevoteType)
}

func (hvs *HeightVoteSet) Precommits(round int32) *VoteSet {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	return hvs.getVoteSet(round, types.PrecommitType)
}

// POLInfo returns the last round and block hash that has +2/3 prevotes for a
// particular block. Returns -1 if no such round exists.
func (hvs *HeightVoteSet) POLInfo() (polRound int32, polBlockHash tmbytes.HexBytes) {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	for r := hvs.round; r >= 0; r-- {
		rvs := hvs.getVoteSet(r, types.PrevoteType)
		hash, ok := rvs.TwoThirdsMajority()
		if ok && len(hash) > 0 {
			return r, hash
		}
	}
	return -1, nil
}

func (hvs *HeightVoteSet) getVoteSet(round int32, voteType types.SignedMsgType) *VoteSet {
	rvs, ok := hvs.roundVoteSets[round]
	if !ok {
		return nil
	}
	switch voteType {
	case types.PrevoteType:
		return rvs.Prevotes
	case types.PrecommitType:
		return rvs.Precommits
	default:
		panic(fmt.Sprintf("Unexpected vote type %X", voteType))
	}
}

func (hvs *HeightVoteSet) String() string {
	hvs.mtx.Lock()
	defer hvs.mtx.Unlock()
	return fmt.Sprintf("HeightVoteSet{H:%v R:0~%v}", hvs.height, hvs.round)
}
