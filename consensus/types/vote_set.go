package types

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/wangzhecodingfy/rei/types"
)

var (
	ErrVoteUnexpectedStep          = errors.New("unexpected step")
	ErrVoteInvalidValidatorAddress = errors.New("validator is not in the active set")
	ErrVoteUnwantedRound           = errors.New("vote round is too far ahead")
	ErrVoteHeightMismatch          = errors.New("vote height mismatch")
)

// ErrVoteConflictingVotes carries two votes of one validator for different
// blocks in the same (height, round, type).
type ErrVoteConflictingVotes struct {
	VoteA *types.Vote
	VoteB *types.Vote
}

func (err *ErrVoteConflictingVotes) Error() string {
	return fmt.Sprintf("conflicting votes from validator %v", err.VoteA.ValidatorAddress)
}

/*
VoteSet collects the prevotes or precommits of one (height, round) from the
active validators.

Each validator has at most one vote. A second vote for the same block is a
no-op; a vote for a different block is rejected with ErrVoteConflictingVotes
so the caller can turn it into evidence.
*/
type VoteSet struct {
	chainID       string
	height        int64
	round         int32
	signedMsgType types.SignedMsgType
	valSet        *types.ValidatorSet

	mtx          sync.Mutex
	votes        map[string]*types.Vote
	sum          int64
	votesByBlock map[string]int64
	maj23        tmbytes.HexBytes
	hasMaj23     bool
}

// NewVoteSet constructs a new VoteSet struct used to accumulate votes for given height/round.
func NewVoteSet(chainID string, height int64, round int32,
	signedMsgType types.SignedMsgType, valSet *types.ValidatorSet) *VoteSet {
	if height == 0 {
		panic("Cannot make VoteSet for height == 0, doesn't make sense.")
	}
	return &VoteSet{
		chainID:       chainID,
		height:        height,
		round:         round,
		signedMsgType: signedMsgType,
		valSet:        valSet,
		votes:         make(map[string]*types.Vote),
		votesByBlock:  make(map[string]int64),
	}
}

func (voteSet *VoteSet) Height() int64 {
	return voteSet.height
}

func (voteSet *VoteSet) Round() int32 {
	return voteSet.round
}

func (voteSet *VoteSet) Type() types.SignedMsgType {
	return voteSet.signedMsgType
}

// AddVote verifies and records vote. added is false for a vote that was
// already present.
func (voteSet *VoteSet) AddVote(vote *types.Vote) (added bool, err error) {
	if voteSet == nil {
		panic("AddVote() on nil VoteSet")
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()

	if vote == nil {
		return false, types.ErrVoteNil
	}
	if vote.Height != voteSet.height || vote.Round != voteSet.round || vote.Type != voteSet.signedMsgType {
		return false, errors.Wrapf(ErrVoteUnexpectedStep, "expected %d/%d/%v, but got %d/%d/%v",
			voteSet.height, voteSet.round, voteSet.signedMsgType, vote.Height, vote.Round, vote.Type)
	}
	if !voteSet.valSet.HasAddress(vote.ValidatorAddress) {
		return false, errors.Wrapf(ErrVoteInvalidValidatorAddress, "address %v", vote.ValidatorAddress)
	}

	key := vote.ValidatorAddress.Key()
	if existing, ok := voteSet.votes[key]; ok {
		if bytes.Equal(existing.BlockHash, vote.BlockHash) {
			return false, nil
		}
		if err := vote.Verify(voteSet.chainID); err != nil {
			return false, errors.Wrapf(err, "failed to verify vote with ChainID %s", voteSet.chainID)
		}
		return false, &ErrVoteConflictingVotes{VoteA: existing, VoteB: vote}
	}

	if err := vote.Verify(voteSet.chainID); err != nil {
		return false, errors.Wrapf(err, "failed to verify vote with ChainID %s", voteSet.chainID)
	}

	power := voteSet.valSet.EffectivePower(vote.ValidatorAddress)
	voteSet.votes[key] = vote
	voteSet.sum += power
	blockKey := string(vote.BlockHash)
	voteSet.votesByBlock[blockKey] += power
	if !voteSet.hasMaj23 && voteSet.valSet.HasTwoThirds(voteSet.votesByBlock[blockKey]) {
		voteSet.maj23 = vote.BlockHash
		voteSet.hasMaj23 = true
	}
	return true, nil
}

// GetByAddress returns the vote of a validator, or nil.
func (voteSet *VoteSet) GetByAddress(address types.Address) *types.Vote {
	if voteSet == nil {
		return nil
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	return voteSet.votes[address.Key()]
}

// HasTwoThirdsMajority reports whether +2/3 voted for one block (or nil).
func (voteSet *VoteSet) HasTwoThirdsMajority() bool {
	if voteSet == nil {
		return false
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	return voteSet.hasMaj23
}

// TwoThirdsMajority returns the block hash +2/3 voted for. A nil hash with
// ok=true is a majority for nil.
func (voteSet *VoteSet) TwoThirdsMajority() (blockHash tmbytes.HexBytes, ok bool) {
	if voteSet == nil {
		return nil, false
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	return voteSet.maj23, voteSet.hasMaj23
}

// HasTwoThirdsAny reports whether +2/3 of the power voted, for anything.
func (voteSet *VoteSet) HasTwoThirdsAny() bool {
	if voteSet == nil {
		return false
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	return voteSet.valSet.HasTwoThirds(voteSet.sum)
}

func (voteSet *VoteSet) HasAll() bool {
	if voteSet == nil {
		return false
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	return voteSet.sum == voteSet.valSet.TotalVotingPower()
}

// Votes returns the collected votes ordered by validator address.
func (voteSet *VoteSet) Votes() []*types.Vote {
	if voteSet == nil {
		return nil
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	votes := make([]*types.Vote, 0, len(voteSet.votes))
	for _, v := range voteSet.validatorOrder() {
		votes = append(votes, voteSet.votes[v])
	}
	return votes
}

func (voteSet *VoteSet) validatorOrder() []string {
	keys := make([]string, 0, len(voteSet.votes))
	for _, addr := range voteSet.valSet.ActiveSigners() {
		if _, ok := voteSet.votes[addr.Key()]; ok {
			keys = append(keys, addr.Key())
		}
	}
	return keys
}

// MakeCommit builds a Commit from the precommits for the +2/3 block.
func (voteSet *VoteSet) MakeCommit() *types.Commit {
	if voteSet.signedMsgType != types.PrecommitType {
		panic("Cannot MakeCommit() unless VoteSet.Type is PrecommitType")
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	if !voteSet.hasMaj23 || len(voteSet.maj23) == 0 {
		panic("Cannot MakeCommit() unless a blockhash has +2/3")
	}
	commit := &types.Commit{
		Height:    voteSet.height,
		Round:     voteSet.round,
		BlockHash: voteSet.maj23,
	}
	for _, key := range voteSet.validatorOrder() {
		vote := voteSet.votes[key]
		if bytes.Equal(vote.BlockHash, voteSet.maj23) {
			commit.Precommits = append(commit.Precommits, vote)
		}
	}
	return commit
}

func (voteSet *VoteSet) String() string {
	if voteSet == nil {
		return "nil-VoteSet"
	}
	voteSet.mtx.Lock()
	defer voteSet.mtx.Unlock()
	strs := make([]string, 0, len(voteSet.votes))
	for _, key := range voteSet.validatorOrder() {
		strs = append(strs, voteSet.votes[key].String())
	}
	return fmt.Sprintf("VoteSet{H:%v R:%v T:%v +2/3:%v(%v) [%s]}",
		voteSet.height, voteSet.round, voteSet.signedMsgType, voteSet.maj23, voteSet.hasMaj23,
		strings.Join(strs, " "))
}
