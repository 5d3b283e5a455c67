package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

var (
	ErrEvidenceNilVote        = errors.New("duplicate vote evidence requires two non-nil votes")
	ErrEvidenceMismatchedVote = errors.New("votes are not for the same validator, height, round and type")
	ErrEvidenceIdenticalVote  = errors.New("votes are for the same block")
)

// Evidence is proof of validator misbehavior, included in blocks and
// punished on execution.
type Evidence interface {
	Height() int64
	Address() Address
	Bytes() []byte
	Hash() tmbytes.HexBytes
	ValidateBasic() error
	String() string
}

func init() {
	tmjson.RegisterType(&DuplicateVoteEvidence{}, "rei/DuplicateVoteEvidence")
}

// DuplicateVoteEvidence holds two conflicting votes signed by one validator
// for the same (height, round, type). VoteA always has the smaller block hash.
type DuplicateVoteEvidence struct {
	VoteA *Vote `json:"vote_a"`
	VoteB *Vote `json:"vote_b"`
}

var _ Evidence = &DuplicateVoteEvidence{}

// NewDuplicateVoteEvidence orders the two votes canonically. Nil votes or a
// nil-block vote cannot form evidence.
func NewDuplicateVoteEvidence(vote1, vote2 *Vote) (*DuplicateVoteEvidence, error) {
	if vote1 == nil || vote2 == nil || vote1.IsNil() || vote2.IsNil() {
		return nil, ErrEvidenceNilVote
	}
	if !vote1.SameSlot(vote2) {
		return nil, ErrEvidenceMismatchedVote
	}
	switch bytes.Compare(vote1.BlockHash, vote2.BlockHash) {
	case 0:
		return nil, ErrEvidenceIdenticalVote
	case 1:
		vote1, vote2 = vote2, vote1
	}
	return &DuplicateVoteEvidence{VoteA: vote1, VoteB: vote2}, nil
}

func (dve *DuplicateVoteEvidence) Height() int64 {
	return dve.VoteA.Height
}

func (dve *DuplicateVoteEvidence) Address() Address {
	return dve.VoteA.ValidatorAddress
}

func (dve *DuplicateVoteEvidence) Bytes() []byte {
	bz, err := tmjson.Marshal(dve)
	if err != nil {
		panic(err)
	}
	return bz
}

func (dve *DuplicateVoteEvidence) Hash() tmbytes.HexBytes {
	return tmhash.Sum(dve.Bytes())
}

func (dve *DuplicateVoteEvidence) ValidateBasic() error {
	if dve == nil {
		return errors.New("empty duplicate vote evidence")
	}
	if dve.VoteA == nil || dve.VoteB == nil {
		return ErrEvidenceNilVote
	}
	if err := dve.VoteA.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid VoteA: %w", err)
	}
	if err := dve.VoteB.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid VoteB: %w", err)
	}
	if dve.VoteA.IsNil() || dve.VoteB.IsNil() {
		return ErrEvidenceNilVote
	}
	if !dve.VoteA.SameSlot(dve.VoteB) {
		return ErrEvidenceMismatchedVote
	}
	if bytes.Compare(dve.VoteA.BlockHash, dve.VoteB.BlockHash) >= 0 {
		return errors.New("duplicate votes in invalid order")
	}
	return nil
}

// Verify checks both signatures. Membership of the validator at the evidence
// height is checked by the evidence pool.
func (dve *DuplicateVoteEvidence) Verify(chainID string) error {
	if err := dve.VoteA.Verify(chainID); err != nil {
		return fmt.Errorf("verifying VoteA: %w", err)
	}
	if err := dve.VoteB.Verify(chainID); err != nil {
		return fmt.Errorf("verifying VoteB: %w", err)
	}
	return nil
}

func (dve *DuplicateVoteEvidence) String() string {
	return fmt.Sprintf("DuplicateVoteEvidence{VoteA: %v, VoteB: %v}", dve.VoteA, dve.VoteB)
}

// EvidenceList is the evidence carried by a block.
type EvidenceList []Evidence

func (evl EvidenceList) Hash() tmbytes.HexBytes {
	bzs := make([][]byte, len(evl))
	for i, ev := range evl {
		bzs[i] = ev.Hash()
	}
	return merkle.HashFromByteSlices(bzs)
}

func (evl EvidenceList) Has(ev Evidence) bool {
	for _, e := range evl {
		if bytes.Equal(e.Hash(), ev.Hash()) {
			return true
		}
	}
	return false
}

func (evl EvidenceList) String() string {
	s := ""
	for _, e := range evl {
		s += fmt.Sprintf("%s\t\t", e)
	}
	return s
}
