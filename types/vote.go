package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

var (
	ErrVoteInvalidValidatorAddress = errors.New("invalid validator address")
	ErrVoteInvalidSignature        = errors.New("invalid signature")
	ErrVoteInvalidBlockHash        = errors.New("invalid block hash")
	ErrVoteNonDeterministicSig     = errors.New("non-deterministic signature")
	ErrVoteNil                     = errors.New("nil vote")
)

// SignedMsgType distinguishes the messages a validator signs.
type SignedMsgType uint8

const (
	PrevoteType   = SignedMsgType(0x01)
	PrecommitType = SignedMsgType(0x02)
	ProposalType  = SignedMsgType(0x20)
)

func IsVoteTypeValid(t SignedMsgType) bool {
	return t == PrevoteType || t == PrecommitType
}

func (t SignedMsgType) String() string {
	switch t {
	case PrevoteType:
		return "Prevote"
	case PrecommitType:
		return "Precommit"
	case ProposalType:
		return "Proposal"
	default:
		return "UnknownType"
	}
}

// Vote is a prevote or precommit from a validator. A nil BlockHash is a vote
// for nothing. The signer's key travels with the vote so it can be checked
// against the address without a key registry.
type Vote struct {
	Type             SignedMsgType    `json:"type"`
	Height           int64            `json:"height"`
	Round            int32            `json:"round"`
	BlockHash        tmbytes.HexBytes `json:"block_hash"`
	ValidatorAddress Address          `json:"validator_address"`
	PubKey           crypto.PubKey    `json:"pub_key"`
	Signature        tmbytes.HexBytes `json:"signature"`
}

type canonicalVote struct {
	ChainID   string           `json:"chain_id"`
	Type      SignedMsgType    `json:"type"`
	Height    int64            `json:"height"`
	Round     int32            `json:"round"`
	BlockHash tmbytes.HexBytes `json:"block_hash"`
}

// VoteSignBytes returns the bytes a validator signs for vote on chainID.
func VoteSignBytes(chainID string, vote *Vote) []byte {
	bz, err := tmjson.Marshal(canonicalVote{
		ChainID:   chainID,
		Type:      vote.Type,
		Height:    vote.Height,
		Round:     vote.Round,
		BlockHash: vote.BlockHash,
	})
	if err != nil {
		panic(err)
	}
	return bz
}

func (vote *Vote) IsNil() bool {
	return len(vote.BlockHash) == 0
}

func (vote *Vote) Copy() *Vote {
	voteCopy := *vote
	return &voteCopy
}

// Hash identifies the vote including its signature.
func (vote *Vote) Hash() tmbytes.HexBytes {
	bz, err := tmjson.Marshal(vote)
	if err != nil {
		panic(err)
	}
	return tmhash.Sum(bz)
}

// Verify checks that the vote is signed by the key matching its validator address.
func (vote *Vote) Verify(chainID string) error {
	if vote.PubKey == nil {
		return ErrVoteInvalidValidatorAddress
	}
	if !bytes.Equal(vote.PubKey.Address(), vote.ValidatorAddress) {
		return ErrVoteInvalidValidatorAddress
	}
	if !vote.PubKey.VerifySignature(VoteSignBytes(chainID, vote), vote.Signature) {
		return ErrVoteInvalidSignature
	}
	return nil
}

func (vote *Vote) ValidateBasic() error {
	if vote == nil {
		return ErrVoteNil
	}
	if !IsVoteTypeValid(vote.Type) {
		return errors.New("invalid Type")
	}
	if vote.Height <= 0 {
		return errors.New("non-positive Height")
	}
	if vote.Round < 0 {
		return errors.New("negative Round")
	}
	if !vote.IsNil() && len(vote.BlockHash) != tmhash.Size {
		return ErrVoteInvalidBlockHash
	}
	if err := vote.ValidatorAddress.ValidateBasic(); err != nil {
		return ErrVoteInvalidValidatorAddress
	}
	if len(vote.Signature) == 0 {
		return errors.New("signature is missing")
	}
	return nil
}

// SameSlot reports whether both votes are for the same (validator, height, round, type).
func (vote *Vote) SameSlot(other *Vote) bool {
	return vote.Type == other.Type &&
		vote.Height == other.Height &&
		vote.Round == other.Round &&
		vote.ValidatorAddress.Equal(other.ValidatorAddress)
}

func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	hash := "nil"
	if !vote.IsNil() {
		hash = vote.BlockHash.String()
	}
	return fmt.Sprintf("Vote{%v %d/%02d/%v %v}", vote.ValidatorAddress, vote.Height, vote.Round, vote.Type, hash)
}
