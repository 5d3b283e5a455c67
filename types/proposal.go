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
	ErrInvalidProposalSignature = errors.New("invalid proposal signature")
	ErrInvalidProposalPOLRound  = errors.New("invalid proposal POL round")
)

// Proposal announces the block the designated proposer wants decided at
// (Height, Round). POLRound is the round of the proof-of-lock the block is
// re-proposed with, or -1.
type Proposal struct {
	Height    int64            `json:"height"`
	Round     int32            `json:"round"`
	POLRound  int32            `json:"pol_round"`
	BlockHash tmbytes.HexBytes `json:"block_hash"`
	Proposer  Address          `json:"proposer"`
	PubKey    crypto.PubKey    `json:"pub_key"`
	Signature tmbytes.HexBytes `json:"signature"`
}

func NewProposal(height int64, round int32, polRound int32, blockHash []byte) *Proposal {
	return &Proposal{
		Height:    height,
		Round:     round,
		POLRound:  polRound,
		BlockHash: blockHash,
	}
}

type canonicalProposal struct {
	ChainID   string           `json:"chain_id"`
	Type      SignedMsgType    `json:"type"`
	Height    int64            `json:"height"`
	Round     int32            `json:"round"`
	POLRound  int32            `json:"pol_round"`
	BlockHash tmbytes.HexBytes `json:"block_hash"`
}

func ProposalSignBytes(chainID string, p *Proposal) []byte {
	bz, err := tmjson.Marshal(canonicalProposal{
		ChainID:   chainID,
		Type:      ProposalType,
		Height:    p.Height,
		Round:     p.Round,
		POLRound:  p.POLRound,
		BlockHash: p.BlockHash,
	})
	if err != nil {
		panic(err)
	}
	return bz
}

func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return errors.New("nil proposal")
	}
	if p.Height <= 0 {
		return errors.New("non-positive Height")
	}
	if p.Round < 0 {
		return errors.New("negative Round")
	}
	if p.POLRound < -1 || (p.POLRound >= 0 && p.POLRound >= p.Round) {
		return ErrInvalidProposalPOLRound
	}
	if len(p.BlockHash) != tmhash.Size {
		return fmt.Errorf("wrong BlockHash size %d", len(p.BlockHash))
	}
	if err := p.Proposer.ValidateBasic(); err != nil {
		return err
	}
	if len(p.Signature) == 0 {
		return errors.New("signature is missing")
	}
	return nil
}

// Verify checks the signature against the proposer's key.
func (p *Proposal) Verify(chainID string) error {
	if p.PubKey == nil || !bytes.Equal(p.PubKey.Address(), p.Proposer) {
		return ErrInvalidProposalSignature
	}
	if !p.PubKey.VerifySignature(ProposalSignBytes(chainID, p), p.Signature) {
		return ErrInvalidProposalSignature
	}
	return nil
}

func (p *Proposal) String() string {
	return fmt.Sprintf("Proposal{%d/%d (%v, %d) %v}", p.Height, p.Round, p.BlockHash, p.POLRound, p.Proposer)
}
