package types

import (
	"bytes"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// PrivValidator signs consensus messages with the local validator key.
type PrivValidator interface {
	GetAddress() Address
	GetPubKey() (crypto.PubKey, error)

	SignVote(chainID string, vote *Vote) error
	SignProposal(chainID string, proposal *Proposal) error
}

type PrivValidatorsByAddress []PrivValidator

func (pvs PrivValidatorsByAddress) Len() int {
	return len(pvs)
}

func (pvs PrivValidatorsByAddress) Less(i, j int) bool {
	return bytes.Compare(pvs[i].GetAddress(), pvs[j].GetAddress()) == -1
}

func (pvs PrivValidatorsByAddress) Swap(i, j int) {
	pvs[i], pvs[j] = pvs[j], pvs[i]
}

// MockPV signs anything without double-sign protection. Only for tests.
type MockPV struct {
	PrivKey crypto.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{ed25519.GenPrivKey()}
}

func NewMockPVWithSeed(seed []byte) MockPV {
	return MockPV{ed25519.GenPrivKeyFromSecret(seed)}
}

func (pv MockPV) GetAddress() Address {
	return GetAddress(pv.PrivKey.PubKey())
}

func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

func (pv MockPV) SignVote(chainID string, vote *Vote) error {
	sig, err := pv.PrivKey.Sign(VoteSignBytes(chainID, vote))
	if err != nil {
		return err
	}
	vote.PubKey = pv.PrivKey.PubKey()
	vote.Signature = sig
	return nil
}

func (pv MockPV) SignProposal(chainID string, proposal *Proposal) error {
	sig, err := pv.PrivKey.Sign(ProposalSignBytes(chainID, proposal))
	if err != nil {
		return err
	}
	proposal.PubKey = pv.PrivKey.PubKey()
	proposal.Signature = sig
	return nil
}

func (pv MockPV) String() string {
	return fmt.Sprintf("MockPV{%v}", pv.GetAddress())
}
