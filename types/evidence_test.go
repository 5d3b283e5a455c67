package types

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedVote(t *testing.T, pv MockPV, typ SignedMsgType, height int64, round int32, hash []byte) *Vote {
	vote := &Vote{
		Type:             typ,
		Height:           height,
		Round:            round,
		BlockHash:        hash,
		ValidatorAddress: pv.GetAddress(),
	}
	require.NoError(t, pv.SignVote("test-chain", vote))
	return vote
}

func TestDuplicateVoteEvidenceOrdering(t *testing.T) {
	pv := NewMockPV()
	hashA := bytes.Repeat([]byte{0x01}, 32)
	hashB := bytes.Repeat([]byte{0x02}, 32)
	v1 := signedVote(t, pv, PrevoteType, 5, 0, hashB)
	v2 := signedVote(t, pv, PrevoteType, 5, 0, hashA)

	ev1, err := NewDuplicateVoteEvidence(v1, v2)
	require.NoError(t, err)
	ev2, err := NewDuplicateVoteEvidence(v2, v1)
	require.NoError(t, err)
	assert.Equal(t, ev1.Hash(), ev2.Hash())
	assert.Equal(t, hashA, []byte(ev1.VoteA.BlockHash))
	assert.EqualValues(t, 5, ev1.Height())
	assert.Equal(t, pv.GetAddress(), ev1.Address())
	assert.NoError(t, ev1.ValidateBasic())
	assert.NoError(t, ev1.Verify("test-chain"))
	assert.Error(t, ev1.Verify("other-chain"))
}

func TestDuplicateVoteEvidenceRejects(t *testing.T) {
	pv, other := NewMockPV(), NewMockPV()
	hashA := bytes.Repeat([]byte{0x01}, 32)
	hashB := bytes.Repeat([]byte{0x02}, 32)

	_, err := NewDuplicateVoteEvidence(signedVote(t, pv, PrevoteType, 5, 0, hashA), signedVote(t, pv, PrevoteType, 5, 0, nil))
	assert.Equal(t, ErrEvidenceNilVote, err)

	_, err = NewDuplicateVoteEvidence(signedVote(t, pv, PrevoteType, 5, 0, hashA), signedVote(t, pv, PrevoteType, 5, 0, hashA))
	assert.Equal(t, ErrEvidenceIdenticalVote, err)

	_, err = NewDuplicateVoteEvidence(signedVote(t, pv, PrevoteType, 5, 0, hashA), signedVote(t, pv, PrecommitType, 5, 0, hashB))
	assert.Equal(t, ErrEvidenceMismatchedVote, err)

	_, err = NewDuplicateVoteEvidence(signedVote(t, pv, PrevoteType, 5, 0, hashA), signedVote(t, other, PrevoteType, 5, 0, hashB))
	assert.Equal(t, ErrEvidenceMismatchedVote, err)
}

func TestEvidenceListHash(t *testing.T) {
	pv := NewMockPV()
	ev, err := NewDuplicateVoteEvidence(
		signedVote(t, pv, PrecommitType, 2, 1, bytes.Repeat([]byte{0x01}, 32)),
		signedVote(t, pv, PrecommitType, 2, 1, bytes.Repeat([]byte{0x02}, 32)),
	)
	require.NoError(t, err)
	list := EvidenceList{ev}
	assert.True(t, list.Has(ev))
	assert.NotEqual(t, EvidenceList{}.Hash(), list.Hash())
}
