package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangzhecodingfy/rei/types"
)

func TestSenderAddressIsDeterministic(t *testing.T) {
	a := senderAddress("seed", 1)
	require.NoError(t, a.ValidateBasic())
	assert.True(t, a.Equal(senderAddress("seed", 1)))
	assert.False(t, a.Equal(senderAddress("seed", 2)))
	assert.False(t, a.Equal(senderAddress("other", 1)))
}

func TestNextTxIsFree(t *testing.T) {
	tr := newTransacter("localhost:0", 1, 10, 1, "seed")
	tr.sink = senderAddress("seed", -1)
	s := &sender{addr: senderAddress("seed", 0), nonce: 7}

	tx := tr.nextTx(s)
	require.NoError(t, tx.ValidateBasic())
	assert.Equal(t, types.TxTransfer, tx.Kind)
	assert.EqualValues(t, 7, tx.Nonce)
	assert.Zero(t, tx.Cost())
}

func TestStartNeedsSenderPerConnection(t *testing.T) {
	tr := newTransacter("localhost:0", 4, 10, 2, "seed")
	assert.Error(t, tr.Start())
}
