package rpc

import (
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	meml "github.com/wangzhecodingfy/rei/mempool"
	"github.com/wangzhecodingfy/rei/types"
)

type ResultBroadcastTx struct {
	Hash tmbytes.HexBytes `json:"hash"`
}

type ResultUnconfirmedTxs struct {
	Count      int   `json:"n_txs"`
	TotalBytes int64 `json:"total_bytes"`
}

// BroadcastTx checks tx and adds it to the mempool. It returns once the
// mempool accepted it; inclusion in a block is not awaited.
func BroadcastTx(ctx *rpctypes.Context, tx types.Tx) (*ResultBroadcastTx, error) {
	if err := env.Mempool.CheckTx(tx, meml.TxInfo{}); err != nil {
		return nil, err
	}
	return &ResultBroadcastTx{Hash: tx.Hash()}, nil
}

// NumUnconfirmedTxs returns the number of txs waiting in the mempool.
func NumUnconfirmedTxs(ctx *rpctypes.Context) (*ResultUnconfirmedTxs, error) {
	return &ResultUnconfirmedTxs{
		Count:      env.Mempool.Size(),
		TotalBytes: env.Mempool.TxsBytes(),
	}, nil
}
