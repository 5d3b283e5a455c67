package mempool

import (
	"github.com/tendermint/tendermint/p2p"

	"github.com/wangzhecodingfy/rei/types"
)

type Mempool interface {
	// CheckTx validates a new tx and adds it to the mempool.
	CheckTx(types.Tx, TxInfo) error

	// ReapMaxTxs returns up to max txs in arrival order; max < 0 returns all.
	ReapMaxTxs(max int) types.Txs

	// Lock locks the mempool. It must be held while calling Update.
	Lock()

	Unlock()

	// Update removes committed txs and txs whose nonce is no longer
	// reachable under nonces.
	// NOTE: this should be called only after a block is committed.
	// NOTE: caller holds Lock.
	Update(height int64, txs types.Txs, nonces NonceReader) error

	// Flush removes all txs and clears the cache.
	Flush()

	Size() int

	TxsBytes() int64
}

// TxSource hands the pending block worker the executable txs of every
// sender, each list in ascending nonce order. Keys are Address.Key().
type TxSource interface {
	PendingBySender() map[string]types.Txs
}

// NonceReader returns the next expected nonce of an account.
type NonceReader interface {
	Nonce(addr types.Address) uint64
}

//--------------------------------------------------------------------------------
type PreCheckFunc func(types.Tx) error

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
