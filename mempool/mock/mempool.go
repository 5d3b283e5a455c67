package mock

import (
	mempl "github.com/wangzhecodingfy/rei/mempool"
	"github.com/wangzhecodingfy/rei/types"
)

// Mempool is a fixed TxSource, useful for testing the block worker.
type Mempool struct {
	Pending map[string]types.Txs
}

var _ mempl.TxSource = Mempool{}

func (m Mempool) PendingBySender() map[string]types.Txs {
	pending := make(map[string]types.Txs, len(m.Pending))
	for sender, txs := range m.Pending {
		pending[sender] = append(types.Txs{}, txs...)
	}
	return pending
}
