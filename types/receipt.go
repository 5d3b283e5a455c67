package types

import (
	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

const (
	ReceiptStatusFailed     = uint8(0)
	ReceiptStatusSuccessful = uint8(1)
)

// Receipt records the outcome of a tx included in a block.
type Receipt struct {
	TxHash            tmbytes.HexBytes `json:"tx_hash"`
	Status            uint8            `json:"status"`
	GasUsed           uint64           `json:"gas_used"`
	CumulativeGasUsed uint64           `json:"cumulative_gas_used"`
	Logs              []string         `json:"logs,omitempty"`
}

func (r *Receipt) Bytes() []byte {
	bz, err := tmjson.Marshal(r)
	if err != nil {
		panic(err)
	}
	return bz
}

type Receipts []*Receipt

func (rs Receipts) Hash() []byte {
	bzs := make([][]byte, len(rs))
	for i, r := range rs {
		bzs[i] = r.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// TxLookup locates a committed tx.
type TxLookup struct {
	BlockHash tmbytes.HexBytes `json:"block_hash"`
	Height    int64            `json:"height"`
	Index     int              `json:"index"`
}
