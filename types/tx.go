package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

const (
	// TxGas is the intrinsic gas charged for every transaction.
	TxGas uint64 = 21000
	// TxDataGas is charged per byte of payload.
	TxDataGas uint64 = 16

	// MaxCommissionRate is the upper bound of a validator commission, in percent.
	MaxCommissionRate = 100
)

type TxKind uint8

const (
	TxTransfer      = TxKind(0x00)
	TxStake         = TxKind(0x01) // From bonds Value to validator To
	TxUnstake       = TxKind(0x02) // From withdraws Value bonded to validator To
	TxSetCommission = TxKind(0x03) // validator From sets its commission rate to Value
)

func (k TxKind) String() string {
	switch k {
	case TxTransfer:
		return "Transfer"
	case TxStake:
		return "Stake"
	case TxUnstake:
		return "Unstake"
	case TxSetCommission:
		return "SetCommission"
	default:
		return "UnknownTx"
	}
}

// Tx is an account transaction. Signing and key management are handled by the
// wallet layer, so From is trusted once a tx reaches the node.
type Tx struct {
	Kind     TxKind           `json:"kind"`
	From     Address          `json:"from"`
	To       Address          `json:"to"`
	Nonce    uint64           `json:"nonce"`
	Value    uint64           `json:"value"`
	GasPrice uint64           `json:"gas_price"`
	Gas      uint64           `json:"gas"`
	Data     tmbytes.HexBytes `json:"data"`
}

// Bytes returns the canonical encoding of the tx.
func (tx Tx) Bytes() []byte {
	bz, err := tmjson.Marshal(tx)
	if err != nil {
		panic(err)
	}
	return bz
}

func (tx Tx) Hash() tmbytes.HexBytes {
	return tmhash.Sum(tx.Bytes())
}

// IntrinsicGas is the gas consumed by the tx before any state is touched.
func (tx Tx) IntrinsicGas() uint64 {
	return TxGas + TxDataGas*uint64(len(tx.Data))
}

// Cost is the maximum amount the sender can be charged.
func (tx Tx) Cost() uint64 {
	switch tx.Kind {
	case TxUnstake, TxSetCommission:
		return tx.Gas * tx.GasPrice
	}
	return tx.Value + tx.Gas*tx.GasPrice
}

func (tx Tx) ValidateBasic() error {
	if err := tx.From.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Gas < tx.IntrinsicGas() {
		return fmt.Errorf("intrinsic gas too low: have %d, want %d", tx.Gas, tx.IntrinsicGas())
	}
	switch tx.Kind {
	case TxTransfer, TxStake, TxUnstake:
		if err := tx.To.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
		if tx.Kind != TxTransfer && tx.Value == 0 {
			return errors.New("zero staking amount")
		}
	case TxSetCommission:
		if tx.Value > MaxCommissionRate {
			return fmt.Errorf("commission rate %d exceeds %d", tx.Value, MaxCommissionRate)
		}
	default:
		return fmt.Errorf("unknown tx kind %d", tx.Kind)
	}
	return nil
}

func (tx Tx) String() string {
	return fmt.Sprintf("Tx{%v %v->%v nonce:%d value:%d gas:%d price:%d}",
		tx.Kind, tx.From, tx.To, tx.Nonce, tx.Value, tx.Gas, tx.GasPrice)
}

type Txs []Tx

// Hash returns the merkle root of the tx hashes.
func (txs Txs) Hash() []byte {
	txBzs := make([][]byte, len(txs))
	for i := 0; i < len(txs); i++ {
		txBzs[i] = txs[i].Hash()
	}
	return merkle.HashFromByteSlices(txBzs)
}

func (txs Txs) Append(tx Txs) Txs {
	return append(txs, tx...)
}

// Contains reports whether a tx with the same hash is in the list.
func (txs Txs) Contains(tx Tx) bool {
	hash := tx.Hash()
	for i := range txs {
		if hash.String() == txs[i].Hash().String() {
			return true
		}
	}
	return false
}
