package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Header carries everything consensus signs over. Txs and evidence are
// committed through their merkle roots.
type Header struct {
	ChainID    string           `json:"chain_id"`
	Height     int64            `json:"height"`
	ParentHash tmbytes.HexBytes `json:"parent_hash"`
	Timestamp  time.Time        `json:"timestamp"`
	Proposer   Address          `json:"proposer"`

	StateRoot    tmbytes.HexBytes `json:"state_root"`    // state after executing this block
	ReceiptsRoot tmbytes.HexBytes `json:"receipts_root"` // receipts of the txs
	TxsHash      tmbytes.HexBytes `json:"txs_hash"`
	EvidenceHash tmbytes.HexBytes `json:"evidence_hash"`

	GasLimit uint64 `json:"gas_limit"`
	GasUsed  uint64 `json:"gas_used"`
}

func int64Bytes(i int64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(i))
	return bz
}

func uint64Bytes(i uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, i)
	return bz
}

func (h *Header) Hash() tmbytes.HexBytes {
	if h == nil {
		return nil
	}
	return merkle.HashFromByteSlices([][]byte{
		[]byte(h.ChainID),
		int64Bytes(h.Height),
		h.ParentHash,
		int64Bytes(h.Timestamp.UnixNano()),
		h.Proposer,
		h.StateRoot,
		h.ReceiptsRoot,
		h.TxsHash,
		h.EvidenceHash,
		uint64Bytes(h.GasLimit),
		uint64Bytes(h.GasUsed),
	})
}

func (h *Header) Copy() *Header {
	cpy := *h
	cpy.Proposer = h.Proposer.Copy()
	return &cpy
}

func (h *Header) String() string {
	if h == nil {
		return "nil-Header"
	}
	return fmt.Sprintf("Header{#%d %v parent:%v root:%v proposer:%v gas:%d/%d}",
		h.Height, h.Hash(), h.ParentHash, h.StateRoot, h.Proposer, h.GasUsed, h.GasLimit)
}

// Block is the unit decided by consensus.
type Block struct {
	Header   `json:"header"`
	Txs      Txs          `json:"txs"`
	Evidence EvidenceList `json:"evidence"`
}

// MakeBlock returns a block on top of parent. The execution fields are left
// empty until the block has been executed.
func MakeBlock(parent *Header, proposer Address, timestamp time.Time, txs Txs, evidence EvidenceList) *Block {
	block := &Block{
		Header: Header{
			ChainID:    parent.ChainID,
			Height:     parent.Height + 1,
			ParentHash: parent.Hash(),
			Timestamp:  timestamp,
			Proposer:   proposer,
			GasLimit:   parent.GasLimit,
		},
		Txs:      txs,
		Evidence: evidence,
	}
	block.FillHeader()
	return block
}

// FillHeader sets the data commitments of the header.
func (b *Block) FillHeader() {
	b.TxsHash = b.Txs.Hash()
	b.EvidenceHash = b.Evidence.Hash()
}

func (b *Block) Hash() tmbytes.HexBytes {
	if b == nil {
		return nil
	}
	return b.Header.Hash()
}

// ValidateBasic checks the block for internal consistency.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.Height <= 0 {
		return fmt.Errorf("invalid height %d", b.Height)
	}
	if len(b.ParentHash) != tmhash.Size {
		return fmt.Errorf("invalid parent hash %v", b.ParentHash)
	}
	if err := b.Proposer.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid proposer: %w", err)
	}
	if !bytes.Equal(b.TxsHash, b.Txs.Hash()) {
		return fmt.Errorf("wrong txs hash: expected %v, got %v", tmbytes.HexBytes(b.Txs.Hash()), b.TxsHash)
	}
	if !bytes.Equal(b.EvidenceHash, b.Evidence.Hash()) {
		return fmt.Errorf("wrong evidence hash: expected %v, got %v", tmbytes.HexBytes(b.Evidence.Hash()), b.EvidenceHash)
	}
	if b.GasUsed > b.GasLimit {
		return fmt.Errorf("gas used %d exceeds limit %d", b.GasUsed, b.GasLimit)
	}
	for i, tx := range b.Txs {
		if err := tx.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid tx #%d: %w", i, err)
		}
	}
	for i, ev := range b.Evidence {
		if err := ev.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid evidence #%d: %w", i, err)
		}
	}
	return nil
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{#%d %v txs:%d evidence:%d}", b.Height, b.Hash(), len(b.Txs), len(b.Evidence))
}

// MakeGenesisBlock returns block zero of the chain described by genDoc.
func MakeGenesisBlock(genDoc *GenesisDoc, stateRoot []byte) *Block {
	block := &Block{
		Header: Header{
			ChainID:    genDoc.ChainID,
			Height:     0,
			ParentHash: make([]byte, tmhash.Size),
			Timestamp:  genDoc.GenesisTime,
			StateRoot:  stateRoot,
			GasLimit:   genDoc.ConsensusParams.BlockGasLimit,
		},
		Txs:      Txs{},
		Evidence: EvidenceList{},
	}
	block.FillHeader()
	block.ReceiptsRoot = Receipts{}.Hash()
	return block
}
