package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	tmjson "github.com/tendermint/tendermint/libs/json"
	tmdb "github.com/tendermint/tm-db"

	"github.com/wangzhecodingfy/rei/types"
)

const (
	tableBlock      = "block:"
	tableBlockHash  = "hash:"
	tableCommit     = "commit:"
	tableReceipts   = "receipts:"
	tableTxLookup   = "tx:"
	blockStoreState = "blockStore"
)

/*
BlockStore is a simple low level store for the canonical chain. Blocks,
their commits, receipts and tx lookup entries are stored by height or hash.

The head height is written in the same batch as the block, so a block is
either fully visible or not at all.
*/
type BlockStore struct {
	db tmdb.DB

	mtx    sync.RWMutex
	height int64
}

// NewBlockStore returns a new BlockStore with the given DB, initialized to
// the last height that was committed to the DB.
func NewBlockStore(db tmdb.DB) *BlockStore {
	bz, err := db.Get([]byte(blockStoreState))
	if err != nil {
		panic(err)
	}
	height := int64(-1)
	if len(bz) == 8 {
		height = int64(binary.BigEndian.Uint64(bz))
	}
	return &BlockStore{db: db, height: height}
}

// Height returns the head height, or -1 for an empty store.
func (bs *BlockStore) Height() int64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.height
}

// SaveBlock appends block as the new head. commit may be nil for the
// genesis block.
func (bs *BlockStore) SaveBlock(block *types.Block, commit *types.Commit) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	height := block.Height
	if bs.height >= 0 && height != bs.height+1 {
		return fmt.Errorf("BlockStore can only save contiguous blocks. Wanted %v, got %v", bs.height+1, height)
	}

	blockBytes, err := tmjson.Marshal(block)
	if err != nil {
		return err
	}
	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(genKey(tableBlock, height), blockBytes); err != nil {
		return err
	}
	if err := batch.Set(genKey(tableBlockHash, []byte(block.Hash())), heightBytes(height)); err != nil {
		return err
	}
	if commit != nil {
		commitBytes, err := tmjson.Marshal(commit)
		if err != nil {
			return err
		}
		if err := batch.Set(genKey(tableCommit, height), commitBytes); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(blockStoreState), heightBytes(height)); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}
	bs.height = height
	return nil
}

func (bs *BlockStore) LoadBlock(height int64) *types.Block {
	bz, err := bs.db.Get(genKey(tableBlock, height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	block := new(types.Block)
	if err := tmjson.Unmarshal(bz, block); err != nil {
		panic(fmt.Sprintf("Error reading block: %v", err))
	}
	return block
}

func (bs *BlockStore) LoadBlockByHash(hash []byte) *types.Block {
	bz, err := bs.db.Get(genKey(tableBlockHash, hash))
	if err != nil {
		panic(err)
	}
	if len(bz) != 8 {
		return nil
	}
	return bs.LoadBlock(int64(binary.BigEndian.Uint64(bz)))
}

// LoadHead returns the block at the head height.
func (bs *BlockStore) LoadHead() *types.Block {
	return bs.LoadBlock(bs.Height())
}

func (bs *BlockStore) LoadCommit(height int64) *types.Commit {
	bz, err := bs.db.Get(genKey(tableCommit, height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	commit := new(types.Commit)
	if err := tmjson.Unmarshal(bz, commit); err != nil {
		panic(fmt.Sprintf("Error reading commit: %v", err))
	}
	return commit
}

// SaveReceipts stores the receipts of a block and the lookup entry of each
// of its txs.
func (bs *BlockStore) SaveReceipts(block *types.Block, receipts types.Receipts) error {
	receiptsBytes, err := tmjson.Marshal(receipts)
	if err != nil {
		return err
	}
	blockHash := block.Hash()
	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(genKey(tableReceipts, []byte(blockHash)), receiptsBytes); err != nil {
		return err
	}
	for i, tx := range block.Txs {
		lookup, err := tmjson.Marshal(types.TxLookup{BlockHash: blockHash, Height: block.Height, Index: i})
		if err != nil {
			return err
		}
		if err := batch.Set(genKey(tableTxLookup, []byte(tx.Hash())), lookup); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (bs *BlockStore) LoadReceipts(blockHash []byte) types.Receipts {
	bz, err := bs.db.Get(genKey(tableReceipts, blockHash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	var receipts types.Receipts
	if err := tmjson.Unmarshal(bz, &receipts); err != nil {
		panic(fmt.Sprintf("Error reading receipts: %v", err))
	}
	return receipts
}

func (bs *BlockStore) LoadTxLookup(txHash []byte) *types.TxLookup {
	bz, err := bs.db.Get(genKey(tableTxLookup, txHash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	lookup := new(types.TxLookup)
	if err := tmjson.Unmarshal(bz, lookup); err != nil {
		panic(fmt.Sprintf("Error reading tx lookup: %v", err))
	}
	return lookup
}

func heightBytes(height int64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(height))
	return bz
}
