package state

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/wangzhecodingfy/rei/store"
	"github.com/wangzhecodingfy/rei/types"
)

const defaultValidatorSetsCacheSize = 128

// ValidatorSets maps state roots to validator snapshots. A snapshot is
// inserted once and never mutated afterwards, so callers may share the
// returned sets but must Copy before changing them.
type ValidatorSets struct {
	cache  *lru.Cache
	store  *store.SnapshotStore
	blocks *store.BlockStore
}

func NewValidatorSets(snapshots *store.SnapshotStore, blocks *store.BlockStore) *ValidatorSets {
	cache, err := lru.New(defaultValidatorSetsCacheSize)
	if err != nil {
		panic(err)
	}
	return &ValidatorSets{cache: cache, store: snapshots, blocks: blocks}
}

// Get returns the snapshot stored for root.
func (vss *ValidatorSets) Get(root []byte) (*types.ValidatorSet, error) {
	key := string(root)
	if v, ok := vss.cache.Get(key); ok {
		return v.(*types.ValidatorSet), nil
	}
	vs, err := vss.store.Load(root)
	if err != nil {
		return nil, err
	}
	if vs == nil {
		return nil, fmt.Errorf("no validator snapshot for state root %X", root)
	}
	// a concurrent loader may have won; keep the first one
	if ok, _ := vss.cache.ContainsOrAdd(key, vs); ok {
		if v, ok := vss.cache.Get(key); ok {
			return v.(*types.ValidatorSet), nil
		}
	}
	return vs, nil
}

// Put publishes vs for root. A root that already has a snapshot keeps it.
func (vss *ValidatorSets) Put(root []byte, vs *types.ValidatorSet) error {
	if err := vss.store.Save(root, vs); err != nil {
		return err
	}
	vss.cache.ContainsOrAdd(string(root), vs)
	return nil
}

// AtHeight returns the validators that decided height.
func (vss *ValidatorSets) AtHeight(height int64) (*types.ValidatorSet, error) {
	if vss.blocks == nil {
		return nil, fmt.Errorf("no block store to resolve height %d", height)
	}
	parent := vss.blocks.LoadBlock(height - 1)
	if parent == nil {
		return nil, fmt.Errorf("unknown height %d", height)
	}
	return vss.Get(parent.StateRoot)
}
