package store

import (
	"fmt"

	tmdb "github.com/tendermint/tm-db"

	"github.com/wangzhecodingfy/rei/types"
)

const tableValidators = "validators:"

// SnapshotStore persists validator sets by the state root they belong to.
// Snapshots are write-once.
type SnapshotStore struct {
	db tmdb.DB
}

func NewSnapshotStore(db tmdb.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save writes vs under root unless a snapshot already exists there.
func (ss *SnapshotStore) Save(root []byte, vs *types.ValidatorSet) error {
	key := genKey(tableValidators, root)
	has, err := ss.db.Has(key)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	return ss.db.SetSync(key, vs.Encode())
}

// Load returns the snapshot at root, or nil if there is none.
func (ss *SnapshotStore) Load(root []byte) (*types.ValidatorSet, error) {
	bz, err := ss.db.Get(genKey(tableValidators, root))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	vs, err := types.DecodeValidatorSet(bz)
	if err != nil {
		return nil, fmt.Errorf("corrupted validator snapshot %X: %w", root, err)
	}
	return vs, nil
}
