package store

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/golang/snappy"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"github.com/wangzhecodingfy/rei/types"
)

const (
	tableState = "state:"
)

var ErrStateNotFound = errors.New("state not found")

// AccountState is the full account table at one state root.
type AccountState struct {
	Height   int64
	Accounts map[string]types.Account
	// amount staked by a staker to a validator, keyed by StakeKey
	Stakes map[string]uint64
}

// StakeKey is the Stakes key of (staker, validator).
func StakeKey(staker, validator types.Address) string {
	return staker.Key() + validator.Key()
}

func NewAccountState(height int64) *AccountState {
	return &AccountState{
		Height:   height,
		Accounts: make(map[string]types.Account),
		Stakes:   make(map[string]uint64),
	}
}

// Copy returns a deep copy.
func (as *AccountState) Copy() *AccountState {
	c := NewAccountState(as.Height)
	for k, acc := range as.Accounts {
		c.Accounts[k] = acc
	}
	for k, s := range as.Stakes {
		c.Stakes[k] = s
	}
	return c
}

// Nonce returns the next expected nonce of addr.
func (as *AccountState) Nonce(addr types.Address) uint64 {
	return as.Accounts[addr.Key()].Nonce
}

// Root commits to the height and every account and stake entry.
func (as *AccountState) Root() tmbytes.HexBytes {
	return merkle.HashFromByteSlices(as.entries())
}

type accountRecord struct {
	Address types.Address `json:"address"`
	Account types.Account `json:"account"`
}

type stakeRecord struct {
	Staker    types.Address `json:"staker"`
	Validator types.Address `json:"validator"`
	Amount    uint64        `json:"amount"`
}

// stateRecord is the stored form of AccountState. Map keys are raw address
// bytes and can not be used as JSON object keys.
type stateRecord struct {
	Height   int64           `json:"height"`
	Accounts []accountRecord `json:"accounts"`
	Stakes   []stakeRecord   `json:"stakes"`
}

func (as *AccountState) record() stateRecord {
	rec := stateRecord{Height: as.Height}
	for k, acc := range as.Accounts {
		rec.Accounts = append(rec.Accounts, accountRecord{Address: types.AddressFromKey(k), Account: acc})
	}
	sort.Slice(rec.Accounts, func(i, j int) bool {
		return rec.Accounts[i].Address.Compare(rec.Accounts[j].Address) < 0
	})
	for k, amount := range as.Stakes {
		rec.Stakes = append(rec.Stakes, stakeRecord{
			Staker:    types.AddressFromKey(k[:crypto.AddressSize]),
			Validator: types.AddressFromKey(k[crypto.AddressSize:]),
			Amount:    amount,
		})
	}
	sort.Slice(rec.Stakes, func(i, j int) bool {
		return StakeKey(rec.Stakes[i].Staker, rec.Stakes[i].Validator) < StakeKey(rec.Stakes[j].Staker, rec.Stakes[j].Validator)
	})
	return rec
}

func (rec stateRecord) state() *AccountState {
	as := NewAccountState(rec.Height)
	for _, r := range rec.Accounts {
		as.Accounts[r.Address.Key()] = r.Account
	}
	for _, r := range rec.Stakes {
		as.Stakes[StakeKey(r.Staker, r.Validator)] = r.Amount
	}
	return as
}

// entries returns the state in a canonical order for hashing and encoding.
func (as *AccountState) entries() [][]byte {
	keys := make([]string, 0, len(as.Accounts))
	for k := range as.Accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	bzs := make([][]byte, 0, len(as.Accounts)+len(as.Stakes)+1)
	bzs = append(bzs, []byte(strconv.FormatInt(as.Height, 10)))
	for _, k := range keys {
		acc := as.Accounts[k]
		bzs = append(bzs, genKey("a", k, acc.Nonce, acc.Balance))
	}
	keys = keys[:0]
	for k := range as.Stakes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		bzs = append(bzs, genKey("s", k, as.Stakes[k]))
	}
	return bzs
}

// NewKVStore opens the goleveldb database name under dir.
func NewKVStore(name, dir string, logger log.Logger) (*KVStore, error) {
	levelDB, err := tmdb.NewDB(name, tmdb.GoLevelDBBackend, dir)
	if err != nil {
		return nil, err
	}
	return NewKVStoreWithDB(levelDB, logger), nil
}

func NewKVStoreWithDB(kvdb tmdb.DB, logger log.Logger) *KVStore {
	return &KVStore{kvDB: kvdb, logger: logger}
}

// KVStore keeps account state snapshots keyed by state root.
type KVStore struct {
	kvDB tmdb.DB

	logger log.Logger
}

// SaveState persists state under root. Saving an existing root is a no-op.
func (kv *KVStore) SaveState(root []byte, state *AccountState) error {
	key := genKey(tableState, root)
	if has, err := kv.kvDB.Has(key); err != nil {
		return err
	} else if has {
		return nil
	}
	bz, err := tmjson.Marshal(state.record())
	if err != nil {
		return err
	}
	if err := kv.kvDB.SetSync(key, snappy.Encode(nil, bz)); err != nil {
		return err
	}
	kv.logger.Debug("Saved state", "root", fmt.Sprintf("%X", root), "height", state.Height, "accounts", len(state.Accounts))
	return nil
}

// LoadState returns a private copy of the state at root.
func (kv *KVStore) LoadState(root []byte) (*AccountState, error) {
	bz, err := kv.kvDB.Get(genKey(tableState, root))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, ErrStateNotFound
	}
	raw, err := snappy.Decode(nil, bz)
	if err != nil {
		return nil, err
	}
	var rec stateRecord
	if err := tmjson.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec.state(), nil
}

func (kv *KVStore) HasState(root []byte) bool {
	has, err := kv.kvDB.Has(genKey(tableState, root))
	return err == nil && has
}

func (kv *KVStore) GetDB() tmdb.DB {
	return kv.kvDB
}

func (kv *KVStore) Close() error {
	return kv.kvDB.Close()
}

// genKey joins a table prefix and key parts. Numbers are written in decimal.
func genKey(table string, parts ...interface{}) []byte {
	buffer := new(bytes.Buffer)
	buffer.WriteString(table)
	for i, part := range parts {
		if i > 0 {
			buffer.WriteByte(':')
		}
		switch p := part.(type) {
		case int64:
			buffer.WriteString(strconv.FormatInt(p, 10))
		case uint64:
			buffer.WriteString(strconv.FormatUint(p, 10))
		case string:
			buffer.WriteString(p)
		case []byte:
			buffer.Write(p)
		default:
			panic(fmt.Sprintf("unsupported key part %T", part))
		}
	}
	return buffer.Bytes()
}
