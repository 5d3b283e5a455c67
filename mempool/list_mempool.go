package mempool

import (
	"sort"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set"
	lru "github.com/hashicorp/golang-lru"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/wangzhecodingfy/rei/types"
)

const (
	TxKeySize = 32
)

var _ Mempool = (*ListMempool)(nil)
var _ TxSource = (*ListMempool)(nil)

func NewListMempool(config *cfg.MempoolConfig, height int64, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height: height,
		config: config,
		txs:    clist.New(),
		logger: log.NewNopLogger(),
		metric: newMemMetric(),
	}

	if config.CacheSize > 0 {
		mem.cache = newLRUTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	mem.txsAvailable = make(chan struct{}, 1)

	for _, option := range options {
		option(mem)
	}

	return mem
}

type ListMempool struct {
	// Atomic integers
	height   int64 // the last block Update()'d to
	txsBytes int64 // total size of mempool, in bytes

	txsAvailable chan struct{} // fires once for each height, when the mempool is not empty

	config *cfg.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc
	onNewTx   func(types.Tx)

	txs    *clist.CList
	txsMap sync.Map // TxKey -> *clist.CElement

	// Keep a cache of already-seen txs.
	cache txCache

	metric *memMetric
	logger log.Logger
}

type ListMempoolOption func(memppol *ListMempool)

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

// WithNewTxCallback runs cb for every tx accepted by CheckTx.
func WithNewTxCallback(cb func(types.Tx)) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.onNewTx = cb
	}
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

func (mem *ListMempool) Metric() *memMetric {
	return mem.metric
}

// CheckTx adds tx to the mempool. The new tx callback runs after the update
// lock is released, so it may call back into the mempool.
func (mem *ListMempool) CheckTx(tx types.Tx, txInfo TxInfo) error {
	if err := mem.checkTx(tx, txInfo); err != nil {
		return err
	}
	if mem.onNewTx != nil {
		mem.onNewTx(tx)
	}
	return nil
}

func (mem *ListMempool) checkTx(tx types.Tx, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	txSize := len(tx.Bytes())
	if txSize > mem.config.MaxTxBytes {
		return ErrTxTooLarge{mem.config.MaxTxBytes, txSize}
	}
	if err := mem.isFull(txSize); err != nil {
		return err
	}
	if err := tx.ValidateBasic(); err != nil {
		return ErrPreCheck{err}
	}
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return ErrPreCheck{err}
		}
	}

	key := TxKey(tx)
	if e, ok := mem.txsMap.Load(key); ok {
		// record the sender so the tx is not gossiped back to it
		memTx := e.(*clist.CElement).Value.(*mempoolTx)
		memTx.senders.Add(txInfo.SenderID)
		return ErrTxInMap
	}
	if !mem.cache.Push(tx) {
		return ErrTxInCache
	}

	memTx := &mempoolTx{
		height:  mem.height,
		size:    int64(txSize),
		tx:      tx,
		senders: mapset.NewSet(txInfo.SenderID),
	}
	mem.addTx(memTx)

	mem.logger.Debug("Added good transaction", "tx", tx.Hash(), "height", memTx.height, "total", mem.Size())
	mem.notifyTxsAvailable()
	return nil
}

func (mem *ListMempool) isFull(txSize int) error {
	var (
		memSize  = mem.Size()
		txsBytes = mem.TxsBytes()
	)

	if memSize >= mem.config.Size || int64(txSize)+txsBytes > mem.config.MaxTxsBytes {
		return ErrMempoolIsFull{
			memSize, mem.config.Size,
			txsBytes, mem.config.MaxTxsBytes,
		}
	}
	return nil
}

func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 {
		max = mem.txs.Len()
	}
	txs := make(types.Txs, 0, max)
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		txs = append(txs, e.Value.(*mempoolTx).tx)
	}
	return txs
}

// PendingBySender groups the pool by sender, each sender's txs sorted by
// nonce with duplicates of a nonce reduced to the earliest arrival.
func (mem *ListMempool) PendingBySender() map[string]types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	pending := make(map[string]types.Txs)
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		tx := e.Value.(*mempoolTx).tx
		pending[tx.From.Key()] = append(pending[tx.From.Key()], tx)
	}
	for sender, txs := range pending {
		sort.SliceStable(txs, func(i, j int) bool {
			return txs[i].Nonce < txs[j].Nonce
		})
		uniq := txs[:1]
		for _, tx := range txs[1:] {
			if tx.Nonce != uniq[len(uniq)-1].Nonce {
				uniq = append(uniq, tx)
			}
		}
		pending[sender] = uniq
	}
	return pending
}

// Lock locks the write side of updateMtx.
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

func (mem *ListMempool) Update(height int64, txs types.Txs, nonces NonceReader) error {
	atomic.StoreInt64(&mem.height, height)

	for _, tx := range txs {
		if e, ok := mem.txsMap.Load(TxKey(tx)); ok {
			mem.removeTx(tx, e.(*clist.CElement), false)
		}
	}

	if nonces != nil {
		for e := mem.txs.Front(); e != nil; e = e.Next() {
			memTx := e.Value.(*mempoolTx)
			if memTx.tx.Nonce < nonces.Nonce(memTx.tx.From) {
				mem.removeTx(memTx.tx, e, true)
			}
		}
	}

	if mem.Size() > 0 {
		mem.notifyTxsAvailable()
	}
	mem.metric.MarkTxs(mem.Size(), mem.TxsBytes())
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.cache.Reset()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}

	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	mem.metric.MarkTxs(0, 0)
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

// TxsAvailable fires after a tx is added while the pool is not empty.
func (mem *ListMempool) TxsAvailable() <-chan struct{} {
	return mem.txsAvailable
}

func (mem *ListMempool) notifyTxsAvailable() {
	select {
	case mem.txsAvailable <- struct{}{}:
	default:
	}
}

// addTx pushes memTx to the list and updates txsMap and the byte total.
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(TxKey(memTx.tx), e)
	atomic.AddInt64(&mem.txsBytes, memTx.size)
	mem.metric.MarkTxs(mem.txs.Len(), mem.TxsBytes())
}

func (mem *ListMempool) removeTx(tx types.Tx, elem *clist.CElement, removeFromCache bool) {
	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(TxKey(tx))
	atomic.AddInt64(&mem.txsBytes, -elem.Value.(*mempoolTx).size)

	if removeFromCache {
		mem.cache.Remove(tx)
	}
}

func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// ------------------------------

type txCache interface {
	Reset()
	Push(tx types.Tx) bool
	Remove(tx types.Tx)
}

// lruTxCache remembers the keys of recently seen txs.
type lruTxCache struct {
	cache *lru.Cache
}

func newLRUTxCache(size int) *lruTxCache {
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &lruTxCache{cache: cache}
}

func (c *lruTxCache) Reset() {
	c.cache.Purge()
}

// Push returns false if tx was already cached.
func (c *lruTxCache) Push(tx types.Tx) bool {
	ok, _ := c.cache.ContainsOrAdd(TxKey(tx), struct{}{})
	return !ok
}

func (c *lruTxCache) Remove(tx types.Tx) {
	c.cache.Remove(TxKey(tx))
}

type nopTxCache struct{}

func (nopTxCache) Reset()             {}
func (nopTxCache) Push(types.Tx) bool { return true }
func (nopTxCache) Remove(types.Tx)    {}

type mempoolTx struct {
	height int64
	size   int64

	tx      types.Tx
	senders mapset.Set // peer ids the tx was received from
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() int64 {
	return atomic.LoadInt64(&memTx.height)
}

// ------------------------------
// TxKey is the fixed length array hash used as the key in maps.
func TxKey(tx types.Tx) [TxKeySize]byte {
	var key [TxKeySize]byte
	copy(key[:], tx.Hash())
	return key
}
