package worker

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmtime "github.com/tendermint/tendermint/types/time"

	"github.com/wangzhecodingfy/rei/mempool"
	"github.com/wangzhecodingfy/rei/state"
	"github.com/wangzhecodingfy/rei/types"
)

// BlockBuilder runs the execution stages one by one. *state.Executor
// implements it.
type BlockBuilder interface {
	NewContext(parent *types.Header, header *types.Header) (*state.ExecutionContext, error)
	ApplyTransaction(ctx *state.ExecutionContext, tx types.Tx) (*types.Receipt, error)
	Finalize(ctx *state.ExecutionContext, evidence types.EvidenceList) *state.ExecutionResult
}

// EvidenceSource supplies evidence to include in a candidate.
// *evidence.Pool implements it.
type EvidenceSource interface {
	PendingEvidence(max int) types.EvidenceList
	IsValidatorPunishable(addr types.Address) bool
}

// builder is the speculative state of one candidate. It is only touched
// while holding Worker.mtx.
type builder struct {
	parent *types.Header
	header *types.Header
	ctx    *state.ExecutionContext
	txs    types.Txs
	future map[string]types.Txs // per sender, waiting for a nonce gap to fill
}

// Worker keeps a candidate block on top of the current head, filled with
// the best ready transactions that fit in the block gas.
type Worker struct {
	logger log.Logger

	coinbase    types.Address
	period      time.Duration
	maxEvidence int

	exec     BlockBuilder
	txSource mempool.TxSource
	evidence EvidenceSource

	mtx     sync.Mutex
	current *builder

	cache  *pendingBlockCache
	metric *workerMetric
	now    func() time.Time
}

// WorkerOption sets an optional parameter on the Worker.
type WorkerOption func(*Worker)

func WithEvidenceSource(evidence EvidenceSource, max int) WorkerOption {
	return func(w *Worker) {
		w.evidence = evidence
		w.maxEvidence = max
	}
}

func WithCache(size int, timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		w.cache = newPendingBlockCache(size, timeout)
	}
}

func NewWorker(
	coinbase types.Address,
	period time.Duration,
	exec BlockBuilder,
	txSource mempool.TxSource,
	options ...WorkerOption,
) *Worker {
	w := &Worker{
		logger:   log.NewNopLogger(),
		coinbase: coinbase,
		period:   period,
		exec:     exec,
		txSource: txSource,
		cache:    newPendingBlockCache(DefaultCacheSize, DefaultWaitTimeout),
		metric:   newWorkerMetric(),
		now:      tmtime.Now,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

func (w *Worker) SetLogger(l log.Logger) {
	w.logger = l
}

func (w *Worker) Metric() *workerMetric {
	return w.metric
}

// OnNewHead drops the current candidate and starts a new one on parent,
// refilled from the tx source.
func (w *Worker) OnNewHead(parent *types.Header) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	// read under mtx: a tx accepted after this is handed to AddTxs, which
	// waits for the new candidate
	var pending map[string]types.Txs
	if w.txSource != nil {
		pending = w.txSource.PendingBySender()
	}

	timestamp := parent.Timestamp.Add(w.period)
	if now := w.now(); now.After(timestamp) {
		timestamp = now
	}
	header := &types.Header{
		ChainID:    parent.ChainID,
		Height:     parent.Height + 1,
		ParentHash: parent.Hash(),
		Timestamp:  timestamp,
		Proposer:   w.coinbase,
		GasLimit:   parent.GasLimit,
	}
	ctx, err := w.exec.NewContext(parent, header)
	if err != nil {
		w.current = nil
		return errors.Wrap(err, "open pending context")
	}
	w.current = &builder{
		parent: parent.Copy(),
		header: header,
		ctx:    ctx,
		future: make(map[string]types.Txs),
	}
	w.logger.Debug("Rebuilding pending block", "height", header.Height, "parent", header.ParentHash)

	w.commitTransactions(pending)
	w.publish()
	return nil
}

// AddTxs applies newly ready txs to the current candidate. Txs of the same
// senders that were ahead of their nonce are offered again with them.
func (w *Worker) AddTxs(readyBySender map[string]types.Txs) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.current == nil {
		return
	}
	ready := make(map[string]types.Txs, len(readyBySender))
	for sender, txs := range readyBySender {
		ready[sender] = mergeByNonce(txs, w.current.future[sender])
		delete(w.current.future, sender)
	}
	if w.commitTransactions(ready) > 0 {
		w.publish()
	}
}

// commitTransactions applies txs by gas price, keeping nonce order per
// sender. A failing tx drops the rest of its sender's txs. Returns the
// number of txs kept. Caller holds mtx.
func (w *Worker) commitTransactions(bySender map[string]types.Txs) int {
	b := w.current
	txs := newTxsByPriceAndNonce(bySender)
	kept := 0
	for {
		if b.ctx.RemainingGas() < types.TxGas {
			w.logger.Debug("Not enough gas for further transactions", "have", b.ctx.RemainingGas())
			break
		}
		tx, ok := txs.peek()
		if !ok {
			break
		}
		_, err := w.exec.ApplyTransaction(b.ctx, tx)
		switch {
		case err == nil:
			b.txs = append(b.txs, tx)
			kept++
			txs.shift()
		case errors.Is(err, state.ErrNonceTooLow):
			// already in the candidate or committed
			txs.shift()
		case errors.Is(err, state.ErrNonceTooHigh):
			future := txs.pop()
			sender := tx.From.Key()
			b.future[sender] = mergeByNonce(b.future[sender], future)
		default:
			w.logger.Debug("Skipping transaction", "tx", tx.Hash(), "sender", tx.From, "err", err)
			txs.pop()
		}
	}
	return kept
}

// publish seals a copy of the current candidate and caches it. Caller
// holds mtx.
func (w *Worker) publish() {
	b := w.current
	evidence := w.pickEvidence()
	result := w.exec.Finalize(b.ctx.Copy(), evidence)

	block := &types.Block{
		Header:   *b.header.Copy(),
		Txs:      append(types.Txs{}, b.txs...),
		Evidence: evidence,
	}
	block.StateRoot = result.StateRoot
	block.ReceiptsRoot = result.ReceiptsRoot
	block.GasUsed = result.GasUsed
	block.FillHeader()

	w.cache.put(b.header.ParentHash, block)
	w.metric.MarkCandidate(len(block.Txs), block.GasUsed)
	w.logger.Debug("Published pending block", "height", block.Height, "txs", len(block.Txs), "gasUsed", block.GasUsed)
}

// pickEvidence takes pending evidence in pool order, at most one per
// validator and none for validators already punished. Caller holds mtx.
func (w *Worker) pickEvidence() types.EvidenceList {
	if w.evidence == nil || w.maxEvidence <= 0 {
		return nil
	}
	var (
		picked types.EvidenceList
		seen   = make(map[string]struct{})
	)
	for _, ev := range w.evidence.PendingEvidence(-1) {
		addr := ev.Address()
		if _, ok := seen[addr.Key()]; ok {
			continue
		}
		seen[addr.Key()] = struct{}{}
		if !w.evidence.IsValidatorPunishable(addr) {
			continue
		}
		picked = append(picked, ev)
		if len(picked) == w.maxEvidence {
			break
		}
	}
	return picked
}

// GetPendingBlock returns the latest candidate on parentHash, waiting a
// bounded time for the first one.
func (w *Worker) GetPendingBlock(ctx context.Context, parentHash []byte) (*types.Block, error) {
	return w.cache.get(ctx, parentHash)
}

// DirectlyGetPendingBlock returns the latest candidate on parentHash or nil.
func (w *Worker) DirectlyGetPendingBlock(parentHash []byte) *types.Block {
	return w.cache.peek(parentHash)
}

//-----------------------------------------------------------------------------

// txsByPriceAndNonce yields the best tx among the heads of every sender.
type txsByPriceAndNonce struct {
	txs   map[string]types.Txs
	heads txHeads
}

func newTxsByPriceAndNonce(bySender map[string]types.Txs) *txsByPriceAndNonce {
	t := &txsByPriceAndNonce{txs: make(map[string]types.Txs, len(bySender))}
	for sender, txs := range bySender {
		if len(txs) == 0 {
			continue
		}
		t.heads = append(t.heads, txs[0])
		t.txs[sender] = txs[1:]
	}
	heap.Init(&t.heads)
	return t
}

func (t *txsByPriceAndNonce) peek() (types.Tx, bool) {
	if len(t.heads) == 0 {
		return types.Tx{}, false
	}
	return t.heads[0], true
}

// shift replaces the best head with the next tx of the same sender.
func (t *txsByPriceAndNonce) shift() {
	sender := t.heads[0].From.Key()
	if txs := t.txs[sender]; len(txs) > 0 {
		t.heads[0], t.txs[sender] = txs[0], txs[1:]
		heap.Fix(&t.heads, 0)
		return
	}
	heap.Pop(&t.heads)
}

// pop drops the best head and every other tx of its sender, and returns
// them.
func (t *txsByPriceAndNonce) pop() types.Txs {
	sender := t.heads[0].From.Key()
	dropped := append(types.Txs{t.heads[0]}, t.txs[sender]...)
	delete(t.txs, sender)
	heap.Pop(&t.heads)
	return dropped
}

// mergeByNonce joins two txs lists of one sender in nonce order. For equal
// nonces the tx of a wins.
func mergeByNonce(a, b types.Txs) types.Txs {
	if len(b) == 0 {
		return a
	}
	merged := append(append(types.Txs{}, a...), b...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Nonce < merged[j].Nonce
	})
	uniq := merged[:1]
	for _, tx := range merged[1:] {
		if tx.Nonce != uniq[len(uniq)-1].Nonce {
			uniq = append(uniq, tx)
		}
	}
	return uniq
}

// txHeads orders by gas price, then by sender address.
type txHeads types.Txs

func (h txHeads) Len() int { return len(h) }
func (h txHeads) Less(i, j int) bool {
	if h[i].GasPrice != h[j].GasPrice {
		return h[i].GasPrice > h[j].GasPrice
	}
	return h[i].From.Compare(h[j].From) < 0
}
func (h txHeads) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *txHeads) Push(x interface{}) {
	*h = append(*h, x.(types.Tx))
}

func (h *txHeads) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
