package worker

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/wangzhecodingfy/rei/types"
)

const (
	DefaultCacheSize   = 10
	DefaultWaitTimeout = 1000 * time.Millisecond
)

var ErrPendingBlockTimeout = errors.New("timed out waiting for pending block")

// pendingBlockCache keeps the latest candidate per parent hash. Readers may
// wait for the first candidate of a parent to be published.
type pendingBlockCache struct {
	mtx     sync.Mutex
	blocks  *lru.Cache // parent hash -> *types.Block
	waiters map[string]*waiter
	timeout time.Duration
}

// waiter is closed on the first candidate of a parent. refs counts the
// readers still waiting on it.
type waiter struct {
	ch   chan struct{}
	refs int
}

func newPendingBlockCache(size int, timeout time.Duration) *pendingBlockCache {
	blocks, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &pendingBlockCache{
		blocks:  blocks,
		waiters: make(map[string]*waiter),
		timeout: timeout,
	}
}

// put publishes block as the latest candidate on parentHash and wakes every
// waiter of that parent.
func (c *pendingBlockCache) put(parentHash []byte, block *types.Block) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	key := string(parentHash)
	c.blocks.Add(key, block)
	if wt, ok := c.waiters[key]; ok {
		close(wt.ch)
		delete(c.waiters, key)
	}
}

// peek returns the latest candidate on parentHash without waiting.
func (c *pendingBlockCache) peek(parentHash []byte) *types.Block {
	if v, ok := c.blocks.Get(string(parentHash)); ok {
		return v.(*types.Block)
	}
	return nil
}

// get waits up to the cache timeout for a candidate on parentHash.
func (c *pendingBlockCache) get(ctx context.Context, parentHash []byte) (*types.Block, error) {
	c.mtx.Lock()
	if block := c.peek(parentHash); block != nil {
		c.mtx.Unlock()
		return block, nil
	}
	key := string(parentHash)
	wt, ok := c.waiters[key]
	if !ok {
		wt = &waiter{ch: make(chan struct{})}
		c.waiters[key] = wt
	}
	wt.refs++
	c.mtx.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-wt.ch:
		if block := c.peek(parentHash); block != nil {
			return block, nil
		}
		return nil, ErrPendingBlockTimeout
	case <-timer.C:
		c.leave(key, wt)
		return nil, ErrPendingBlockTimeout
	case <-ctx.Done():
		c.leave(key, wt)
		return nil, ctx.Err()
	}
}

// leave drops a reader that gave up; the last one removes the waiter.
func (c *pendingBlockCache) leave(key string, wt *waiter) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	wt.refs--
	if wt.refs == 0 && c.waiters[key] == wt {
		delete(c.waiters, key)
	}
}

func (c *pendingBlockCache) numWaiters() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.waiters)
}
