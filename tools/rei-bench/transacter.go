package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/wangzhecodingfy/rei/types"
)

const (
	sendTimeout = 10 * time.Second
	// the rpc server drops websocket connections that miss pings for 30s
	pingPeriod = (30 * 9 / 10) * time.Second

	broadcastTxMethod = "broadcast_tx"
)

// sender is a bench account. Its nonce is tracked locally, so every sender
// belongs to exactly one connection.
type sender struct {
	addr  types.Address
	nonce uint64
}

// senderAddress derives the address of the i-th sender of seed.
func senderAddress(seed string, i int) types.Address {
	key := ed25519.GenPrivKeyFromSecret([]byte(fmt.Sprintf("%s/%d", seed, i)))
	return types.GetAddress(key.PubKey())
}

type transacter struct {
	Target      string
	Rate        int
	Connections int
	Senders     int
	Seed        string

	conns       []*websocket.Conn
	connsBroken []bool
	senders     [][]*sender
	sink        types.Address
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     int32
	sent        int64

	logger log.Logger
}

func newTransacter(target string, connections, rate, senders int, seed string) *transacter {
	return &transacter{
		Target:      target,
		Rate:        rate,
		Connections: connections,
		Senders:     senders,
		Seed:        seed,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]bool, connections),
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Start opens N = `t.Connections` connections to the target and creates read
// and write goroutines for each connection.
func (t *transacter) Start() error {
	if t.Senders < t.Connections {
		return fmt.Errorf("need at least one sender per connection, have %d senders for %d connections",
			t.Senders, t.Connections)
	}
	atomic.StoreInt32(&t.stopped, 0)

	// sender i sends on connection i % Connections
	t.senders = make([][]*sender, t.Connections)
	for i := 0; i < t.Senders; i++ {
		connIndex := i % t.Connections
		t.senders[connIndex] = append(t.senders[connIndex], &sender{addr: senderAddress(t.Seed, i)})
	}
	t.sink = senderAddress(t.Seed, -1)

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}

	t.startingWg.Wait()

	return nil
}

// Stop closes the connections.
func (t *transacter) Stop() {
	atomic.StoreInt32(&t.stopped, 1)
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

// Sent returns the number of txs written so far.
func (t *transacter) Sent() int64 {
	return atomic.LoadInt64(&t.sent)
}

func (t *transacter) isStopped() bool {
	return atomic.LoadInt32(&t.stopped) == 1
}

// receiveLoop reads the broadcast_tx responses and logs rejected txs.
func (t *transacter) receiveLoop(connIndex int) {
	c := t.conns[connIndex]
	defer t.endingWg.Done()
	for {
		var resp jsonrpc.RPCResponse
		if err := c.ReadJSON(&resp); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err",
					err,
				)
			}
			return
		}
		if resp.Error != nil {
			t.logger.Debug("tx rejected", "conn", connIndex, "err", resp.Error)
		}
		if t.isStopped() || t.connsBroken[connIndex] {
			return
		}
	}
}

// sendLoop generates transactions at a given rate.
func (t *transacter) sendLoop(connIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]
	senders := t.senders[connIndex]
	rate := t.Rate / t.Connections
	if rate == 0 {
		rate = 1
	}

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := t.logger.With("addr", c.RemoteAddr())

	var txNumber = 0

	pingsTicker := time.NewTicker(pingPeriod)
	txsTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		txsTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-txsTicker.C:
			startTime := time.Now()
			endTime := startTime.Add(time.Second)
			numTxSent := rate
			if !started {
				t.startingWg.Done()
				started = true
			}

			now := time.Now()
			for i := 0; i < rate; i++ {
				s := senders[txNumber%len(senders)]
				params, err := tmjson.Marshal(broadcastTxArgs{Tx: t.nextTx(s)})
				if err != nil {
					logger.Error("failed to encode params", "err", err)
					t.connsBroken[connIndex] = true
					return
				}

				c.SetWriteDeadline(now.Add(sendTimeout))
				err = c.WriteJSON(jsonrpc.RPCRequest{
					JSONRPC: "2.0",
					ID:      jsonrpc.JSONRPCIntID(txNumber),
					Method:  broadcastTxMethod,
					Params:  json.RawMessage(params),
				})
				if err != nil {
					err = errors.Wrap(err,
						fmt.Sprintf("txs send failed on connection #%d", connIndex))
					t.connsBroken[connIndex] = true
					logger.Error(err.Error())
					return
				}
				s.nonce++
				atomic.AddInt64(&t.sent, 1)

				// cache the time.Now() reads to save time.
				if i%5 == 0 {
					now = time.Now()
					if now.After(endTime) {
						// Plus one accounts for sending this tx
						numTxSent = i + 1
						break
					}
				}

				txNumber++
			}

			timeToSend := time.Since(startTime)
			logger.Info(fmt.Sprintf("sent %d transactions", numTxSent), "took", timeToSend)
			if timeToSend < 1*time.Second {
				sleepTime := time.Second - timeToSend
				logger.Debug(fmt.Sprintf("connection #%d is sleeping for %f seconds", connIndex, sleepTime.Seconds()))
				time.Sleep(sleepTime)
			}

		case <-pingsTicker.C:
			// the rpc server closes the connection in the absence of pings
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write ping message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}
		}

		if t.isStopped() {
			// To cleanly close a connection, a client should send a close
			// frame and wait for the server to close the connection.
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write close message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}

			return
		}
	}
}

// broadcastTxArgs are the named params of broadcast_tx.
type broadcastTxArgs struct {
	Tx types.Tx `json:"tx"`
}

// nextTx builds a free zero value transfer, so the bench accounts need no
// funds.
func (t *transacter) nextTx(s *sender) types.Tx {
	return types.Tx{
		Kind:  types.TxTransfer,
		From:  s.addr,
		To:    t.sink,
		Nonce: s.nonce,
		Gas:   types.TxGas,
	}
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}
