package mempool

import (
	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"
)

func newMemMetric() *memMetric {
	return &memMetric{
		txs:      metrics.NewGauge(),
		txsBytes: metrics.NewGauge(),
		received: metrics.NewCounter(),
	}
}

type memMetric struct {
	txs      metrics.Gauge   // txs currently in the mempool
	txsBytes metrics.Gauge   // total size of those txs
	received metrics.Counter // txs received from peers
}

type memMetricView struct {
	TxsNum      int64 `json:"txs_num"`
	TxsBytes    int64 `json:"txs_bytes"`
	ReceivedTxs int64 `json:"received_txs"`
}

func (mm *memMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(memMetricView{
		TxsNum:      mm.txs.Value(),
		TxsBytes:    mm.txsBytes.Value(),
		ReceivedTxs: mm.received.Count(),
	})
	return s
}

func (mm *memMetric) MarkTxs(num int, bytes int64) {
	mm.txs.Update(int64(num))
	mm.txsBytes.Update(bytes)
}

func (mm *memMetric) MarkReceived(n int) {
	mm.received.Inc(int64(n))
}
