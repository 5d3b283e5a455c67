package worker

import (
	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"
)

type workerMetric struct {
	txs       metrics.Gauge
	gasUsed   metrics.Gauge
	published metrics.Counter
}

func newWorkerMetric() *workerMetric {
	return &workerMetric{
		txs:       metrics.NewGauge(),
		gasUsed:   metrics.NewGauge(),
		published: metrics.NewCounter(),
	}
}

func (wm *workerMetric) MarkCandidate(txs int, gasUsed uint64) {
	wm.txs.Update(int64(txs))
	wm.gasUsed.Update(int64(gasUsed))
	wm.published.Inc(1)
}

func (wm *workerMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(map[string]int64{
		"candidate_txs":      wm.txs.Value(),
		"candidate_gas_used": wm.gasUsed.Value(),
		"published":          wm.published.Count(),
	})
	return s
}
