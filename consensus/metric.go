package consensus

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"

	cstypes "github.com/wangzhecodingfy/rei/consensus/types"
	"github.com/wangzhecodingfy/rei/types"
)

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		height:       metrics.NewGauge(),
		round:        metrics.NewGauge(),
		step:         metrics.NewGauge(),
		lateRounds:   metrics.NewCounter(),
		committedTxs: metrics.NewCounter(),
		commitTime:   metrics.NewTimer(),
	}
}

type consensusMetric struct {
	height       metrics.Gauge
	round        metrics.Gauge
	step         metrics.Gauge
	lateRounds   metrics.Counter // rounds entered after round 0
	committedTxs metrics.Counter
	commitTime   metrics.Timer // time spent in the commit pipeline
}

type consensusMetricView struct {
	Height       int64   `json:"height"`
	Round        int64   `json:"round"`
	Step         string  `json:"step"`
	LateRounds   int64   `json:"late_rounds"`
	CommittedTxs int64   `json:"committed_txs"`
	Commits      int64   `json:"commits"`
	CommitMeanMs float64 `json:"commit_mean_ms"`
}

func (cm *consensusMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(consensusMetricView{
		Height:       cm.height.Value(),
		Round:        cm.round.Value(),
		Step:         cstypes.RoundStepType(cm.step.Value()).String(),
		LateRounds:   cm.lateRounds.Count(),
		CommittedTxs: cm.committedTxs.Count(),
		Commits:      cm.commitTime.Count(),
		CommitMeanMs: cm.commitTime.Mean() / float64(time.Millisecond),
	})
	return s
}

func (cm *consensusMetric) MarkHeight(height int64) {
	cm.height.Update(height)
	cm.round.Update(0)
}

func (cm *consensusMetric) MarkRound(round int32) {
	cm.round.Update(int64(round))
	if round > 0 {
		cm.lateRounds.Inc(1)
	}
}

func (cm *consensusMetric) MarkStep(step cstypes.RoundStepType) {
	cm.step.Update(int64(step))
}

func (cm *consensusMetric) MarkCommit(block *types.Block, d time.Duration) {
	cm.committedTxs.Inc(int64(len(block.Txs)))
	cm.commitTime.Update(d)
}
