package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultMetrics struct {
	Metrics map[string]string `json:"metrics"`
}

// JSONMetrics renders the metrics of label, or of every module when label
// is empty.
func JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	if label != "" {
		return &ResultMetrics{Metrics: env.MetricSet.Snapshot(label)}, nil
	}
	return &ResultMetrics{Metrics: env.MetricSet.Snapshot()}, nil
}
