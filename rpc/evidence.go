package rpc

import (
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/wangzhecodingfy/rei/types"
)

type ResultPendingEvidence struct {
	Total    int                `json:"total"`
	Evidence types.EvidenceList `json:"evidence"`
}

// PendingEvidence returns the evidence waiting to be included in a block.
func PendingEvidence(ctx *rpctypes.Context) (*ResultPendingEvidence, error) {
	return &ResultPendingEvidence{
		Total:    env.EvidencePool.Size(),
		Evidence: env.EvidencePool.PendingEvidence(maxPendingEvidence),
	}, nil
}
