package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

// Routes is the read only view of the node plus tx submission.
var Routes = map[string]*rpc.RPCFunc{
	// info API
	"health":     rpc.NewRPCFunc(Health, ""),
	"status":     rpc.NewRPCFunc(Status, ""),
	"validators": rpc.NewRPCFunc(Validators, "height"),
	"block":      rpc.NewRPCFunc(Block, "height"),
	"tx":         rpc.NewRPCFunc(Tx, "hash"),
	"metrics":    rpc.NewRPCFunc(JSONMetrics, "label"),

	"dump_consensus_state": rpc.NewRPCFunc(DumpConsensusState, ""),
	"pending_evidence":     rpc.NewRPCFunc(PendingEvidence, ""),
	"num_unconfirmed_txs":  rpc.NewRPCFunc(NumUnconfirmedTxs, ""),

	// tx broadcast API
	"broadcast_tx": rpc.NewRPCFunc(BroadcastTx, "tx"),
}
