package node

import (
	"strings"

	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/version"

	"github.com/wangzhecodingfy/rei/config"
	"github.com/wangzhecodingfy/rei/consensus"
	"github.com/wangzhecodingfy/rei/mempool"
	"github.com/wangzhecodingfy/rei/types"
)

// Version is the protocol version peers must share. Bumped whenever the
// wire messages change.
var Version = p2p.NewProtocolVersion(
	8, // p2p
	1, // block
	0, // app
)

// makeNodeInfo describes the node to its peers. The network is the chain
// ID, so nodes of different chains refuse each other during the handshake.
func makeNodeInfo(
	config *config.Config,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: Version,
		DefaultNodeID:   nodeKey.ID(),
		Network:         genDoc.ChainID,
		Version:         version.TMCoreSemVer,
		Channels: []byte{
			consensus.ProposalChannel, consensus.VoteChannel,
			consensus.EvidenceChannel, consensus.BlockSyncChannel,
			mempool.MempoolChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "on",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = removeProtocolIfDefined(lAddr)

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func removeProtocolIfDefined(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[i+3:]
	}
	return addr
}
