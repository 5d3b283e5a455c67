package consensus

import (
	"bytes"
	"errors"
	"fmt"

	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"

	"github.com/wangzhecodingfy/rei/types"
)

// maxBlockRange bounds the heights asked for by one BlockRangeRequestMessage.
const maxBlockRange = 64

func init() {
	tmjson.RegisterType(&ProposalMessage{}, "rei/consensus/ProposalMessage")
	tmjson.RegisterType(&VoteMessage{}, "rei/consensus/VoteMessage")
	tmjson.RegisterType(&EvidenceMessage{}, "rei/consensus/EvidenceMessage")
	tmjson.RegisterType(&BlockRangeRequestMessage{}, "rei/consensus/BlockRangeRequestMessage")
	tmjson.RegisterType(&BlockResponseMessage{}, "rei/consensus/BlockResponseMessage")
}

// Message is a message that can be sent and received on the Reactor
type Message interface {
	ValidateBasic() error
}

func encodeMsg(msg Message) ([]byte, error) {
	return tmjson.Marshal(msg)
}

func decodeMsg(bz []byte) (Message, error) {
	var msg Message
	if err := tmjson.Unmarshal(bz, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("empty message")
	}
	return msg, nil
}

// ProposalMessage carries a signed proposal together with its block.
type ProposalMessage struct {
	Proposal *types.Proposal `json:"proposal"`
	Block    *types.Block    `json:"block"`
}

func (m *ProposalMessage) ValidateBasic() error {
	if err := m.Proposal.ValidateBasic(); err != nil {
		return err
	}
	if err := m.Block.ValidateBasic(); err != nil {
		return fmt.Errorf("wrong block: %w", err)
	}
	if m.Block.Height != m.Proposal.Height {
		return fmt.Errorf("block height %d does not match proposal height %d", m.Block.Height, m.Proposal.Height)
	}
	if !bytes.Equal(m.Block.Hash(), m.Proposal.BlockHash) {
		return fmt.Errorf("block hash %v does not match proposal %v", m.Block.Hash(), m.Proposal.BlockHash)
	}
	return nil
}

func (m *ProposalMessage) String() string {
	return fmt.Sprintf("[Proposal %v]", m.Proposal)
}

// VoteMessage is sent when voting for a proposal (or lack thereof).
type VoteMessage struct {
	Vote *types.Vote `json:"vote"`
}

func (m *VoteMessage) ValidateBasic() error {
	return m.Vote.ValidateBasic()
}

func (m *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", m.Vote)
}

// EvidenceMessage gossips duplicate vote evidence.
type EvidenceMessage struct {
	Evidence types.Evidence `json:"evidence"`
}

func (m *EvidenceMessage) ValidateBasic() error {
	if m.Evidence == nil {
		return errors.New("nil evidence")
	}
	return m.Evidence.ValidateBasic()
}

func (m *EvidenceMessage) String() string {
	return fmt.Sprintf("[Evidence %v]", m.Evidence)
}

// BlockRangeRequestMessage asks a peer for the committed blocks in
// [From, To].
type BlockRangeRequestMessage struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (m *BlockRangeRequestMessage) ValidateBasic() error {
	if m.From <= 0 {
		return errors.New("non-positive From")
	}
	if m.To < m.From {
		return fmt.Errorf("invalid range [%d, %d]", m.From, m.To)
	}
	if m.To-m.From >= maxBlockRange {
		return fmt.Errorf("range [%d, %d] exceeds %d blocks", m.From, m.To, maxBlockRange)
	}
	return nil
}

func (m *BlockRangeRequestMessage) String() string {
	return fmt.Sprintf("[BlockRangeRequest %d-%d]", m.From, m.To)
}

// BlockResponseMessage carries a committed block and the precommits that
// decided it.
type BlockResponseMessage struct {
	Block  *types.Block  `json:"block"`
	Commit *types.Commit `json:"commit"`
}

func (m *BlockResponseMessage) ValidateBasic() error {
	if err := m.Block.ValidateBasic(); err != nil {
		return err
	}
	if err := m.Commit.ValidateBasic(); err != nil {
		return err
	}
	if m.Commit.Height != m.Block.Height || !bytes.Equal(m.Commit.BlockHash, m.Block.Hash()) {
		return errors.New("commit does not match block")
	}
	return nil
}

func (m *BlockResponseMessage) String() string {
	return fmt.Sprintf("[BlockResponse %v]", m.Block)
}

//-----------------------------------------------------------------------------

// msgInfo is a message from a peer, or from ourselves when PeerID is empty.
type msgInfo struct {
	Msg    Message `json:"msg"`
	PeerID p2p.ID  `json:"peer_key"`
}
