package types

import (
	"errors"
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Commit is the +2/3 precommits that decided a block.
type Commit struct {
	Height     int64            `json:"height"`
	Round      int32            `json:"round"`
	BlockHash  tmbytes.HexBytes `json:"block_hash"`
	Precommits []*Vote          `json:"precommits"`
}

func (c *Commit) ValidateBasic() error {
	if c == nil {
		return errors.New("nil commit")
	}
	if c.Height <= 0 {
		return errors.New("non-positive Height")
	}
	if c.Round < 0 {
		return errors.New("negative Round")
	}
	if len(c.BlockHash) == 0 {
		return errors.New("commit for nil block")
	}
	if len(c.Precommits) == 0 {
		return errors.New("no precommits in commit")
	}
	for i, vote := range c.Precommits {
		if err := vote.ValidateBasic(); err != nil {
			return fmt.Errorf("wrong precommit #%d: %w", i, err)
		}
		if vote.Type != PrecommitType {
			return fmt.Errorf("vote #%d is not a precommit", i)
		}
	}
	return nil
}

func (c *Commit) String() string {
	if c == nil {
		return "nil-Commit"
	}
	return fmt.Sprintf("Commit{#%d/%d %v precommits:%d}", c.Height, c.Round, c.BlockHash, len(c.Precommits))
}
