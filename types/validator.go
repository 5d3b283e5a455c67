package types

import (
	"errors"
	"fmt"
)

// ValidatorDetail is the staking metadata of a validator. It does not take
// part in active-set selection.
type ValidatorDetail struct {
	Name            string `json:"name"`
	CommissionRate  uint64 `json:"commission_rate"`
	UpdateTimestamp int64  `json:"update_timestamp"`
}

// ValidatorInfo is a value record of one validator. Records handed out by a
// ValidatorSet are copies; mutating them never affects the set.
type ValidatorInfo struct {
	Address          Address         `json:"address"`
	VotingPower      int64           `json:"voting_power"`
	ProposerPriority int64           `json:"proposer_priority"`
	Detail           ValidatorDetail `json:"detail"`
}

func NewValidatorInfo(addr Address, power int64) ValidatorInfo {
	return ValidatorInfo{Address: addr.Copy(), VotingPower: power}
}

func (v ValidatorInfo) ValidateBasic() error {
	if err := v.Address.ValidateBasic(); err != nil {
		return err
	}
	if v.VotingPower < 0 {
		return errors.New("validator has negative voting power")
	}
	if v.Detail.CommissionRate > MaxCommissionRate {
		return fmt.Errorf("commission rate %d exceeds %d", v.Detail.CommissionRate, MaxCommissionRate)
	}
	return nil
}

// Copy returns a record that shares no memory with v.
func (v ValidatorInfo) Copy() ValidatorInfo {
	v.Address = v.Address.Copy()
	return v
}

// compareValidators orders by voting power, then by address.
func compareValidators(a, b *ValidatorInfo) int {
	switch {
	case a.VotingPower < b.VotingPower:
		return -1
	case a.VotingPower > b.VotingPower:
		return 1
	}
	return a.Address.Compare(b.Address)
}

func (v ValidatorInfo) String() string {
	return fmt.Sprintf("Validator{%v VP:%d A:%d}", v.Address, v.VotingPower, v.ProposerPriority)
}
