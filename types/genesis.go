package types

import (
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"
)

const (
	MaxChainIDLen = 50

	DefaultMaxValidators = 21
	DefaultBlockGasLimit = uint64(21000 * 1000)
	DefaultBlockPeriod   = 3 * time.Second
)

// GenesisValidator is an initial validator. Validators with zero power only
// pad the active list until enough stake exists.
type GenesisValidator struct {
	Address Address       `json:"address"`
	PubKey  crypto.PubKey `json:"pub_key"`
	Power   int64         `json:"power"`
	Name    string        `json:"name"`
}

// GenesisAccount is an initial account balance.
type GenesisAccount struct {
	Address Address `json:"address"`
	Balance uint64  `json:"balance"`
}

type ConsensusParams struct {
	MaxValidators int           `json:"max_validators"`
	BlockGasLimit uint64        `json:"block_gas_limit"`
	BlockPeriod   time.Duration `json:"block_period"`
}

func DefaultConsensusParams() ConsensusParams {
	return ConsensusParams{
		MaxValidators: DefaultMaxValidators,
		BlockGasLimit: DefaultBlockGasLimit,
		BlockPeriod:   DefaultBlockPeriod,
	}
}

func (p ConsensusParams) ValidateBasic() error {
	if p.MaxValidators <= 0 {
		return errors.New("max_validators must be positive")
	}
	if p.BlockGasLimit < TxGas {
		return fmt.Errorf("block_gas_limit must be at least %d", TxGas)
	}
	if p.BlockPeriod < 0 {
		return errors.New("negative block_period")
	}
	return nil
}

// GenesisDoc defines the initial conditions of the chain.
type GenesisDoc struct {
	GenesisTime     time.Time          `json:"genesis_time"`
	ChainID         string             `json:"chain_id"`
	ConsensusParams ConsensusParams    `json:"consensus_params"`
	Validators      []GenesisValidator `json:"validators"`
	Accounts        []GenesisAccount   `json:"accounts,omitempty"`
	AppHash         tmbytes.HexBytes   `json:"app_hash"`
}

// SaveAs writes the genesis doc as indented JSON.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return tmos.WriteFile(file, genDocBytes, 0644)
}

// ValidateAndComplete checks the doc and fills in defaults.
func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.ChainID) > MaxChainIDLen {
		return fmt.Errorf("chain_id in genesis doc is too long (max: %d)", MaxChainIDLen)
	}
	if genDoc.ConsensusParams == (ConsensusParams{}) {
		genDoc.ConsensusParams = DefaultConsensusParams()
	}
	if err := genDoc.ConsensusParams.ValidateBasic(); err != nil {
		return err
	}
	if len(genDoc.Validators) == 0 {
		return errors.New("genesis doc must include at least one validator")
	}
	for i, v := range genDoc.Validators {
		if v.Power < 0 {
			return fmt.Errorf("the genesis file cannot contain validators with negative power: %v", v)
		}
		if v.PubKey != nil && len(v.Address) == 0 {
			genDoc.Validators[i].Address = GetAddress(v.PubKey)
		}
		if err := genDoc.Validators[i].Address.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid genesis validator #%d: %w", i, err)
		}
	}
	for i, acc := range genDoc.Accounts {
		if err := acc.Address.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid genesis account #%d: %w", i, err)
		}
	}
	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = tmtime.Now()
	}
	return nil
}

// ValidatorSet builds the initial validator set. Every genesis validator is
// part of the padding pool; those with power are also staked members.
func (genDoc *GenesisDoc) ValidatorSet() *ValidatorSet {
	genesis := make([]Address, len(genDoc.Validators))
	members := make([]ValidatorInfo, 0, len(genDoc.Validators))
	for i, v := range genDoc.Validators {
		genesis[i] = v.Address
		if v.Power > 0 {
			info := NewValidatorInfo(v.Address, v.Power)
			info.Detail.Name = v.Name
			members = append(members, info)
		}
	}
	return NewValidatorSet(members, genDoc.ConsensusParams.MaxValidators, genesis)
}

func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	if err := tmjson.Unmarshal(jsonBlob, &genDoc); err != nil {
		return nil, err
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return &genDoc, nil
}

func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read GenesisDoc file: %w", err)
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, fmt.Errorf("error reading GenesisDoc at %s: %w", genDocFile, err)
	}
	return genDoc, nil
}
