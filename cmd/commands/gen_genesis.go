package commands

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"github.com/wangzhecodingfy/rei/privval"
	"github.com/wangzhecodingfy/rei/types"
)

var (
	chainID       string
	validatorKeys []string
	accounts      []string
	power         int64
	maxValidators int
	blockPeriod   time.Duration
	blockGasLimit uint64
)

// GenGenesisCmd writes the genesis file of a network from the key files of
// its validators.
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate the genesis file of a network",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	defaults := types.DefaultConsensusParams()
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain", "chain ID of the network")
	GenGenesisCmd.Flags().StringSliceVar(&validatorKeys, "validator-keys", nil,
		"priv_validator_key.json files of the validators; the local key when empty")
	GenGenesisCmd.Flags().StringSliceVar(&accounts, "accounts", nil,
		"initial balances as address:balance")
	GenGenesisCmd.Flags().Int64Var(&power, "power", 10, "stake of every genesis validator; 0 only pads the active list")
	GenGenesisCmd.Flags().IntVar(&maxValidators, "max-validators", defaults.MaxValidators, "size of the active validator list")
	GenGenesisCmd.Flags().DurationVar(&blockPeriod, "block-period", defaults.BlockPeriod, "minimum time between blocks")
	GenGenesisCmd.Flags().Uint64Var(&blockGasLimit, "block-gas-limit", defaults.BlockGasLimit, "gas limit of every block")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	keyFiles := validatorKeys
	if len(keyFiles) == 0 {
		keyFiles = []string{config.PrivValidatorKeyFile()}
	}

	vals := make([]types.GenesisValidator, 0, len(keyFiles))
	for i, keyFile := range keyFiles {
		pv := privval.LoadFilePVEmptyState(keyFile, "")
		pubKey, err := pv.GetPubKey()
		if err != nil {
			return fmt.Errorf("can't get pubkey of %s: %w", keyFile, err)
		}
		vals = append(vals, types.GenesisValidator{
			Address: pv.GetAddress(),
			PubKey:  pubKey,
			Power:   power,
			Name:    fmt.Sprintf("validator-%d-%s", i, strings.TrimSuffix(filepath.Base(keyFile), ".json")),
		})
	}

	genAccounts, err := parseAccounts(accounts)
	if err != nil {
		return err
	}

	genDoc := types.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: tmtime.Now(),
		ConsensusParams: types.ConsensusParams{
			MaxValidators: maxValidators,
			BlockGasLimit: blockGasLimit,
			BlockPeriod:   blockPeriod,
		},
		Validators: vals,
		Accounts:   genAccounts,
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "validators", len(vals))
	return nil
}

func parseAccounts(entries []string) ([]types.GenesisAccount, error) {
	accs := make([]types.GenesisAccount, 0, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("account %q is not address:balance", entry)
		}
		addr, err := types.AddressFromHex(parts[0])
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", entry, err)
		}
		balance, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", entry, err)
		}
		accs = append(accs, types.GenesisAccount{Address: addr, Balance: balance})
	}
	return accs, nil
}
