package state

import (
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/wangzhecodingfy/rei/store"
	"github.com/wangzhecodingfy/rei/types"
)

// slashing removes 1/slashDivisor of a punished validator's power
const slashDivisor = 10

// ExecutionContext is the mutable state of executing one block. Only the
// stage functions below touch it.
type ExecutionContext struct {
	Header     *types.Header
	State      *store.AccountState
	Validators *types.ValidatorSet // parent snapshot, read-only

	GasUsed  uint64
	Fees     uint64
	Receipts types.Receipts
	Changes  *types.ValidatorChanges
}

// ExecutionResult is what a block leaves behind once executed.
type ExecutionResult struct {
	StateRoot    tmbytes.HexBytes
	ReceiptsRoot tmbytes.HexBytes
	GasUsed      uint64
	Receipts     types.Receipts
	Changes      *types.ValidatorChanges
	State        *store.AccountState
}

func newExecutionContext(header *types.Header, parentState *store.AccountState, vals *types.ValidatorSet) *ExecutionContext {
	return &ExecutionContext{
		Header:     header,
		State:      parentState,
		Validators: vals,
		Changes:    types.NewValidatorChanges(),
	}
}

// Copy returns a context that can be finalized without affecting ctx.
func (ctx *ExecutionContext) Copy() *ExecutionContext {
	changes := types.NewValidatorChanges()
	changes.Merge(ctx.Changes)
	return &ExecutionContext{
		Header:     ctx.Header.Copy(),
		State:      ctx.State.Copy(),
		Validators: ctx.Validators,
		GasUsed:    ctx.GasUsed,
		Fees:       ctx.Fees,
		Receipts:   append(types.Receipts(nil), ctx.Receipts...),
		Changes:    changes,
	}
}

// RemainingGas is the gas left in the block.
func (ctx *ExecutionContext) RemainingGas() uint64 {
	return ctx.Header.GasLimit - ctx.GasUsed
}

// preCheck validates tx against the current state without changing it.
func preCheck(ctx *ExecutionContext, tx types.Tx) error {
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if tx.Gas > ctx.RemainingGas() {
		return errors.Wrapf(ErrGasLimitReached, "tx gas %d, remaining %d", tx.Gas, ctx.RemainingGas())
	}
	acc := ctx.State.Accounts[tx.From.Key()]
	if tx.Nonce < acc.Nonce {
		return errors.Wrapf(ErrNonceTooLow, "address %v, tx: %d state: %d", tx.From, tx.Nonce, acc.Nonce)
	}
	if tx.Nonce > acc.Nonce {
		return errors.Wrapf(ErrNonceTooHigh, "address %v, tx: %d state: %d", tx.From, tx.Nonce, acc.Nonce)
	}
	if acc.Balance < tx.Cost() {
		return errors.Wrapf(ErrInsufficientFunds, "address %v have %d want %d", tx.From, acc.Balance, tx.Cost())
	}
	if tx.Kind == types.TxUnstake {
		if staked := ctx.State.Stakes[store.StakeKey(tx.From, tx.To)]; staked < tx.Value {
			return errors.Wrapf(ErrInsufficientStake, "staked %d, unstake %d", staked, tx.Value)
		}
	}
	return nil
}

// applyTx mutates the state for a tx that passed preCheck.
func applyTx(ctx *ExecutionContext, tx types.Tx) *types.Receipt {
	gasUsed := tx.IntrinsicGas()
	fee := gasUsed * tx.GasPrice

	from := ctx.State.Accounts[tx.From.Key()]
	from.Nonce++
	from.Balance -= fee

	switch tx.Kind {
	case types.TxTransfer:
		from.Balance -= tx.Value
		ctx.State.Accounts[tx.From.Key()] = from
		to := ctx.State.Accounts[tx.To.Key()]
		to.Balance += tx.Value
		ctx.State.Accounts[tx.To.Key()] = to
	case types.TxStake:
		from.Balance -= tx.Value
		ctx.State.Accounts[tx.From.Key()] = from
		ctx.State.Stakes[store.StakeKey(tx.From, tx.To)] += tx.Value
		ctx.Changes.Stake(tx.To, int64(tx.Value))
	case types.TxUnstake:
		from.Balance += tx.Value
		ctx.State.Accounts[tx.From.Key()] = from
		key := store.StakeKey(tx.From, tx.To)
		ctx.State.Stakes[key] -= tx.Value
		if ctx.State.Stakes[key] == 0 {
			delete(ctx.State.Stakes, key)
		}
		ctx.Changes.Unstake(tx.To, int64(tx.Value))
	case types.TxSetCommission:
		ctx.State.Accounts[tx.From.Key()] = from
		ctx.Changes.SetCommission(tx.From, tx.Value, ctx.Header.Timestamp.Unix())
	}

	ctx.GasUsed += gasUsed
	ctx.Fees += fee
	receipt := &types.Receipt{
		TxHash:            tx.Hash(),
		Status:            types.ReceiptStatusSuccessful,
		GasUsed:           gasUsed,
		CumulativeGasUsed: ctx.GasUsed,
	}
	ctx.Receipts = append(ctx.Receipts, receipt)
	return receipt
}

// finalize pays the proposer, punishes evidence and seals the state.
func finalize(ctx *ExecutionContext, evidence types.EvidenceList) *ExecutionResult {
	if ctx.Fees > 0 && len(ctx.Header.Proposer) > 0 {
		acc := ctx.State.Accounts[ctx.Header.Proposer.Key()]
		acc.Balance += ctx.Fees
		ctx.State.Accounts[ctx.Header.Proposer.Key()] = acc
	}

	punished := make(map[string]struct{}, len(evidence))
	for _, ev := range evidence {
		addr := ev.Address()
		if _, ok := punished[addr.Key()]; ok {
			continue
		}
		punished[addr.Key()] = struct{}{}
		power := ctx.Validators.VotingPower(addr)
		if power <= 0 {
			continue
		}
		slash := power / slashDivisor
		if slash == 0 {
			slash = 1
		}
		ctx.Changes.Unstake(addr, slash)
	}

	ctx.State.Height = ctx.Header.Height
	return &ExecutionResult{
		StateRoot:    ctx.State.Root(),
		ReceiptsRoot: ctx.Receipts.Hash(),
		GasUsed:      ctx.GasUsed,
		Receipts:     ctx.Receipts,
		Changes:      ctx.Changes,
		State:        ctx.State,
	}
}
