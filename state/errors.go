package state

import "github.com/pkg/errors"

var (
	ErrInvalidParent   = errors.New("block does not extend the current head")
	ErrExecution       = errors.New("block execution failed")
	ErrPersistence     = errors.New("block persistence failed")
	ErrPipelineStopped = errors.New("commit pipeline is stopped")

	ErrGasLimitReached   = errors.New("block gas limit reached")
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrNonceTooHigh      = errors.New("nonce too high")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrInsufficientStake = errors.New("unstake exceeds staked amount")
)

// ErrInvalidBlock wraps a consistency error of a block against its parent.
func ErrInvalidBlock(err error) error {
	return errors.Wrap(err, "invalid block")
}
