package types

import "fmt"

// Account is the state of one address.
type Account struct {
	Nonce   uint64 `json:"nonce"`
	Balance uint64 `json:"balance"`
}

func (acc Account) String() string {
	return fmt.Sprintf("Account{N:%d B:%d}", acc.Nonce, acc.Balance)
}
