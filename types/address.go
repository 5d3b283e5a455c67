package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Address identifies accounts and validators. It is the 20 byte hash of a public key.
type Address crypto.Address

func GetAddress(key crypto.PubKey) Address {
	return Address(key.Address())
}

// AddressFromHex parses a hex encoded address, with or without the 0x prefix.
func AddressFromHex(s string) (Address, error) {
	bz, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return nil, err
	}
	if len(bz) != crypto.AddressSize {
		return nil, fmt.Errorf("expected address of %d bytes, got %d", crypto.AddressSize, len(bz))
	}
	return Address(bz), nil
}

func (addr Address) Equal(other Address) bool {
	if addr == nil || other == nil {
		return false
	}
	return bytes.Equal(addr, other)
}

// Compare returns an integer comparing two addresses bytewise.
func (addr Address) Compare(other Address) int {
	return bytes.Compare(addr, other)
}

// Key returns a comparable representation usable as a map key.
func (addr Address) Key() string {
	return string(addr)
}

func (addr Address) Copy() Address {
	if addr == nil {
		return nil
	}
	cpy := make(Address, len(addr))
	copy(cpy, addr)
	return cpy
}

func (addr Address) ValidateBasic() error {
	if len(addr) != crypto.AddressSize {
		return fmt.Errorf("wrong address size: expected %d, got %d", crypto.AddressSize, len(addr))
	}
	return nil
}

func (addr Address) String() string {
	return tmbytes.HexBytes(addr).String()
}

func (addr Address) MarshalJSON() ([]byte, error) {
	return tmbytes.HexBytes(addr).MarshalJSON()
}

func (addr *Address) UnmarshalJSON(data []byte) error {
	var hb tmbytes.HexBytes
	if err := hb.UnmarshalJSON(data); err != nil {
		return err
	}
	*addr = Address(hb)
	return nil
}

// AddressFromKey is the inverse of Key.
func AddressFromKey(key string) Address {
	return Address(key)
}
