package types

import (
	"fmt"
	"sort"
)

// CommissionChange replaces the commission rate of a validator.
type CommissionChange struct {
	Rate            uint64 `json:"rate"`
	UpdateTimestamp int64  `json:"update_timestamp"`
}

// ValidatorChange is the batch of staking events one block produced for a
// single validator.
type ValidatorChange struct {
	Validator  Address           `json:"validator"`
	Stake      []int64           `json:"stake"`
	Unstake    []int64           `json:"unstake"`
	Commission *CommissionChange `json:"commission,omitempty"`
}

// Net returns total stake minus total unstake.
func (vc ValidatorChange) Net() int64 {
	var net int64
	for _, s := range vc.Stake {
		net += s
	}
	for _, u := range vc.Unstake {
		net -= u
	}
	return net
}

func (vc ValidatorChange) copy() ValidatorChange {
	c := ValidatorChange{
		Validator: vc.Validator.Copy(),
		Stake:     append([]int64(nil), vc.Stake...),
		Unstake:   append([]int64(nil), vc.Unstake...),
	}
	if vc.Commission != nil {
		cc := *vc.Commission
		c.Commission = &cc
	}
	return c
}

// ValidatorChanges collects staking events keyed by validator. The zero value
// is not usable; call NewValidatorChanges.
type ValidatorChanges struct {
	changes map[string]*ValidatorChange
}

func NewValidatorChanges() *ValidatorChanges {
	return &ValidatorChanges{changes: make(map[string]*ValidatorChange)}
}

func (vcs *ValidatorChanges) get(addr Address) *ValidatorChange {
	key := addr.Key()
	vc, ok := vcs.changes[key]
	if !ok {
		vc = &ValidatorChange{Validator: addr.Copy()}
		vcs.changes[key] = vc
	}
	return vc
}

func (vcs *ValidatorChanges) Stake(addr Address, amount int64) {
	if amount <= 0 {
		return
	}
	vc := vcs.get(addr)
	vc.Stake = append(vc.Stake, amount)
}

func (vcs *ValidatorChanges) Unstake(addr Address, amount int64) {
	if amount <= 0 {
		return
	}
	vc := vcs.get(addr)
	vc.Unstake = append(vc.Unstake, amount)
}

func (vcs *ValidatorChanges) SetCommission(addr Address, rate uint64, timestamp int64) {
	vcs.get(addr).Commission = &CommissionChange{Rate: rate, UpdateTimestamp: timestamp}
}

// Merge appends every event of other after the events already collected.
// A later commission change replaces an earlier one.
func (vcs *ValidatorChanges) Merge(other *ValidatorChanges) {
	if other == nil {
		return
	}
	for _, oc := range other.Changes() {
		vc := vcs.get(oc.Validator)
		vc.Stake = append(vc.Stake, oc.Stake...)
		vc.Unstake = append(vc.Unstake, oc.Unstake...)
		if oc.Commission != nil {
			vc.Commission = oc.Commission
		}
	}
}

// Changes returns copies of the collected changes ordered by address.
func (vcs *ValidatorChanges) Changes() []ValidatorChange {
	list := make([]ValidatorChange, 0, len(vcs.changes))
	for _, vc := range vcs.changes {
		list = append(list, vc.copy())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Validator.Compare(list[j].Validator) < 0
	})
	return list
}

func (vcs *ValidatorChanges) Len() int {
	if vcs == nil {
		return 0
	}
	return len(vcs.changes)
}

// Encode packs the changes as varints in address order.
func (vcs *ValidatorChanges) Encode() []byte {
	w := &compactWriter{}
	changes := vcs.Changes()
	w.uvarint(uint64(len(changes)))
	for _, vc := range changes {
		w.bytes(vc.Validator)
		w.uvarint(uint64(len(vc.Stake)))
		for _, s := range vc.Stake {
			w.varint(s)
		}
		w.uvarint(uint64(len(vc.Unstake)))
		for _, u := range vc.Unstake {
			w.varint(u)
		}
		if vc.Commission == nil {
			w.uvarint(0)
		} else {
			w.uvarint(1)
			w.uvarint(vc.Commission.Rate)
			w.varint(vc.Commission.UpdateTimestamp)
		}
	}
	return w.buf
}

func DecodeValidatorChanges(bz []byte) (*ValidatorChanges, error) {
	r := &compactReader{buf: bz}
	vcs := NewValidatorChanges()
	n := r.count()
	for i := 0; i < n && r.err == nil; i++ {
		vc := vcs.get(Address(r.bytes()))
		for j, sn := 0, r.count(); j < sn; j++ {
			vc.Stake = append(vc.Stake, r.varint())
		}
		for j, un := 0, r.count(); j < un; j++ {
			vc.Unstake = append(vc.Unstake, r.varint())
		}
		if r.uvarint() == 1 {
			vc.Commission = &CommissionChange{Rate: r.uvarint(), UpdateTimestamp: r.varint()}
		}
	}
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("decode validator changes: %w", err)
	}
	return vcs, nil
}
