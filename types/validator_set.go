package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set"
	"github.com/golang/snappy"
	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// ValidatorSet holds the full staking membership and the bounded active
// subset that votes and proposes.
//
// The active list is sorted by voting power (descending), then by address
// (descending). When fewer members than the maximum exist it is padded with
// genesis validators at zero power. If every active validator has zero
// power each of them counts with power 1.
//
// A member whose unstakes exceed its stake keeps a record with negative power
// so later stakes pay the deficit first. Such members never become active.
//
// Proposer priorities are kept apart from membership records so they survive
// active-set changes. A priority is dropped only when its validator leaves the
// membership.
//
// NOTE: Not goroutine-safe. A set published for a state root must not be
// mutated; call Copy first.
type ValidatorSet struct {
	maxActive  int
	genesis    []Address
	members    map[string]ValidatorInfo
	priorities map[string]int64

	active []ValidatorInfo
	index  map[string]int
	total  int64
}

// NewValidatorSet builds a set from vals. genesis is the padding pool used
// while fewer than maxActive members are staked.
func NewValidatorSet(vals []ValidatorInfo, maxActive int, genesis []Address) *ValidatorSet {
	if maxActive <= 0 {
		panic("maxActive must be positive")
	}
	vs := &ValidatorSet{
		maxActive:  maxActive,
		members:    make(map[string]ValidatorInfo, len(vals)),
		priorities: make(map[string]int64),
	}
	for _, addr := range genesis {
		vs.genesis = append(vs.genesis, addr.Copy())
	}
	for _, v := range vals {
		v = v.Copy()
		if v.VotingPower <= 0 {
			continue
		}
		key := v.Address.Key()
		if v.ProposerPriority != 0 {
			vs.priorities[key] = v.ProposerPriority
		}
		v.ProposerPriority = 0
		vs.members[key] = v
	}
	vs.sort()
	return vs
}

// sort rebuilds the active list from the membership map.
func (vs *ValidatorSet) sort() {
	candidates := make([]ValidatorInfo, 0, len(vs.members))
	for _, v := range vs.members {
		if v.VotingPower > 0 {
			candidates = append(candidates, v)
		}
	}
	sortDescending(candidates)
	if len(candidates) > vs.maxActive {
		candidates = candidates[:vs.maxActive]
	}

	if len(candidates) < vs.maxActive {
		activeSet := mapset.NewThreadUnsafeSet()
		for _, v := range candidates {
			activeSet.Add(v.Address.Key())
		}
		padding := make([]Address, 0, len(vs.genesis))
		for _, addr := range vs.genesis {
			if !activeSet.Contains(addr.Key()) {
				activeSet.Add(addr.Key())
				padding = append(padding, addr)
			}
		}
		sort.Slice(padding, func(i, j int) bool {
			return padding[i].Compare(padding[j]) > 0
		})
		for _, addr := range padding {
			if len(candidates) >= vs.maxActive {
				break
			}
			candidates = append(candidates, NewValidatorInfo(addr, 0))
		}
		sortDescending(candidates)
	}

	vs.active = candidates
	vs.index = make(map[string]int, len(candidates))
	var total int64
	allZero := true
	for i, v := range candidates {
		vs.index[v.Address.Key()] = i
		total += v.VotingPower
		if v.VotingPower != 0 {
			allZero = false
		}
	}
	if allZero {
		total = int64(len(candidates))
	}
	vs.total = total

	// priorities of padding validators that left the active list are dropped
	for key := range vs.priorities {
		if _, ok := vs.members[key]; ok {
			continue
		}
		if _, ok := vs.index[key]; !ok {
			delete(vs.priorities, key)
		}
	}
}

func sortDescending(vals []ValidatorInfo) {
	sort.Slice(vals, func(i, j int) bool {
		return compareValidators(&vals[i], &vals[j]) > 0
	})
}

// ApplyChanges merges the staking events of one block into the set. It
// returns the addresses whose changes were ignored because the validator is
// unknown; callers log them since they point at corrupted accounting.
//
// Applying two batches one after the other yields the same set as applying
// their merge, except when a validator's power lands exactly on zero in the
// first batch and it is staked again in the second (its record is recreated,
// so priority and detail restart).
func (vs *ValidatorSet) ApplyChanges(changes *ValidatorChanges) (ignored []Address) {
	if changes.Len() == 0 {
		return nil
	}
	dirty := false
	for _, vc := range changes.Changes() {
		key := vc.Validator.Key()
		v, known := vs.members[key]
		net := vc.Net()
		switch {
		case net > 0:
			dirty = true
			if !known {
				v = NewValidatorInfo(vc.Validator, 0)
				known = true
			}
			v.VotingPower += net
			vs.members[key] = v
		case net < 0:
			if !known {
				ignored = append(ignored, vc.Validator)
				continue
			}
			dirty = true
			v.VotingPower += net
			if v.VotingPower == 0 {
				delete(vs.members, key)
				delete(vs.priorities, key)
				known = false
			} else {
				vs.members[key] = v
			}
		}

		if vc.Commission != nil {
			if !known {
				if net == 0 {
					ignored = append(ignored, vc.Validator)
				}
				continue
			}
			v.Detail.CommissionRate = vc.Commission.Rate
			v.Detail.UpdateTimestamp = vc.Commission.UpdateTimestamp
			vs.members[key] = v
			if i, ok := vs.index[key]; ok {
				vs.active[i].Detail = v.Detail
			}
		}
	}
	if dirty {
		vs.sort()
	}
	return ignored
}

// ActiveValidators returns copies of the active validators in order, with
// their current proposer priorities.
func (vs *ValidatorSet) ActiveValidators() []ValidatorInfo {
	vals := make([]ValidatorInfo, len(vs.active))
	for i, v := range vs.active {
		vals[i] = v.Copy()
		vals[i].ProposerPriority = vs.priorities[v.Address.Key()]
	}
	return vals
}

// ActiveSigners returns the active addresses in order.
func (vs *ValidatorSet) ActiveSigners() []Address {
	addrs := make([]Address, len(vs.active))
	for i, v := range vs.active {
		addrs[i] = v.Address.Copy()
	}
	return addrs
}

// Members returns copies of every validator with positive power ordered by
// address.
func (vs *ValidatorSet) Members() []ValidatorInfo {
	return vs.records(false)
}

// records returns the member records ordered by address, with those in
// deficit when withDeficit is set.
func (vs *ValidatorSet) records(withDeficit bool) []ValidatorInfo {
	vals := make([]ValidatorInfo, 0, len(vs.members))
	for key, v := range vs.members {
		if v.VotingPower <= 0 && !withDeficit {
			continue
		}
		v = v.Copy()
		v.ProposerPriority = vs.priorities[key]
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool {
		return vals[i].Address.Compare(vals[j].Address) < 0
	})
	return vals
}

func (vs *ValidatorSet) Size() int {
	return len(vs.active)
}

func (vs *ValidatorSet) MaxActive() int {
	return vs.maxActive
}

// GenesisValidators returns the padding pool.
func (vs *ValidatorSet) GenesisValidators() []Address {
	addrs := make([]Address, len(vs.genesis))
	for i, addr := range vs.genesis {
		addrs[i] = addr.Copy()
	}
	return addrs
}

// VotingPower returns the staked power of addr, or 0 for unknown addresses
// and members in deficit.
func (vs *ValidatorSet) VotingPower(addr Address) int64 {
	if p := vs.members[addr.Key()].VotingPower; p > 0 {
		return p
	}
	return 0
}

// HasAddress reports whether addr is in the active list.
func (vs *ValidatorSet) HasAddress(addr Address) bool {
	_, ok := vs.index[addr.Key()]
	return ok
}

// GetByAddress returns the active index of addr and a copy of its record, or
// -1 and false.
func (vs *ValidatorSet) GetByAddress(addr Address) (int32, ValidatorInfo, bool) {
	i, ok := vs.index[addr.Key()]
	if !ok {
		return -1, ValidatorInfo{}, false
	}
	v := vs.active[i].Copy()
	v.ProposerPriority = vs.priorities[v.Address.Key()]
	return int32(i), v, true
}

// GetByIndex returns a copy of the active validator at index.
func (vs *ValidatorSet) GetByIndex(index int32) (ValidatorInfo, bool) {
	if index < 0 || int(index) >= len(vs.active) {
		return ValidatorInfo{}, false
	}
	v := vs.active[index].Copy()
	v.ProposerPriority = vs.priorities[v.Address.Key()]
	return v, true
}

// EffectivePower returns the weight addr carries in votes and rotation.
func (vs *ValidatorSet) EffectivePower(addr Address) int64 {
	i, ok := vs.index[addr.Key()]
	if !ok {
		return 0
	}
	return vs.effectivePower(i)
}

func (vs *ValidatorSet) effectivePower(i int) int64 {
	if vs.allZero() {
		return 1
	}
	return vs.active[i].VotingPower
}

func (vs *ValidatorSet) allZero() bool {
	// active is sorted descending so the first entry decides
	return len(vs.active) > 0 && vs.active[0].VotingPower == 0
}

// TotalVotingPower is the sum of effective power of the active list.
func (vs *ValidatorSet) TotalVotingPower() int64 {
	return vs.total
}

// QuorumPower is the smallest power strictly above two thirds of the total.
func (vs *ValidatorSet) QuorumPower() int64 {
	return vs.total*2/3 + 1
}

// HasTwoThirds reports whether power is a +2/3 majority of the active set.
func (vs *ValidatorSet) HasTwoThirds(power int64) bool {
	return power*3 > vs.total*2
}

// Proposer returns the active validator with the highest priority. Ties go to
// the smaller address.
func (vs *ValidatorSet) Proposer() Address {
	i := vs.proposerIndex()
	if i < 0 {
		return nil
	}
	return vs.active[i].Address.Copy()
}

func (vs *ValidatorSet) proposerIndex() int {
	best := -1
	var bestPriority int64
	for i, v := range vs.active {
		p := vs.priorities[v.Address.Key()]
		if best < 0 || p > bestPriority ||
			(p == bestPriority && v.Address.Compare(vs.active[best].Address) < 0) {
			best = i
			bestPriority = p
		}
	}
	return best
}

// rotate moves priority from proposer to every active validator in
// proportion to its power. The proposer need not be active.
func (vs *ValidatorSet) rotate(proposer Address) {
	for i, v := range vs.active {
		vs.priorities[v.Address.Key()] += vs.effectivePower(i)
	}
	if _, ok := vs.index[proposer.Key()]; ok {
		vs.priorities[proposer.Key()] -= vs.total
	}
}

// IncrementProposerPriority advances the rotation times rounds.
func (vs *ValidatorSet) IncrementProposerPriority(times int32) {
	if len(vs.active) == 0 {
		return
	}
	for i := int32(0); i < times; i++ {
		vs.rotate(vs.active[vs.proposerIndex()].Address)
	}
}

// CopyIncrementProposerPriority returns a copy rotated times rounds. The
// proposer of round r at a height is CopyIncrementProposerPriority(r).Proposer().
func (vs *ValidatorSet) CopyIncrementProposerPriority(times int32) *ValidatorSet {
	c := vs.Copy()
	c.IncrementProposerPriority(times)
	return c
}

// UpdateProposerPriority charges the proposer of a committed block and
// credits every active validator.
func (vs *ValidatorSet) UpdateProposerPriority(proposer Address) {
	vs.rotate(proposer)
}

// Copy returns a deep copy.
func (vs *ValidatorSet) Copy() *ValidatorSet {
	c := &ValidatorSet{
		maxActive:  vs.maxActive,
		genesis:    vs.GenesisValidators(),
		members:    make(map[string]ValidatorInfo, len(vs.members)),
		priorities: make(map[string]int64, len(vs.priorities)),
		active:     make([]ValidatorInfo, len(vs.active)),
		index:      make(map[string]int, len(vs.index)),
		total:      vs.total,
	}
	for k, v := range vs.members {
		c.members[k] = v.Copy()
	}
	for k, p := range vs.priorities {
		c.priorities[k] = p
	}
	for i, v := range vs.active {
		c.active[i] = v.Copy()
	}
	for k, i := range vs.index {
		c.index[k] = i
	}
	return c
}

// Hash is the merkle root of the active (address, power) pairs.
func (vs *ValidatorSet) Hash() tmbytes.HexBytes {
	bzs := make([][]byte, len(vs.active))
	for i, v := range vs.active {
		bzs[i] = append(v.Address.Copy(), int64Bytes(v.VotingPower)...)
	}
	return merkle.HashFromByteSlices(bzs)
}

// VerifyCommit checks that commit holds +2/3 valid precommits for blockHash
// at height.
func (vs *ValidatorSet) VerifyCommit(chainID string, blockHash []byte, height int64, commit *Commit) error {
	if err := commit.ValidateBasic(); err != nil {
		return err
	}
	if commit.Height != height {
		return fmt.Errorf("invalid commit height: want %d, got %d", height, commit.Height)
	}
	if !bytes.Equal(commit.BlockHash, blockHash) {
		return fmt.Errorf("invalid commit block hash: want %X, got %X", blockHash, commit.BlockHash)
	}
	var tallied int64
	seen := make(map[string]struct{}, len(commit.Precommits))
	for _, vote := range commit.Precommits {
		if vote.Height != height || vote.Round != commit.Round || !bytes.Equal(vote.BlockHash, blockHash) {
			continue
		}
		key := vote.ValidatorAddress.Key()
		if _, dup := seen[key]; dup || !vs.HasAddress(vote.ValidatorAddress) {
			continue
		}
		if err := vote.Verify(chainID); err != nil {
			return fmt.Errorf("wrong signature from %v: %w", vote.ValidatorAddress, err)
		}
		seen[key] = struct{}{}
		tallied += vs.EffectivePower(vote.ValidatorAddress)
	}
	if !vs.HasTwoThirds(tallied) {
		return fmt.Errorf("invalid commit: insufficient voting power: got %d, total %d", tallied, vs.total)
	}
	return nil
}

// Encode serializes the set as snappy-compressed varints. The active list is
// derived data and recomputed on decode.
func (vs *ValidatorSet) Encode() []byte {
	w := &compactWriter{}
	w.uvarint(uint64(vs.maxActive))
	w.uvarint(uint64(len(vs.genesis)))
	for _, addr := range vs.genesis {
		w.bytes(addr)
	}
	members := vs.records(true)
	w.uvarint(uint64(len(members)))
	for _, v := range members {
		w.bytes(v.Address)
		w.varint(v.VotingPower)
		w.bytes([]byte(v.Detail.Name))
		w.uvarint(v.Detail.CommissionRate)
		w.varint(v.Detail.UpdateTimestamp)
	}
	keys := make([]string, 0, len(vs.priorities))
	for k := range vs.priorities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.uvarint(uint64(len(keys)))
	for _, k := range keys {
		w.bytes([]byte(k))
		w.varint(vs.priorities[k])
	}
	return snappy.Encode(nil, w.buf)
}

// DecodeValidatorSet is the inverse of Encode.
func DecodeValidatorSet(bz []byte) (*ValidatorSet, error) {
	raw, err := snappy.Decode(nil, bz)
	if err != nil {
		return nil, fmt.Errorf("decompress validator set: %w", err)
	}
	r := &compactReader{buf: raw}
	vs := &ValidatorSet{
		maxActive:  int(r.uvarint()),
		members:    make(map[string]ValidatorInfo),
		priorities: make(map[string]int64),
	}
	for i, n := 0, r.count(); i < n; i++ {
		vs.genesis = append(vs.genesis, Address(r.bytes()))
	}
	for i, n := 0, r.count(); i < n; i++ {
		v := ValidatorInfo{Address: Address(r.bytes()), VotingPower: r.varint()}
		v.Detail.Name = string(r.bytes())
		v.Detail.CommissionRate = r.uvarint()
		v.Detail.UpdateTimestamp = r.varint()
		vs.members[v.Address.Key()] = v
	}
	for i, n := 0, r.count(); i < n; i++ {
		key := string(r.bytes())
		vs.priorities[key] = r.varint()
	}
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("decode validator set: %w", err)
	}
	if vs.maxActive <= 0 {
		return nil, errors.New("decode validator set: non-positive max active")
	}
	vs.sort()
	return vs, nil
}

func (vs *ValidatorSet) String() string {
	if vs == nil {
		return "nil-ValidatorSet"
	}
	strs := make([]string, 0, len(vs.active))
	for _, v := range vs.ActiveValidators() {
		strs = append(strs, v.String())
	}
	return fmt.Sprintf("ValidatorSet{Proposer: %v, Active: [%s]}", vs.Proposer(), strings.Join(strs, " "))
}
