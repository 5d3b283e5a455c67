package evidence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"github.com/wangzhecodingfy/rei/types"
)

const (
	baseKeyPending   = byte(0x01)
	baseKeyCommitted = byte(0x02)

	DefaultRetentionHeights = int64(10000)
)

// ValidatorsAtHeight resolves the validator set that decided a height.
type ValidatorsAtHeight interface {
	AtHeight(height int64) (*types.ValidatorSet, error)
}

type pendingRecord struct {
	Seq      uint64         `json:"seq"`
	Evidence types.Evidence `json:"evidence"`
}

type pendingEntry struct {
	seq uint64
	ev  types.Evidence
}

type committedRecord struct {
	Address         types.Address `json:"address"`
	EvidenceHeight  int64         `json:"evidence_height"`
	CommittedHeight int64         `json:"committed_height"`
}

type voteSlot struct {
	validator string
	height    int64
	round     int32
	typ       types.SignedMsgType
}

/*
Pool detects duplicate votes and keeps evidence until it is committed.

Evidence is identified by (validator, height): at most one evidence per
validator and height is ever accepted. Accepted evidence is written to the
database before PendingEvidence can return it. Committed evidence is kept for
the retention window so it is not included twice, then pruned.
*/
type Pool struct {
	logger log.Logger

	evidenceStore dbm.DB
	chainID       string
	valSets       ValidatorsAtHeight
	retention     int64

	mtx          sync.Mutex
	latestHeight int64
	seq          uint64
	pending      map[string]*pendingEntry   // by evidence key
	committed    map[string]committedRecord // by evidence key
	punished     map[string]int64           // validator -> last committed evidence height
	seenVotes    map[voteSlot]*types.Vote

	listeners []func(types.Evidence)
}

// PoolOption sets an optional parameter on the Pool.
type PoolOption func(*Pool)

// WithRetention sets how many heights evidence stays valid and committed
// evidence stays known.
func WithRetention(heights int64) PoolOption {
	return func(p *Pool) {
		p.retention = heights
	}
}

// NewPool creates an evidence pool and loads the evidence persisted in db.
func NewPool(evidenceDB dbm.DB, chainID string, valSets ValidatorsAtHeight, options ...PoolOption) (*Pool, error) {
	pool := &Pool{
		logger:        log.NewNopLogger(),
		evidenceStore: evidenceDB,
		chainID:       chainID,
		valSets:       valSets,
		retention:     DefaultRetentionHeights,
		pending:       make(map[string]*pendingEntry),
		committed:     make(map[string]committedRecord),
		punished:      make(map[string]int64),
		seenVotes:     make(map[voteSlot]*types.Vote),
	}
	for _, option := range options {
		option(pool)
	}
	if err := pool.load(); err != nil {
		return nil, err
	}
	return pool, nil
}

func (evpool *Pool) SetLogger(l log.Logger) {
	evpool.logger = l
}

// OnEvidence registers cb to run for every newly accepted evidence, after
// it is persisted.
func (evpool *Pool) OnEvidence(cb func(types.Evidence)) {
	evpool.mtx.Lock()
	defer evpool.mtx.Unlock()
	evpool.listeners = append(evpool.listeners, cb)
}

// Init sets the latest committed height and prunes anything expired.
func (evpool *Pool) Init(latestHeight int64) error {
	evpool.mtx.Lock()
	defer evpool.mtx.Unlock()
	evpool.latestHeight = latestHeight
	if err := evpool.prune(); err != nil {
		return err
	}
	evpool.logger.Info("Evidence pool initialized", "height", latestHeight,
		"pending", len(evpool.pending), "committed", len(evpool.committed))
	return nil
}

// CheckVote records a verified vote and turns a second, different non-nil
// vote for the same (validator, height, round, type) into evidence. It
// returns the new evidence, or nil.
func (evpool *Pool) CheckVote(vote *types.Vote) (types.Evidence, error) {
	if vote.IsNil() {
		return nil, nil
	}
	slot := voteSlot{
		validator: vote.ValidatorAddress.Key(),
		height:    vote.Height,
		round:     vote.Round,
		typ:       vote.Type,
	}

	evpool.mtx.Lock()
	if vote.Height < evpool.minHeight() {
		evpool.mtx.Unlock()
		return nil, nil
	}
	first, ok := evpool.seenVotes[slot]
	if !ok {
		evpool.seenVotes[slot] = vote
		evpool.mtx.Unlock()
		return nil, nil
	}
	evpool.mtx.Unlock()

	if bytes.Equal(first.BlockHash, vote.BlockHash) {
		return nil, nil
	}
	return evpool.ReportConflictingVotes(first, vote)
}

// ReportConflictingVotes builds evidence from two conflicting votes and adds
// it. Returns nil evidence if the pair is already covered.
func (evpool *Pool) ReportConflictingVotes(voteA, voteB *types.Vote) (types.Evidence, error) {
	ev, err := types.NewDuplicateVoteEvidence(voteA, voteB)
	if err != nil {
		return nil, err
	}
	if err := evpool.AddEvidence(ev); err != nil {
		if errors.Is(err, ErrEvidenceAlreadyKnown) {
			return nil, nil
		}
		return nil, err
	}
	return ev, nil
}

// AddEvidence verifies ev and persists it as pending.
func (evpool *Pool) AddEvidence(ev types.Evidence) error {
	if err := evpool.verify(ev); err != nil {
		return err
	}

	evpool.mtx.Lock()
	key := evidenceKey(ev)
	if _, ok := evpool.pending[key]; ok {
		evpool.mtx.Unlock()
		return ErrEvidenceAlreadyKnown
	}
	if _, ok := evpool.committed[key]; ok {
		evpool.mtx.Unlock()
		return ErrEvidenceAlreadyKnown
	}
	if ev.Height() < evpool.minHeight() {
		evpool.mtx.Unlock()
		return ErrEvidenceExpired
	}
	evpool.seq++
	entry := &pendingEntry{seq: evpool.seq, ev: ev}
	bz, err := tmjson.Marshal(pendingRecord{Seq: entry.seq, Evidence: ev})
	if err != nil {
		evpool.mtx.Unlock()
		return err
	}
	if err := evpool.evidenceStore.SetSync(keyPending(key), bz); err != nil {
		evpool.mtx.Unlock()
		return errors.Wrapf(ErrEvidenceStore, "persist evidence: %v", err)
	}
	evpool.pending[key] = entry
	listeners := append([]func(types.Evidence){}, evpool.listeners...)
	evpool.mtx.Unlock()

	evpool.logger.Info("Verified new evidence of byzantine behavior", "evidence", ev)
	for _, cb := range listeners {
		cb(ev)
	}
	return nil
}

// verify checks ev against the validators of its height.
func (evpool *Pool) verify(ev types.Evidence) error {
	if err := ev.ValidateBasic(); err != nil {
		return &ErrInvalidEvidence{Hash: ev.Hash(), Reason: err}
	}
	evpool.mtx.Lock()
	latest := evpool.latestHeight
	evpool.mtx.Unlock()
	if ev.Height() > latest+1 {
		return ErrEvidenceFromFuture
	}

	dve, ok := ev.(*types.DuplicateVoteEvidence)
	if !ok {
		return &ErrInvalidEvidence{Hash: ev.Hash(), Reason: fmt.Errorf("unknown evidence type %T", ev)}
	}
	vals, err := evpool.valSets.AtHeight(ev.Height())
	if err != nil {
		return &ErrInvalidEvidence{Hash: ev.Hash(), Reason: err}
	}
	if !vals.HasAddress(ev.Address()) {
		return &ErrInvalidEvidence{Hash: ev.Hash(), Reason: fmt.Errorf("address %v was not a validator at height %d", ev.Address(), ev.Height())}
	}
	if err := dve.Verify(evpool.chainID); err != nil {
		return &ErrInvalidEvidence{Hash: ev.Hash(), Reason: err}
	}
	return nil
}

// CheckEvidence validates the evidence of a proposed block: each must verify,
// must not be committed already and must appear once.
func (evpool *Pool) CheckEvidence(evList types.EvidenceList) error {
	seen := make(map[string]struct{}, len(evList))
	for _, ev := range evList {
		key := evidenceKey(ev)
		if _, dup := seen[key]; dup {
			return &ErrInvalidEvidence{Hash: ev.Hash(), Reason: errors.New("duplicate evidence in block")}
		}
		seen[key] = struct{}{}

		evpool.mtx.Lock()
		_, isCommitted := evpool.committed[key]
		_, isPending := evpool.pending[key]
		tooOld := ev.Height() < evpool.minHeight()
		evpool.mtx.Unlock()
		if isCommitted {
			return &ErrInvalidEvidence{Hash: ev.Hash(), Reason: errors.New("evidence was already committed")}
		}
		if tooOld {
			return &ErrInvalidEvidence{Hash: ev.Hash(), Reason: ErrEvidenceExpired}
		}
		if isPending {
			continue
		}
		if err := evpool.AddEvidence(ev); err != nil && !errors.Is(err, ErrEvidenceAlreadyKnown) {
			return err
		}
	}
	return nil
}

// PendingEvidence returns up to max pending evidence, oldest height first,
// then in insertion order. max < 0 means no limit.
func (evpool *Pool) PendingEvidence(max int) types.EvidenceList {
	evpool.mtx.Lock()
	defer evpool.mtx.Unlock()
	entries := make([]*pendingEntry, 0, len(evpool.pending))
	for _, e := range evpool.pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ev.Height() != entries[j].ev.Height() {
			return entries[i].ev.Height() < entries[j].ev.Height()
		}
		return entries[i].seq < entries[j].seq
	})
	if max >= 0 && len(entries) > max {
		entries = entries[:max]
	}
	evList := make(types.EvidenceList, len(entries))
	for i, e := range entries {
		evList[i] = e.ev
	}
	return evList
}

// Update marks the evidence of a committed block as committed and prunes
// everything that left the retention window. A returned error wraps
// ErrEvidenceStore.
func (evpool *Pool) Update(evList types.EvidenceList, height int64) error {
	evpool.mtx.Lock()
	defer evpool.mtx.Unlock()

	if height > evpool.latestHeight {
		evpool.latestHeight = height
	}
	batch := evpool.evidenceStore.NewBatch()
	defer batch.Close()
	recs := make(map[string]committedRecord, len(evList))
	for _, ev := range evList {
		key := evidenceKey(ev)
		rec := committedRecord{Address: ev.Address(), EvidenceHeight: ev.Height(), CommittedHeight: height}
		bz, err := tmjson.Marshal(rec)
		if err != nil {
			panic(err)
		}
		if err := batch.Set(keyCommitted(key), bz); err != nil {
			return errors.Wrapf(ErrEvidenceStore, "mark evidence committed: %v", err)
		}
		if err := batch.Delete(keyPending(key)); err != nil {
			return errors.Wrapf(ErrEvidenceStore, "delete pending evidence: %v", err)
		}
		recs[key] = rec
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrapf(ErrEvidenceStore, "persist committed evidence: %v", err)
	}
	for key, rec := range recs {
		delete(evpool.pending, key)
		evpool.committed[key] = rec
		if height > evpool.punished[rec.Address.Key()] {
			evpool.punished[rec.Address.Key()] = height
		}
	}
	return evpool.prune()
}

// IsValidatorPunishable is false while the validator is already punished by
// evidence committed within the retention window.
func (evpool *Pool) IsValidatorPunishable(addr types.Address) bool {
	evpool.mtx.Lock()
	defer evpool.mtx.Unlock()
	h, ok := evpool.punished[addr.Key()]
	return !ok || h < evpool.minHeight()
}

func (evpool *Pool) Size() int {
	evpool.mtx.Lock()
	defer evpool.mtx.Unlock()
	return len(evpool.pending)
}

// minHeight is the lowest height still inside the retention window.
// Caller holds mtx.
func (evpool *Pool) minHeight() int64 {
	return evpool.latestHeight - evpool.retention
}

// prune drops what left the retention window. Caller holds mtx.
func (evpool *Pool) prune() error {
	min := evpool.minHeight()
	batch := evpool.evidenceStore.NewBatch()
	defer batch.Close()
	for key, e := range evpool.pending {
		if e.ev.Height() < min {
			delete(evpool.pending, key)
			if err := batch.Delete(keyPending(key)); err != nil {
				return errors.Wrapf(ErrEvidenceStore, "prune pending evidence: %v", err)
			}
		}
	}
	for key, rec := range evpool.committed {
		if rec.CommittedHeight < min {
			delete(evpool.committed, key)
			if err := batch.Delete(keyCommitted(key)); err != nil {
				return errors.Wrapf(ErrEvidenceStore, "prune committed evidence: %v", err)
			}
		}
	}
	for addr, h := range evpool.punished {
		if h < min {
			delete(evpool.punished, addr)
		}
	}
	for slot := range evpool.seenVotes {
		if slot.height < min {
			delete(evpool.seenVotes, slot)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrapf(ErrEvidenceStore, "prune evidence: %v", err)
	}
	return nil
}

func (evpool *Pool) load() error {
	iter, err := dbm.IteratePrefix(evpool.evidenceStore, []byte{baseKeyPending})
	if err != nil {
		return err
	}
	for ; iter.Valid(); iter.Next() {
		var rec pendingRecord
		if err := tmjson.Unmarshal(iter.Value(), &rec); err != nil {
			iter.Close()
			return errors.Wrap(err, "corrupted pending evidence")
		}
		evpool.pending[evidenceKey(rec.Evidence)] = &pendingEntry{seq: rec.Seq, ev: rec.Evidence}
		if rec.Seq > evpool.seq {
			evpool.seq = rec.Seq
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	iter, err = dbm.IteratePrefix(evpool.evidenceStore, []byte{baseKeyCommitted})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		var rec committedRecord
		if err := tmjson.Unmarshal(iter.Value(), &rec); err != nil {
			return errors.Wrap(err, "corrupted committed evidence")
		}
		key := string(iter.Key()[1:])
		evpool.committed[key] = rec
		if rec.CommittedHeight > evpool.punished[rec.Address.Key()] {
			evpool.punished[rec.Address.Key()] = rec.CommittedHeight
		}
		if rec.CommittedHeight > evpool.latestHeight {
			evpool.latestHeight = rec.CommittedHeight
		}
	}
	return iter.Error()
}

// evidenceKey identifies evidence by validator and height.
func evidenceKey(ev types.Evidence) string {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(ev.Height()))
	return string(bz) + ev.Address().Key()
}

func keyPending(key string) []byte {
	return append([]byte{baseKeyPending}, key...)
}

func keyCommitted(key string) []byte {
	return append([]byte{baseKeyCommitted}, key...)
}
