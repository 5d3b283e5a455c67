package evidence

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"github.com/wangzhecodingfy/rei/types"
)

const evidenceChainID = "evidence_test"

type staticValidators struct {
	vals *types.ValidatorSet
}

func (s staticValidators) AtHeight(int64) (*types.ValidatorSet, error) {
	return s.vals, nil
}

func newTestPool(t *testing.T, db dbm.DB, pvs ...types.MockPV) *Pool {
	vals := make([]types.ValidatorInfo, len(pvs))
	for i, pv := range pvs {
		vals[i] = types.NewValidatorInfo(pv.GetAddress(), 10)
	}
	pool, err := NewPool(db, evidenceChainID, staticValidators{types.NewValidatorSet(vals, 21, nil)}, WithRetention(100))
	require.NoError(t, err)
	pool.SetLogger(log.TestingLogger())
	return pool
}

func makeVote(t *testing.T, pv types.MockPV, height int64, round int32, fill byte) *types.Vote {
	var hash []byte
	if fill != 0 {
		hash = bytes.Repeat([]byte{fill}, 32)
	}
	vote := &types.Vote{
		Type:             types.PrevoteType,
		Height:           height,
		Round:            round,
		BlockHash:        hash,
		ValidatorAddress: pv.GetAddress(),
	}
	require.NoError(t, pv.SignVote(evidenceChainID, vote))
	return vote
}

func TestCheckVoteRecordsExactlyOneEvidence(t *testing.T) {
	pv := types.NewMockPV()
	pool := newTestPool(t, dbm.NewMemDB(), pv)
	require.NoError(t, pool.Init(4))

	ev, err := pool.CheckVote(makeVote(t, pv, 5, 0, 0x01))
	require.NoError(t, err)
	assert.Nil(t, ev)

	// repeating the same vote is not equivocation
	ev, err = pool.CheckVote(makeVote(t, pv, 5, 0, 0x01))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = pool.CheckVote(makeVote(t, pv, 5, 0, 0x02))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.EqualValues(t, 5, ev.Height())
	assert.Equal(t, pv.GetAddress(), ev.Address())

	ev, err = pool.CheckVote(makeVote(t, pv, 5, 0, 0x03))
	require.NoError(t, err)
	assert.Nil(t, ev)

	assert.Len(t, pool.PendingEvidence(-1), 1)
}

func TestCheckVoteIgnoresNilVotes(t *testing.T) {
	pv := types.NewMockPV()
	pool := newTestPool(t, dbm.NewMemDB(), pv)
	require.NoError(t, pool.Init(4))

	_, err := pool.CheckVote(makeVote(t, pv, 5, 0, 0x01))
	require.NoError(t, err)
	ev, err := pool.CheckVote(makeVote(t, pv, 5, 0, 0))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 0, pool.Size())
}

func TestAddEvidenceRejectsUnknownValidator(t *testing.T) {
	pv, outsider := types.NewMockPV(), types.NewMockPV()
	pool := newTestPool(t, dbm.NewMemDB(), pv)
	require.NoError(t, pool.Init(4))

	ev, err := types.NewDuplicateVoteEvidence(makeVote(t, outsider, 5, 0, 0x01), makeVote(t, outsider, 5, 0, 0x02))
	require.NoError(t, err)
	err = pool.AddEvidence(ev)
	require.Error(t, err)
	_, ok := err.(*ErrInvalidEvidence)
	assert.True(t, ok)
	assert.Equal(t, 0, pool.Size())
}

func TestAddEvidenceRejectsExpired(t *testing.T) {
	pv := types.NewMockPV()
	pool := newTestPool(t, dbm.NewMemDB(), pv)
	require.NoError(t, pool.Init(200))

	ev, err := types.NewDuplicateVoteEvidence(makeVote(t, pv, 5, 0, 0x01), makeVote(t, pv, 5, 0, 0x02))
	require.NoError(t, err)
	assert.Equal(t, ErrEvidenceExpired, pool.AddEvidence(ev))
}

func TestPendingEvidenceOrder(t *testing.T) {
	pv1, pv2, pv3 := types.NewMockPV(), types.NewMockPV(), types.NewMockPV()
	pool := newTestPool(t, dbm.NewMemDB(), pv1, pv2, pv3)
	require.NoError(t, pool.Init(10))

	add := func(pv types.MockPV, height int64) types.Evidence {
		ev, err := types.NewDuplicateVoteEvidence(makeVote(t, pv, height, 0, 0x01), makeVote(t, pv, height, 0, 0x02))
		require.NoError(t, err)
		require.NoError(t, pool.AddEvidence(ev))
		return ev
	}
	late := add(pv1, 9)
	earlyA := add(pv2, 7)
	earlyB := add(pv3, 7)

	pending := pool.PendingEvidence(-1)
	require.Len(t, pending, 3)
	assert.Equal(t, earlyA.Hash(), pending[0].Hash())
	assert.Equal(t, earlyB.Hash(), pending[1].Hash())
	assert.Equal(t, late.Hash(), pending[2].Hash())

	assert.Len(t, pool.PendingEvidence(2), 2)
}

func TestUpdateMarksCommitted(t *testing.T) {
	pv := types.NewMockPV()
	pool := newTestPool(t, dbm.NewMemDB(), pv)
	require.NoError(t, pool.Init(10))

	ev, err := types.NewDuplicateVoteEvidence(makeVote(t, pv, 9, 0, 0x01), makeVote(t, pv, 9, 0, 0x02))
	require.NoError(t, err)
	require.NoError(t, pool.AddEvidence(ev))
	assert.True(t, pool.IsValidatorPunishable(pv.GetAddress()))

	require.NoError(t, pool.Update(types.EvidenceList{ev}, 11))
	assert.Equal(t, 0, pool.Size())
	assert.False(t, pool.IsValidatorPunishable(pv.GetAddress()))
	assert.Equal(t, ErrEvidenceAlreadyKnown, pool.AddEvidence(ev))
	assert.Error(t, pool.CheckEvidence(types.EvidenceList{ev}))

	// leaving the retention window forgets the punishment
	require.NoError(t, pool.Update(nil, 200))
	assert.True(t, pool.IsValidatorPunishable(pv.GetAddress()))
}

func TestCheckEvidenceRejectsDuplicates(t *testing.T) {
	pv := types.NewMockPV()
	pool := newTestPool(t, dbm.NewMemDB(), pv)
	require.NoError(t, pool.Init(10))

	ev, err := types.NewDuplicateVoteEvidence(makeVote(t, pv, 9, 0, 0x01), makeVote(t, pv, 9, 0, 0x02))
	require.NoError(t, err)
	assert.NoError(t, pool.CheckEvidence(types.EvidenceList{ev}))
	assert.Equal(t, 1, pool.Size())
	assert.Error(t, pool.CheckEvidence(types.EvidenceList{ev, ev}))
}

func TestPoolReloadsFromDB(t *testing.T) {
	pv1, pv2 := types.NewMockPV(), types.NewMockPV()
	db := dbm.NewMemDB()
	pool := newTestPool(t, db, pv1, pv2)
	require.NoError(t, pool.Init(10))

	pending, err := types.NewDuplicateVoteEvidence(makeVote(t, pv1, 9, 0, 0x01), makeVote(t, pv1, 9, 0, 0x02))
	require.NoError(t, err)
	committed, err := types.NewDuplicateVoteEvidence(makeVote(t, pv2, 8, 0, 0x01), makeVote(t, pv2, 8, 0, 0x02))
	require.NoError(t, err)
	require.NoError(t, pool.AddEvidence(pending))
	require.NoError(t, pool.AddEvidence(committed))
	require.NoError(t, pool.Update(types.EvidenceList{committed}, 11))

	reloaded := newTestPool(t, db, pv1, pv2)
	require.NoError(t, reloaded.Init(11))
	list := reloaded.PendingEvidence(-1)
	require.Len(t, list, 1)
	assert.Equal(t, pending.Hash(), list[0].Hash())
	assert.False(t, reloaded.IsValidatorPunishable(pv2.GetAddress()))
	assert.Equal(t, ErrEvidenceAlreadyKnown, reloaded.AddEvidence(committed))
}

func TestOnEvidenceRunsAfterPersist(t *testing.T) {
	pv := types.NewMockPV()
	db := dbm.NewMemDB()
	pool := newTestPool(t, db, pv)
	require.NoError(t, pool.Init(10))

	var got []types.Evidence
	pool.OnEvidence(func(ev types.Evidence) {
		has, err := db.Has(keyPending(evidenceKey(ev)))
		require.NoError(t, err)
		assert.True(t, has)
		got = append(got, ev)
	})
	_, err := pool.CheckVote(makeVote(t, pv, 9, 1, 0x01))
	require.NoError(t, err)
	_, err = pool.CheckVote(makeVote(t, pv, 9, 1, 0x02))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// brokenDB fails every synced write.
type brokenDB struct {
	dbm.DB
	broken bool
}

func (db *brokenDB) SetSync(key, value []byte) error {
	if db.broken {
		return errors.New("disk full")
	}
	return db.DB.SetSync(key, value)
}

func (db *brokenDB) NewBatch() dbm.Batch {
	return &brokenBatch{Batch: db.DB.NewBatch(), db: db}
}

type brokenBatch struct {
	dbm.Batch
	db *brokenDB
}

func (b *brokenBatch) WriteSync() error {
	if b.db.broken {
		return errors.New("disk full")
	}
	return b.Batch.WriteSync()
}

func TestStoreFailuresAreReturned(t *testing.T) {
	pv := types.NewMockPV()
	db := &brokenDB{DB: dbm.NewMemDB()}
	pool := newTestPool(t, db, pv)
	require.NoError(t, pool.Init(10))

	ev, err := types.NewDuplicateVoteEvidence(makeVote(t, pv, 9, 0, 0x01), makeVote(t, pv, 9, 0, 0x02))
	require.NoError(t, err)
	require.NoError(t, pool.AddEvidence(ev))

	db.broken = true
	assert.True(t, errors.Is(pool.Update(types.EvidenceList{ev}, 11), ErrEvidenceStore))
	// nothing is marked committed that did not reach the database
	assert.Equal(t, 1, pool.Size())
	assert.True(t, pool.IsValidatorPunishable(pv.GetAddress()))

	other, err := types.NewDuplicateVoteEvidence(makeVote(t, pv, 10, 0, 0x01), makeVote(t, pv, 10, 0, 0x02))
	require.NoError(t, err)
	assert.True(t, errors.Is(pool.AddEvidence(other), ErrEvidenceStore))
	_, err = pool.CheckVote(makeVote(t, pv, 10, 1, 0x01))
	require.NoError(t, err)
	_, err = pool.CheckVote(makeVote(t, pv, 10, 1, 0x02))
	assert.True(t, errors.Is(err, ErrEvidenceStore))
	assert.True(t, errors.Is(pool.Init(11), ErrEvidenceStore))
}
