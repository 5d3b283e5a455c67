package consensus

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	cstypes "github.com/wangzhecodingfy/rei/consensus/types"
	"github.com/wangzhecodingfy/rei/types"
)

func readAll(t *testing.T, wal WAL, fromSeq uint64) []*TimedWALMessage {
	it, err := wal.Replay(fromSeq)
	require.NoError(t, err)
	defer it.Close()

	var msgs []*TimedWALMessage
	for {
		msg, err := it.Next()
		if err == io.EOF {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
}

func TestWALAppendAndReplay(t *testing.T) {
	wal, err := NewDBWAL(dbm.NewMemDB())
	require.NoError(t, err)
	defer wal.Close()

	stubs, _ := newValidators(1)
	vote := stubs[0].signVote(t, types.PrecommitType, 1, 0, nil)
	written := []WALMessage{
		newRoundInfo{Height: 1, Round: 0},
		timeoutInfo{Height: 1, Round: 0, Step: cstypes.RoundStepPropose},
		msgInfo{Msg: &VoteMessage{Vote: vote}, PeerID: "peer"},
		EndHeightMessage{Height: 1},
	}
	for i, msg := range written {
		seq, err := wal.Append(msg)
		require.NoError(t, err)
		assert.EqualValues(t, i+1, seq)
	}
	assert.EqualValues(t, 4, wal.LastSeq())

	msgs := readAll(t, wal, 0)
	require.Len(t, msgs, len(written))
	for i, msg := range msgs {
		assert.EqualValues(t, i+1, msg.Seq)
	}
	assert.Equal(t, written[0], msgs[0].Msg)
	assert.Equal(t, written[1], msgs[1].Msg)
	assert.Equal(t, written[3], msgs[3].Msg)

	mi, ok := msgs[2].Msg.(msgInfo)
	require.True(t, ok)
	assert.EqualValues(t, "peer", mi.PeerID)
	got, ok := mi.Msg.(*VoteMessage)
	require.True(t, ok)
	assert.Equal(t, vote.Signature, got.Vote.Signature)
	assert.NoError(t, got.Vote.Verify(testChainID))

	assert.Len(t, readAll(t, wal, 3), 2)
}

func TestWALSearchAndTruncate(t *testing.T) {
	wal, err := NewDBWAL(dbm.NewMemDB())
	require.NoError(t, err)
	defer wal.Close()

	for h := int64(1); h <= 3; h++ {
		_, err := wal.Append(newRoundInfo{Height: h, Round: 0})
		require.NoError(t, err)
		_, err = wal.Append(EndHeightMessage{Height: h})
		require.NoError(t, err)
	}

	seq, found, err := wal.SearchForEndHeight(2)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 4, seq)

	_, found, err = wal.SearchForEndHeight(4)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, wal.Truncate(seq))
	msgs := readAll(t, wal, 0)
	require.Len(t, msgs, 2)
	assert.EqualValues(t, 5, msgs[0].Seq)

	_, found, err = wal.SearchForEndHeight(1)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = wal.SearchForEndHeight(3)
	require.NoError(t, err)
	assert.True(t, found)

	// truncation never resets the sequence
	seq, err = wal.Append(newRoundInfo{Height: 4, Round: 0})
	require.NoError(t, err)
	assert.EqualValues(t, 7, seq)
}

func TestWALReopenContinuesSequence(t *testing.T) {
	db := dbm.NewMemDB()
	wal, err := NewDBWAL(db)
	require.NoError(t, err)
	_, err = wal.Append(newRoundInfo{Height: 1, Round: 0})
	require.NoError(t, err)

	reopened, err := NewDBWAL(db)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reopened.LastSeq())
	seq, err := reopened.Append(newRoundInfo{Height: 1, Round: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)
}

func TestWALDetectsCorruption(t *testing.T) {
	db := dbm.NewMemDB()
	wal, err := NewDBWAL(db)
	require.NoError(t, err)
	defer wal.Close()

	_, err = wal.Append(newRoundInfo{Height: 1, Round: 0})
	require.NoError(t, err)
	require.NoError(t, db.Set(entryKey(1), []byte("garbage")))

	it, err := wal.Replay(0)
	require.NoError(t, err)
	defer it.Close()
	_, err = it.Next()
	assert.True(t, errors.Is(err, ErrWALCorrupted), "got %v", err)
}

func TestWALDetectsMisplacedEntry(t *testing.T) {
	db := dbm.NewMemDB()
	wal, err := NewDBWAL(db)
	require.NoError(t, err)
	defer wal.Close()

	_, err = wal.Append(newRoundInfo{Height: 1, Round: 0})
	require.NoError(t, err)
	bz, err := db.Get(entryKey(1))
	require.NoError(t, err)
	require.NoError(t, db.Set(entryKey(2), bz))

	msgs, err := wal.Replay(2)
	require.NoError(t, err)
	defer msgs.Close()
	_, err = msgs.Next()
	assert.True(t, errors.Is(err, ErrWALCorrupted), "got %v", err)
}

func TestWALClosed(t *testing.T) {
	wal, err := NewDBWAL(dbm.NewMemDB())
	require.NoError(t, err)
	require.NoError(t, wal.Close())
	require.NoError(t, wal.Close())

	_, err = wal.Append(EndHeightMessage{Height: 1})
	assert.Equal(t, ErrWALNotStarted, err)
	_, err = wal.Replay(0)
	assert.Equal(t, ErrWALNotStarted, err)
}
