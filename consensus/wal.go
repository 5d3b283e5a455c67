package consensus

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmtime "github.com/tendermint/tendermint/types/time"
	dbm "github.com/tendermint/tm-db"
)

var (
	keyLastSeq       = []byte{0x00}
	prefixEntry      = byte(0x01)
	prefixEndHeight  = byte(0x02)
	ErrWALCorrupted  = errors.New("wal entry is corrupted")
	ErrWALNotStarted = errors.New("wal is closed")
)

func init() {
	tmjson.RegisterType(msgInfo{}, "rei/wal/MsgInfo")
	tmjson.RegisterType(timeoutInfo{}, "rei/wal/TimeoutInfo")
	tmjson.RegisterType(newRoundInfo{}, "rei/wal/NewRoundInfo")
	tmjson.RegisterType(EndHeightMessage{}, "rei/wal/EndHeightMessage")
}

// WALMessage is one of msgInfo, timeoutInfo, newRoundInfo or
// EndHeightMessage.
type WALMessage interface{}

// TimedWALMessage wraps WALMessage with its sequence number and the time it
// was written.
type TimedWALMessage struct {
	Seq  uint64     `json:"seq"`
	Time time.Time  `json:"time"`
	Msg  WALMessage `json:"msg"`
}

// EndHeightMessage marks the end of the given height inside WAL.
type EndHeightMessage struct {
	Height int64 `json:"height"`
}

// newRoundInfo is written when the state machine enters a round.
type newRoundInfo struct {
	Height int64 `json:"height"`
	Round  int32 `json:"round"`
}

// WAL is an append only log of the inputs of the state machine. An entry is
// durable once Append returns.
type WAL interface {
	Append(msg WALMessage) (uint64, error)
	Replay(fromSeq uint64) (*WALIterator, error)
	SearchForEndHeight(height int64) (seq uint64, found bool, err error)
	Truncate(upToSeq uint64) error
	LastSeq() uint64
	Close() error
}

// DBWAL keeps the entries in a tm-db database, keyed by sequence number.
// Entries are snappy compressed tmjson.
type DBWAL struct {
	logger log.Logger

	mtx     sync.Mutex
	db      dbm.DB
	lastSeq uint64
	closed  bool
}

var _ WAL = (*DBWAL)(nil)

func NewDBWAL(db dbm.DB) (*DBWAL, error) {
	wal := &DBWAL{
		logger: log.NewNopLogger(),
		db:     db,
	}
	bz, err := db.Get(keyLastSeq)
	if err != nil {
		return nil, err
	}
	if len(bz) == 8 {
		wal.lastSeq = binary.BigEndian.Uint64(bz)
	}
	return wal, nil
}

func (wal *DBWAL) SetLogger(l log.Logger) {
	wal.logger = l
}

// Append writes msg and returns its sequence number. The first entry has
// sequence number 1.
func (wal *DBWAL) Append(msg WALMessage) (uint64, error) {
	wal.mtx.Lock()
	defer wal.mtx.Unlock()
	if wal.closed {
		return 0, ErrWALNotStarted
	}

	seq := wal.lastSeq + 1
	bz, err := tmjson.Marshal(TimedWALMessage{Seq: seq, Time: tmtime.Now(), Msg: msg})
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode wal entry")
	}

	batch := wal.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(entryKey(seq), snappy.Encode(nil, bz)); err != nil {
		return 0, err
	}
	if err := batch.Set(keyLastSeq, seqBytes(seq)); err != nil {
		return 0, err
	}
	if m, ok := msg.(EndHeightMessage); ok {
		if err := batch.Set(endHeightKey(m.Height), seqBytes(seq)); err != nil {
			return 0, err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return 0, errors.Wrapf(err, "failed to write wal entry %d", seq)
	}
	wal.lastSeq = seq
	return seq, nil
}

// Replay returns the entries from fromSeq on. The iterator holds the
// database open; Close it before appending.
func (wal *DBWAL) Replay(fromSeq uint64) (*WALIterator, error) {
	wal.mtx.Lock()
	defer wal.mtx.Unlock()
	if wal.closed {
		return nil, ErrWALNotStarted
	}
	it, err := wal.db.Iterator(entryKey(fromSeq), []byte{prefixEntry + 1})
	if err != nil {
		return nil, err
	}
	return &WALIterator{it: it}, nil
}

// SearchForEndHeight returns the sequence number of the EndHeightMessage
// for height.
func (wal *DBWAL) SearchForEndHeight(height int64) (uint64, bool, error) {
	bz, err := wal.db.Get(endHeightKey(height))
	if err != nil {
		return 0, false, err
	}
	if len(bz) != 8 {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(bz), true, nil
}

// Truncate removes every entry up to and including upToSeq.
func (wal *DBWAL) Truncate(upToSeq uint64) error {
	wal.mtx.Lock()
	defer wal.mtx.Unlock()
	if wal.closed {
		return ErrWALNotStarted
	}

	var keys [][]byte
	it, err := wal.db.Iterator(entryKey(0), entryKey(upToSeq+1))
	if err != nil {
		return err
	}
	for ; it.Valid(); it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		it.Close()
		return err
	}
	it.Close()

	ends, err := dbm.IteratePrefix(wal.db, []byte{prefixEndHeight})
	if err != nil {
		return err
	}
	for ; ends.Valid(); ends.Next() {
		if len(ends.Value()) == 8 && binary.BigEndian.Uint64(ends.Value()) <= upToSeq {
			keys = append(keys, append([]byte(nil), ends.Key()...))
		}
	}
	ends.Close()

	if len(keys) == 0 {
		return nil
	}
	batch := wal.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}
	wal.logger.Debug("Truncated wal", "upTo", upToSeq, "entries", len(keys))
	return nil
}

func (wal *DBWAL) LastSeq() uint64 {
	wal.mtx.Lock()
	defer wal.mtx.Unlock()
	return wal.lastSeq
}

func (wal *DBWAL) Close() error {
	wal.mtx.Lock()
	defer wal.mtx.Unlock()
	if wal.closed {
		return nil
	}
	wal.closed = true
	return wal.db.Close()
}

// WALIterator reads the entries of a DBWAL lazily in sequence order.
type WALIterator struct {
	it dbm.Iterator
}

// Next returns the next entry, or io.EOF after the last one.
func (wi *WALIterator) Next() (*TimedWALMessage, error) {
	if !wi.it.Valid() {
		if err := wi.it.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	defer wi.it.Next()

	bz, err := snappy.Decode(nil, wi.it.Value())
	if err != nil {
		return nil, errors.Wrapf(ErrWALCorrupted, "key %X: %v", wi.it.Key(), err)
	}
	msg := new(TimedWALMessage)
	if err := tmjson.Unmarshal(bz, msg); err != nil {
		return nil, errors.Wrapf(ErrWALCorrupted, "key %X: %v", wi.it.Key(), err)
	}
	if seq := binary.BigEndian.Uint64(wi.it.Key()[1:]); seq != msg.Seq {
		return nil, errors.Wrap(ErrWALCorrupted, fmt.Sprintf("entry %d stored under %d", msg.Seq, seq))
	}
	return msg, nil
}

func (wi *WALIterator) Close() error {
	return wi.it.Close()
}

func seqBytes(seq uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, seq)
	return bz
}

func entryKey(seq uint64) []byte {
	return append([]byte{prefixEntry}, seqBytes(seq)...)
}

func endHeightKey(height int64) []byte {
	return append([]byte{prefixEndHeight}, seqBytes(uint64(height))...)
}
