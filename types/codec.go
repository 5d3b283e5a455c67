package types

import (
	"encoding/binary"
	"errors"
)

var errShortBuffer = errors.New("unexpected end of encoded data")

// compactWriter packs integers as (zigzag) varints.
type compactWriter struct {
	buf []byte
	tmp [binary.MaxVarintLen64]byte
}

func (w *compactWriter) uvarint(x uint64) {
	n := binary.PutUvarint(w.tmp[:], x)
	w.buf = append(w.buf, w.tmp[:n]...)
}

func (w *compactWriter) varint(x int64) {
	n := binary.PutVarint(w.tmp[:], x)
	w.buf = append(w.buf, w.tmp[:n]...)
}

func (w *compactWriter) bytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

type compactReader struct {
	buf []byte
	err error
}

func (r *compactReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	x, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errShortBuffer
		return 0
	}
	r.buf = r.buf[n:]
	return x
}

func (r *compactReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	x, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = errShortBuffer
		return 0
	}
	r.buf = r.buf[n:]
	return x
}

func (r *compactReader) bytes() []byte {
	l := r.uvarint()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < l {
		r.err = errShortBuffer
		return nil
	}
	b := make([]byte, l)
	copy(b, r.buf[:l])
	r.buf = r.buf[l:]
	return b
}

// count reads a collection length, bounded by the bytes left so a corrupt
// prefix cannot force a huge allocation.
func (r *compactReader) count() int {
	l := r.uvarint()
	if r.err == nil && l > uint64(len(r.buf)) {
		r.err = errShortBuffer
	}
	if r.err != nil {
		return 0
	}
	return int(l)
}

func (r *compactReader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return errors.New("trailing bytes after encoded data")
	}
	return nil
}
