package transfer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

var (
	ErrDuplicateChunk = errors.New("transfer: duplicate chunk")
	ErrOutOfWindow    = errors.New("transfer: chunk outside reorder window")
)

// Reassembler writes sequenced chunks to a sink in sequence order.
// Chunks that arrive ahead of the next expected sequence are held until the
// gap closes, up to window chunks ahead.
type Reassembler struct {
	sink    io.WriteCloser
	hash    *blake3.Hasher
	w       io.Writer
	window  uint64
	next    uint64
	pending map[uint64][]byte
	bytes   int64
}

// NewReassembler wraps sink. window <= 0 disables buffering, so only the
// next expected chunk is accepted.
func NewReassembler(sink io.WriteCloser, window int) *Reassembler {
	h := blake3.New()
	if window < 0 {
		window = 0
	}
	return &Reassembler{
		sink:    sink,
		hash:    h,
		w:       io.MultiWriter(sink, h),
		window:  uint64(window),
		pending: make(map[uint64][]byte),
	}
}

// Write accepts chunk seq. The bytes are written verbatim.
func (r *Reassembler) Write(seq uint64, data []byte) error {
	switch {
	case seq < r.next:
		return fmt.Errorf("%w: seq=%d next=%d", ErrDuplicateChunk, seq, r.next)
	case seq == r.next:
		if err := r.emit(data); err != nil {
			return err
		}
		return r.drain()
	}

	if seq-r.next > r.window {
		return fmt.Errorf("%w: seq=%d next=%d window=%d", ErrOutOfWindow, seq, r.next, r.window)
	}
	if _, ok := r.pending[seq]; ok {
		return fmt.Errorf("%w: seq=%d already buffered", ErrDuplicateChunk, seq)
	}
	r.pending[seq] = bytes.Clone(data)
	return nil
}

func (r *Reassembler) emit(data []byte) error {
	n, err := r.w.Write(data)
	r.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("write chunk %d: %w", r.next, err)
	}
	r.next++
	return nil
}

func (r *Reassembler) drain() error {
	for {
		data, ok := r.pending[r.next]
		if !ok {
			return nil
		}
		delete(r.pending, r.next)
		if err := r.emit(data); err != nil {
			return err
		}
	}
}

// Contiguous returns the number of chunks written so far.
func (r *Reassembler) Contiguous() uint64 { return r.next }

// Buffered returns the number of out-of-order chunks held.
func (r *Reassembler) Buffered() int { return len(r.pending) }

// Bytes returns the number of bytes written to the sink.
func (r *Reassembler) Bytes() int64 { return r.bytes }

// Digest returns the hex BLAKE3 digest of the bytes written so far.
func (r *Reassembler) Digest() string {
	return hex.EncodeToString(r.hash.Sum(nil))
}

// Close closes the sink and discards any buffered chunks.
func (r *Reassembler) Close() error {
	r.pending = nil
	return r.sink.Close()
}
