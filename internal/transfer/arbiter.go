// Package transfer implements the exclusive bulk-transfer slot and the
// reassembly of streamed file payloads into the storage root.
package transfer

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sensorfabric/internal/model"
	"sensorfabric/internal/protocol"
)

var (
	ErrBusy     = errors.New("transfer: slot busy")
	ErrNotOwner = errors.New("transfer: sender does not hold the slot")
	ErrPhase    = errors.New("transfer: message not valid in current phase")
)

// Transfer results recorded in summaries.
const (
	ResultStored    = "stored"
	ResultExpired   = "expired"
	ResultAborted   = "aborted"
	maxCompletedLog = 50
)

// Config controls the arbiter.
type Config struct {
	// Root is the storage directory every transfer is confined to.
	Root string
	// Lease is how long the slot survives without traffic from its owner.
	// Zero disables expiry.
	Lease time.Duration
	// ReorderWindow bounds how far ahead of the next expected chunk a
	// sequenced chunk may arrive.
	ReorderWindow int
}

type slot struct {
	id        string
	owner     netip.AddrPort
	nodeID    int
	phase     protocol.Phase
	name      string
	path      string
	sink      *Reassembler
	implicit  uint64
	endAt     *uint64
	startedAt time.Time
	deadline  time.Time
}

// Arbiter owns the single transfer slot. It is not safe for concurrent use;
// the collector serializes access.
type Arbiter struct {
	cfg       Config
	logger    *zap.Logger
	cur       *slot
	completed []model.TransferSummary
}

// NewArbiter returns an arbiter with a free slot.
func NewArbiter(cfg Config, logger *zap.Logger) *Arbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{cfg: cfg, logger: logger}
}

// Busy reports whether the slot is held.
func (a *Arbiter) Busy() bool { return a.cur != nil }

// Owner returns the endpoint holding the slot.
func (a *Arbiter) Owner() (netip.AddrPort, bool) {
	if a.cur == nil {
		return netip.AddrPort{}, false
	}
	return a.cur.owner, true
}

// PhaseOf returns ep's phase: idle unless ep holds the slot.
func (a *Arbiter) PhaseOf(ep netip.AddrPort) protocol.Phase {
	if a.cur == nil || a.cur.owner != ep {
		return protocol.PhaseIdle
	}
	return a.cur.phase
}

// Acquire opens the slot for owner. It fails with ErrBusy while any
// session, including owner itself, holds the slot.
func (a *Arbiter) Acquire(owner netip.AddrPort, nodeID int, now time.Time) (string, error) {
	if a.cur != nil {
		return "", ErrBusy
	}
	a.cur = &slot{
		id:        uuid.NewString(),
		owner:     owner,
		nodeID:    nodeID,
		phase:     protocol.PhaseAwaitingName,
		startedAt: now,
	}
	a.renew(now)
	a.logger.Info("transfer slot acquired",
		zap.String("transfer_id", a.cur.id),
		zap.Stringer("endpoint", owner),
		zap.Int("node_id", nodeID))
	return a.cur.id, nil
}

// Open binds the filename and opens the sink. Storage failures release
// the slot.
func (a *Arbiter) Open(ep netip.AddrPort, name string, now time.Time) error {
	if err := a.check(ep, protocol.PhaseAwaitingName); err != nil {
		return err
	}
	rel, full, err := Confine(a.cfg.Root, name)
	if err != nil {
		a.abort(ResultAborted, now)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		a.abort(ResultAborted, now)
		return fmt.Errorf("create storage dir: %w", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		a.abort(ResultAborted, now)
		return fmt.Errorf("open sink: %w", err)
	}

	a.cur.name = rel
	a.cur.path = full
	a.cur.sink = NewReassembler(f, a.cfg.ReorderWindow)
	a.cur.phase = protocol.PhaseReceiving
	a.renew(now)
	a.logger.Info("receiving file",
		zap.String("transfer_id", a.cur.id),
		zap.String("name", rel))
	return nil
}

// Write appends a chunk. Legacy chunks carry no sequence number and are
// numbered in arrival order.
func (a *Arbiter) Write(ep netip.AddrPort, msg protocol.Message, now time.Time) (*model.TransferSummary, error) {
	if err := a.check(ep, protocol.PhaseReceiving); err != nil {
		return nil, err
	}
	seq := msg.Seq
	if !msg.Framed {
		seq = a.cur.implicit
		a.cur.implicit++
	}
	a.renew(now)
	if err := a.cur.sink.Write(seq, msg.Payload); err != nil {
		if errors.Is(err, ErrDuplicateChunk) || errors.Is(err, ErrOutOfWindow) {
			return nil, err
		}
		a.abort(ResultAborted, now)
		return nil, err
	}
	return a.completeIfDone(now)
}

// Finish handles the terminator. For legacy peers the stream ends at once.
// For framed peers msg.Seq is the total chunk count; the transfer completes
// once that many contiguous chunks are written.
func (a *Arbiter) Finish(ep netip.AddrPort, msg protocol.Message, now time.Time) (*model.TransferSummary, error) {
	if err := a.check(ep, protocol.PhaseReceiving); err != nil {
		return nil, err
	}
	total := a.cur.implicit
	if msg.Framed {
		total = msg.Seq
	}
	a.cur.endAt = &total
	a.renew(now)
	return a.completeIfDone(now)
}

func (a *Arbiter) completeIfDone(now time.Time) (*model.TransferSummary, error) {
	cur := a.cur
	if cur.endAt == nil || cur.sink.Contiguous() < *cur.endAt {
		return nil, nil
	}
	err := cur.sink.Close()
	sum := a.summary(ResultStored, now)
	a.cur = nil
	if err != nil {
		sum.Result = ResultAborted
		a.record(sum)
		return &sum, fmt.Errorf("close sink: %w", err)
	}
	a.record(sum)
	a.logger.Info("file stored",
		zap.String("transfer_id", sum.ID),
		zap.String("name", sum.Name),
		zap.Int64("bytes", sum.Bytes),
		zap.Int("chunks", sum.Chunks),
		zap.String("blake3", sum.Digest))
	return &sum, nil
}

// Touch renews the lease when ep holds the slot.
func (a *Arbiter) Touch(ep netip.AddrPort, now time.Time) {
	if a.cur != nil && a.cur.owner == ep {
		a.renew(now)
	}
}

// Expire releases the slot when its lease has lapsed, discarding the
// partial file.
func (a *Arbiter) Expire(now time.Time) (*model.TransferSummary, bool) {
	if a.cur == nil || a.cfg.Lease <= 0 || now.Before(a.cur.deadline) {
		return nil, false
	}
	sum := a.abort(ResultExpired, now)
	return &sum, true
}

// Completed returns the most recent transfer summaries, oldest first.
func (a *Arbiter) Completed() []model.TransferSummary {
	out := make([]model.TransferSummary, len(a.completed))
	copy(out, a.completed)
	return out
}

func (a *Arbiter) check(ep netip.AddrPort, want protocol.Phase) error {
	if a.cur == nil || a.cur.owner != ep {
		return ErrNotOwner
	}
	if a.cur.phase != want {
		return fmt.Errorf("%w: phase=%s", ErrPhase, a.cur.phase)
	}
	return nil
}

func (a *Arbiter) renew(now time.Time) {
	if a.cfg.Lease > 0 {
		a.cur.deadline = now.Add(a.cfg.Lease)
	}
}

func (a *Arbiter) abort(result string, now time.Time) model.TransferSummary {
	cur := a.cur
	sum := a.summary(result, now)
	if cur.sink != nil {
		_ = cur.sink.Close()
		if err := os.Remove(cur.path); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("remove partial file", zap.String("path", cur.path), zap.Error(err))
		}
	}
	a.cur = nil
	a.record(sum)
	a.logger.Warn("transfer released",
		zap.String("transfer_id", sum.ID),
		zap.String("result", result),
		zap.String("name", sum.Name),
		zap.Int64("bytes", sum.Bytes))
	return sum
}

func (a *Arbiter) summary(result string, now time.Time) model.TransferSummary {
	cur := a.cur
	sum := model.TransferSummary{
		ID:         cur.id,
		NodeID:     cur.nodeID,
		Endpoint:   cur.owner.String(),
		Name:       cur.name,
		Result:     result,
		StartedAt:  cur.startedAt,
		FinishedAt: now,
	}
	if cur.sink != nil {
		sum.Bytes = cur.sink.Bytes()
		sum.Chunks = int(cur.sink.Contiguous())
		sum.Digest = cur.sink.Digest()
	}
	return sum
}

func (a *Arbiter) record(sum model.TransferSummary) {
	a.completed = append(a.completed, sum)
	if len(a.completed) > maxCompletedLog {
		a.completed = a.completed[len(a.completed)-maxCompletedLog:]
	}
}
