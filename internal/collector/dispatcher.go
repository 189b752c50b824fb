// Package collector implements the collector: the per-datagram command
// dispatcher, its UDP receive loop and the dashboard HTTP API.
package collector

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"sensorfabric/internal/metrics"
	"sensorfabric/internal/model"
	"sensorfabric/internal/protocol"
	"sensorfabric/internal/session"
	"sensorfabric/internal/telemetry"
	"sensorfabric/internal/transfer"
)

// Command outcomes recorded in metrics.
const (
	statusOK       = "ok"
	statusRejected = "rejected"
	statusIgnored  = "ignored"
	statusError    = "error"
)

var errLegacyInFramedTransfer = errors.New("untagged datagram from a framed peer during a transfer")

// Outbound is a datagram the caller must send once Handle has returned.
type Outbound struct {
	To      netip.AddrPort
	Payload []byte
}

// Options configures a Dispatcher.
type Options struct {
	Capacity      int
	StorageDir    string
	TransferLease time.Duration
	ReorderWindow int
	// SnapshotPath, when set, receives a YAML session snapshot after every
	// registration.
	SnapshotPath string
	Store        telemetry.Store
	Logger       *zap.Logger
	Now          func() time.Time
}

// Dispatcher owns all collector state. Every datagram is handled under one
// lock; Handle performs no network I/O and returns the datagrams to send.
type Dispatcher struct {
	mu            sync.Mutex
	reg           *session.Registry
	arb           *transfer.Arbiter
	router        *telemetry.Router
	journal       *journal
	registrations map[int]int

	snapshotPath string
	now          func() time.Time
	logger       *zap.Logger
}

// NewDispatcher builds a dispatcher with an empty registry and a free slot.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		reg: session.NewRegistry(opts.Capacity),
		arb: transfer.NewArbiter(transfer.Config{
			Root:          opts.StorageDir,
			Lease:         opts.TransferLease,
			ReorderWindow: opts.ReorderWindow,
		}, logger.Named("transfer")),
		router:        telemetry.NewRouter(opts.Store, logger.Named("router")),
		journal:       newJournal(0),
		registrations: make(map[int]int),
		snapshotPath:  opts.SnapshotPath,
		now:           now,
		logger:        logger.Named("dispatcher"),
	}
}

// Handle classifies one datagram from from and executes it atomically.
// It never fails; problems are logged and reflected in the responses.
func (d *Dispatcher) Handle(from netip.AddrPort, payload []byte) []Outbound {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	now := d.now()
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	d.expireLocked(now)

	sess := d.reg.FindByEndpoint(from)
	phase := d.arb.PhaseOf(from)
	msg, err := classify(sess, phase, payload)
	format := "legacy"
	if msg.Framed {
		format = "framed"
	}
	metrics.DatagramsTotal.WithLabelValues(format).Inc()

	if sess != nil {
		sess.LastSeen = now
	}
	d.arb.Touch(from, now)

	var (
		out    []Outbound
		status string
	)
	if err != nil {
		status = d.unrecognized(from, sess, payload, err, now)
	} else {
		out, status = d.dispatch(from, sess, msg, now)
	}
	metrics.RecordCommand(msg.Kind.String(), status, time.Since(start).Seconds())
	return out
}

// classify decodes payload in the format the sender speaks. Legacy peers
// inside a transfer are always classified by phase so file bytes that begin
// with the frame magic stay file bytes.
func classify(sess *model.Session, phase protocol.Phase, payload []byte) (protocol.Message, error) {
	framedPeer := sess != nil && sess.Framed
	if protocol.IsFrame(payload) && (framedPeer || phase == protocol.PhaseIdle) {
		return protocol.DecodeFrame(payload)
	}
	if framedPeer && phase != protocol.PhaseIdle {
		return protocol.Message{Raw: payload}, errLegacyInFramedTransfer
	}
	return protocol.ClassifyLegacy(payload, phase), nil
}

func (d *Dispatcher) dispatch(from netip.AddrPort, sess *model.Session, msg protocol.Message, now time.Time) ([]Outbound, string) {
	switch msg.Kind {
	case protocol.KindRegister:
		return d.register(from, msg, now)
	case protocol.KindRequestSend:
		return d.requestSend(from, sess, msg, now)
	case protocol.KindFilename:
		return nil, d.filename(from, msg, now)
	case protocol.KindChunk:
		return nil, d.chunk(from, msg, now)
	case protocol.KindEnd:
		return nil, d.end(from, msg, now)
	case protocol.KindNode, protocol.KindHeartbeat:
		return nil, d.identify(from, sess, msg, now)
	case protocol.KindData:
		return d.data(from, sess, msg, now)
	case protocol.KindBurstEnd:
		if sess != nil {
			sess.InBurst = false
		}
		return nil, statusOK
	}
	return nil, d.unrecognized(from, sess, msg.Raw, nil, now)
}

func (d *Dispatcher) register(from netip.AddrPort, msg protocol.Message, now time.Time) ([]Outbound, string) {
	s, created, conflict, err := d.reg.Register(from, msg.NodeID, msg.HasNodeID, now)
	if err != nil {
		d.logger.Warn("registration rejected",
			zap.Stringer("endpoint", from),
			zap.Int("capacity", d.reg.Cap()),
			zap.Error(err))
		d.journal.add(model.Event{Time: now, NodeID: msg.NodeID, Endpoint: from.String(), Kind: EventRejected, Message: err.Error()})
		return d.reply(from, protocol.KindServerFull, msg.Framed), statusRejected
	}
	s.Framed = msg.Framed
	if conflict != nil {
		d.noteConflict(s, conflict, now)
	}

	nodeID := model.UnknownNodeID
	if s.HasNodeID {
		nodeID = s.NodeID
	}
	d.registrations[nodeID]++
	d.journal.add(model.Event{Time: now, NodeID: nodeID, Endpoint: from.String(), Kind: EventRegistration, Message: "registered"})
	d.logger.Info("session registered",
		zap.Stringer("endpoint", from),
		zap.Int("node_id", nodeID),
		zap.Bool("framed", s.Framed),
		zap.Bool("created", created))

	metrics.Sessions.Set(float64(d.reg.Len()))
	d.saveSnapshotLocked()
	return d.reply(from, protocol.KindRegistered, msg.Framed), statusOK
}

func (d *Dispatcher) requestSend(from netip.AddrPort, sess *model.Session, msg protocol.Message, now time.Time) ([]Outbound, string) {
	if sess == nil {
		d.logger.Debug("request_send from unregistered endpoint ignored", zap.Stringer("endpoint", from))
		return nil, statusIgnored
	}
	if _, err := d.arb.Acquire(from, sess.NodeID, now); err != nil {
		owner, _ := d.arb.Owner()
		d.logger.Debug("transfer slot busy",
			zap.Stringer("endpoint", from),
			zap.Stringer("owner", owner))
		return d.reply(from, protocol.KindWait, msg.Framed), statusRejected
	}
	metrics.TransferActive.Set(1)
	return d.reply(from, protocol.KindOK, msg.Framed), statusOK
}

func (d *Dispatcher) filename(from netip.AddrPort, msg protocol.Message, now time.Time) string {
	err := d.arb.Open(from, string(msg.Payload), now)
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, transfer.ErrNotOwner), errors.Is(err, transfer.ErrPhase):
		return statusIgnored
	}
	d.logger.Warn("transfer aborted",
		zap.Stringer("endpoint", from),
		zap.String("command", msg.Kind.String()),
		zap.Error(err))
	d.slotReleased(transfer.ResultAborted, 0)
	return statusError
}

func (d *Dispatcher) chunk(from netip.AddrPort, msg protocol.Message, now time.Time) string {
	sum, err := d.arb.Write(from, msg, now)
	return d.afterWrite(from, msg, sum, err)
}

func (d *Dispatcher) end(from netip.AddrPort, msg protocol.Message, now time.Time) string {
	sum, err := d.arb.Finish(from, msg, now)
	return d.afterWrite(from, msg, sum, err)
}

func (d *Dispatcher) afterWrite(from netip.AddrPort, msg protocol.Message, sum *model.TransferSummary, err error) string {
	switch {
	case errors.Is(err, transfer.ErrNotOwner), errors.Is(err, transfer.ErrPhase):
		return statusIgnored
	case errors.Is(err, transfer.ErrDuplicateChunk):
		metrics.ChunksDropped.WithLabelValues("duplicate").Inc()
		return statusIgnored
	case errors.Is(err, transfer.ErrOutOfWindow):
		metrics.ChunksDropped.WithLabelValues("out_of_window").Inc()
		d.logger.Warn("chunk outside reorder window dropped",
			zap.Stringer("endpoint", from),
			zap.Uint64("seq", msg.Seq))
		return statusIgnored
	case err != nil:
		d.logger.Warn("transfer write failed",
			zap.Stringer("endpoint", from),
			zap.String("command", msg.Kind.String()),
			zap.Error(err))
		if !d.arb.Busy() {
			result, bytes := transfer.ResultAborted, int64(0)
			if sum != nil {
				result, bytes = sum.Result, sum.Bytes
			}
			d.slotReleased(result, bytes)
		}
		return statusError
	}
	if sum != nil {
		d.slotReleased(sum.Result, sum.Bytes)
	}
	return statusOK
}

func (d *Dispatcher) identify(from netip.AddrPort, sess *model.Session, msg protocol.Message, now time.Time) string {
	s, created, conflict, err := d.reg.Register(from, msg.NodeID, true, now)
	if err != nil {
		d.logger.Warn("auto-registration rejected",
			zap.Stringer("endpoint", from),
			zap.Int("node_id", msg.NodeID),
			zap.String("command", msg.Kind.String()),
			zap.Error(err))
		return statusRejected
	}
	if created {
		s.Framed = msg.Framed
		d.registrations[msg.NodeID]++
		d.journal.add(model.Event{Time: now, NodeID: msg.NodeID, Endpoint: from.String(), Kind: EventRegistration, Message: "auto-registered by " + msg.Kind.String()})
		d.logger.Info("session auto-registered",
			zap.Stringer("endpoint", from),
			zap.Int("node_id", msg.NodeID))
		metrics.Sessions.Set(float64(d.reg.Len()))
		d.saveSnapshotLocked()
	}
	if conflict != nil {
		d.noteConflict(s, conflict, now)
	}
	if msg.Kind == protocol.KindNode {
		s.InBurst = true
	}
	return statusOK
}

func (d *Dispatcher) data(from netip.AddrPort, sess *model.Session, msg protocol.Message, now time.Time) ([]Outbound, string) {
	nodeID := model.UnknownNodeID
	if sess != nil && sess.HasNodeID {
		nodeID = sess.NodeID
	}
	_, deliveries, err := d.router.Route(from, nodeID, msg, d.reg.Snapshot(), now)
	if sess != nil {
		sess.Records++
	}
	metrics.TelemetryRecords.Inc()
	metrics.BroadcastDeliveries.Add(float64(len(deliveries)))

	out := make([]Outbound, 0, len(deliveries))
	for _, dl := range deliveries {
		out = append(out, Outbound{To: dl.To, Payload: dl.Payload})
	}
	if err != nil {
		d.logger.Warn("telemetry persist failed",
			zap.Stringer("endpoint", from),
			zap.Int("node_id", nodeID),
			zap.String("command", msg.Kind.String()),
			zap.Error(err))
		return out, statusError
	}
	return out, statusOK
}

func (d *Dispatcher) unrecognized(from netip.AddrPort, sess *model.Session, raw []byte, cause error, now time.Time) string {
	nodeID := model.UnknownNodeID
	if sess != nil && sess.HasNodeID {
		nodeID = sess.NodeID
	}
	text := preview(raw)
	fields := []zap.Field{
		zap.Stringer("endpoint", from),
		zap.Int("node_id", nodeID),
		zap.String("command", text),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	d.logger.Info("unrecognized command", fields...)
	d.journal.add(model.Event{Time: now, NodeID: nodeID, Endpoint: from.String(), Kind: EventUnrecognized, Message: text})
	return statusIgnored
}

func (d *Dispatcher) noteConflict(s, prev *model.Session, now time.Time) {
	d.logger.Warn("duplicate node id",
		zap.Int("node_id", s.NodeID),
		zap.Stringer("endpoint", s.Endpoint),
		zap.Stringer("previous_endpoint", prev.Endpoint))
	d.journal.add(model.Event{
		Time:     now,
		NodeID:   s.NodeID,
		Endpoint: s.Endpoint.String(),
		Kind:     EventConflict,
		Message:  "node id also claimed by " + prev.Endpoint.String(),
	})
}

func (d *Dispatcher) reply(to netip.AddrPort, kind protocol.Kind, framed bool) []Outbound {
	payload, err := protocol.Encode(protocol.Message{Kind: kind}, framed)
	if err != nil {
		d.logger.Error("encode response", zap.String("kind", kind.String()), zap.Error(err))
		return nil
	}
	return []Outbound{{To: to, Payload: payload}}
}

func (d *Dispatcher) slotReleased(result string, bytes int64) {
	metrics.RecordTransfer(result, bytes)
	metrics.TransferActive.Set(0)
}

// Expire releases an abandoned transfer slot whose lease has lapsed.
func (d *Dispatcher) Expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expireLocked(d.now())
}

func (d *Dispatcher) expireLocked(now time.Time) {
	if sum, ok := d.arb.Expire(now); ok {
		d.slotReleased(sum.Result, sum.Bytes)
	}
}

// Receiving reports whether ep is inside a transfer, where any payload may
// be file data.
func (d *Dispatcher) Receiving(ep netip.AddrPort) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ep = netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
	return d.arb.PhaseOf(ep) != protocol.PhaseIdle
}

// Sessions returns a copy of the registry with each session's phase.
func (d *Dispatcher) Sessions() ([]model.Session, []protocol.Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sessions := d.reg.Snapshot()
	phases := make([]protocol.Phase, len(sessions))
	for i, s := range sessions {
		phases[i] = d.arb.PhaseOf(s.Endpoint)
	}
	return sessions, phases
}

// Capacity returns the registry capacity.
func (d *Dispatcher) Capacity() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.Cap()
}

// TransferActive reports whether the slot is held.
func (d *Dispatcher) TransferActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arb.Busy()
}

// Transfers returns finished transfer summaries, oldest first.
func (d *Dispatcher) Transfers() []model.TransferSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arb.Completed()
}

// Events returns up to limit journal events of kind, newest first.
func (d *Dispatcher) Events(kind string, limit int) []model.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.journal.recent(kind, limit)
}

// EventCount returns how many events of kind the journal holds.
func (d *Dispatcher) EventCount(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.journal.count(kind)
}

// Registrations returns the number of registrations per node id.
func (d *Dispatcher) Registrations() map[int]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]int, len(d.registrations))
	for k, v := range d.registrations {
		out[k] = v
	}
	return out
}

// SaveSnapshot writes the session snapshot file, if configured.
func (d *Dispatcher) SaveSnapshot() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeSnapshotLocked()
}

func (d *Dispatcher) saveSnapshotLocked() {
	if err := d.writeSnapshotLocked(); err != nil {
		d.logger.Warn("session snapshot not saved", zap.Error(err))
	}
}

func (d *Dispatcher) writeSnapshotLocked() error {
	if d.snapshotPath == "" {
		return nil
	}
	return session.SaveSnapshot(d.snapshotPath, session.NewSnapshot(d.reg.Cap(), d.reg.Snapshot()))
}

// SnapshotPath returns the conventional snapshot location under dataDir.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "sessions.yaml")
}

// preview renders a datagram for logs: printable text as-is, anything else
// as a short quoted prefix.
func preview(raw []byte) string {
	const limit = 64
	if len(raw) > limit {
		return fmt.Sprintf("%s... (%d bytes)", strconv.Quote(string(raw[:limit])), len(raw))
	}
	return strconv.Quote(string(raw))
}
