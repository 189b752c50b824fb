// Package telemetry persists reported readings and fans them out to the
// other known sessions.
package telemetry

import (
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"sensorfabric/internal/model"
	"sensorfabric/internal/protocol"
)

// Delivery is one outbound broadcast datagram.
type Delivery struct {
	To      netip.AddrPort
	Payload []byte
}

// Router persists records and computes broadcast deliveries. It performs
// no network I/O itself.
type Router struct {
	store  Store
	logger *zap.Logger
}

// NewRouter returns a router persisting into store. A nil store disables
// persistence.
func NewRouter(store Store, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{store: store, logger: logger}
}

// Route persists msg under nodeID, then returns one delivery for every
// active peer except the sender. Legacy peers receive the original bytes;
// framed peers receive a data frame carrying nodeID. A persistence error is
// returned alongside the deliveries, which are still computed.
func (r *Router) Route(from netip.AddrPort, nodeID int, msg protocol.Message, peers []model.Session, now time.Time) (model.TelemetryRecord, []Delivery, error) {
	rec := model.TelemetryRecord{
		NodeID:     nodeID,
		Payload:    string(msg.Payload),
		ReceivedAt: now,
	}
	if reading, ok := ParsePayload(rec.Payload); ok {
		rec.Reading = &reading
	}

	var persistErr error
	if r.store != nil {
		if err := r.store.Append(rec); err != nil {
			persistErr = fmt.Errorf("persist node %d: %w", nodeID, err)
			r.logger.Warn("telemetry not persisted", zap.Int("node_id", nodeID), zap.Error(err))
		}
	}

	out := msg
	out.Kind = protocol.KindData
	out.NodeID, out.HasNodeID = nodeID, true

	var legacy, framed []byte
	from = unmap(from)
	deliveries := make([]Delivery, 0, len(peers))
	for _, p := range peers {
		if !p.Active || unmap(p.Endpoint) == from {
			continue
		}
		payload, err := r.encode(out, p.Framed, &legacy, &framed)
		if err != nil {
			r.logger.Warn("broadcast encode failed", zap.Stringer("endpoint", p.Endpoint), zap.Error(err))
			continue
		}
		deliveries = append(deliveries, Delivery{To: p.Endpoint, Payload: payload})
	}
	return rec, deliveries, persistErr
}

func (r *Router) encode(msg protocol.Message, framed bool, legacy, frame *[]byte) ([]byte, error) {
	cache := legacy
	if framed {
		cache = frame
	}
	if *cache == nil {
		b, err := protocol.Encode(msg, framed)
		if err != nil {
			return nil, err
		}
		*cache = b
	}
	return *cache, nil
}

func unmap(ep netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
}
