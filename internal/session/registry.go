// Package session tracks the peers known to the collector.
package session

import (
	"errors"
	"net/netip"
	"time"

	"sensorfabric/internal/model"
)

// ErrCapacityExceeded is returned when registering a new endpoint into a full registry.
var ErrCapacityExceeded = errors.New("session: registry capacity exceeded")

// Registry maps endpoints to sessions with a fixed capacity.
//
// Registry is not safe for concurrent use; the collector guards it with
// the same lock that guards the transfer slot.
type Registry struct {
	capacity   int
	order      []*model.Session
	byEndpoint map[netip.AddrPort]*model.Session
	byNodeID   map[int]*model.Session
}

// NewRegistry returns an empty registry holding at most capacity sessions.
func NewRegistry(capacity int) *Registry {
	if capacity < 0 {
		capacity = 0
	}
	return &Registry{
		capacity:   capacity,
		byEndpoint: make(map[netip.AddrPort]*model.Session, capacity),
		byNodeID:   make(map[int]*model.Session, capacity),
	}
}

// Register creates the session for ep, or updates it when ep is already
// known. created reports whether a new session was added. conflict is the
// other session that previously claimed the same node id, if any.
func (r *Registry) Register(ep netip.AddrPort, nodeID int, hasNodeID bool, now time.Time) (s *model.Session, created bool, conflict *model.Session, err error) {
	ep = normalize(ep)
	s, ok := r.byEndpoint[ep]
	if !ok {
		if len(r.order) >= r.capacity {
			return nil, false, nil, ErrCapacityExceeded
		}
		s = &model.Session{Endpoint: ep, Active: true, RegisteredAt: now}
		r.byEndpoint[ep] = s
		r.order = append(r.order, s)
		created = true
	}
	s.Active = true
	s.LastSeen = now
	if hasNodeID {
		conflict = r.bind(s, nodeID)
	}
	return s, created, conflict, nil
}

func (r *Registry) bind(s *model.Session, nodeID int) *model.Session {
	if s.HasNodeID && s.NodeID != nodeID && r.byNodeID[s.NodeID] == s {
		delete(r.byNodeID, s.NodeID)
	}
	s.NodeID, s.HasNodeID = nodeID, true

	var conflict *model.Session
	if prev, ok := r.byNodeID[nodeID]; ok && prev != s && prev.Active {
		conflict = prev
	}
	r.byNodeID[nodeID] = s
	return conflict
}

// FindByEndpoint returns the session registered for ep, or nil.
func (r *Registry) FindByEndpoint(ep netip.AddrPort) *model.Session {
	return r.byEndpoint[normalize(ep)]
}

// FindByNodeID returns the session that most recently claimed id, or nil.
func (r *Registry) FindByNodeID(id int) *model.Session {
	return r.byNodeID[id]
}

// Snapshot copies the sessions in registration order.
func (r *Registry) Snapshot() []model.Session {
	out := make([]model.Session, 0, len(r.order))
	for _, s := range r.order {
		out = append(out, *s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int { return len(r.order) }

// Cap returns the registry capacity.
func (r *Registry) Cap() int { return r.capacity }

// IPv4-mapped IPv6 addresses from a dual-stack socket compare equal to
// their IPv4 form.
func normalize(ep netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
}
