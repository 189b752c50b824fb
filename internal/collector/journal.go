package collector

import (
	"sensorfabric/internal/model"
)

// Event kinds kept in the journal.
const (
	EventRegistration = "registration"
	EventUnrecognized = "unrecognized"
	EventConflict     = "node_id_conflict"
	EventRejected     = "rejected"
)

const defaultJournalSize = 500

// journal is a bounded in-memory event log. Guarded by the dispatcher lock.
type journal struct {
	size   int
	events []model.Event
}

func newJournal(size int) *journal {
	if size <= 0 {
		size = defaultJournalSize
	}
	return &journal{size: size}
}

func (j *journal) add(ev model.Event) {
	j.events = append(j.events, ev)
	if len(j.events) > j.size {
		j.events = append(j.events[:0:0], j.events[len(j.events)-j.size:]...)
	}
}

// recent returns up to limit events of kind, newest first. An empty kind
// matches all events.
func (j *journal) recent(kind string, limit int) []model.Event {
	var out []model.Event
	for i := len(j.events) - 1; i >= 0; i-- {
		ev := j.events[i]
		if kind != "" && ev.Kind != kind {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (j *journal) count(kind string) int {
	n := 0
	for _, ev := range j.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
