package telemetry

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"sensorfabric/internal/model"
)

// Backends accepted by Open.
const (
	BackendCSV    = "csv"
	BackendBadger = "badger"
)

// Store is a durable per-node append sink for telemetry records.
type Store interface {
	Append(rec model.TelemetryRecord) error
	// Records returns every record for nodeID, oldest first.
	Records(nodeID int) ([]model.TelemetryRecord, error)
	// All returns every record across nodes, oldest first.
	All() ([]model.TelemetryRecord, error)
	Close() error
}

// Open returns the store for backend rooted at dir.
func Open(backend, dir string, logger *zap.Logger) (Store, error) {
	switch backend {
	case "", BackendCSV:
		return NewCSVStore(dir)
	case BackendBadger:
		return OpenBadgerStore(dir, logger)
	default:
		return nil, fmt.Errorf("unknown telemetry backend %q", backend)
	}
}

func sortByTime(items []model.TelemetryRecord) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ReceivedAt.Before(items[j].ReceivedAt)
	})
}
