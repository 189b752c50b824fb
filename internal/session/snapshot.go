package session

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"sensorfabric/internal/model"
)

// Snapshot is the status file the collector writes whenever the registry
// changes. It is informational only and never reloaded on startup.
type Snapshot struct {
	UpdatedAt time.Time     `yaml:"updated_at"`
	Capacity  int           `yaml:"capacity"`
	Sessions  []SessionInfo `yaml:"sessions"`
}

// SessionInfo is the persisted view of a session.
type SessionInfo struct {
	Endpoint     string    `yaml:"endpoint"`
	NodeID       *int      `yaml:"node_id,omitempty"`
	Framed       bool      `yaml:"framed"`
	Records      int       `yaml:"records"`
	RegisteredAt time.Time `yaml:"registered_at"`
	LastSeen     time.Time `yaml:"last_seen"`
}

// NewSnapshot converts registry sessions to their persisted form.
func NewSnapshot(capacity int, sessions []model.Session) *Snapshot {
	snap := &Snapshot{Capacity: capacity, Sessions: make([]SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		info := SessionInfo{
			Endpoint:     s.Endpoint.String(),
			Framed:       s.Framed,
			Records:      s.Records,
			RegisteredAt: s.RegisteredAt,
			LastSeen:     s.LastSeen,
		}
		if s.HasNodeID {
			id := s.NodeID
			info.NodeID = &id
		}
		snap.Sessions = append(snap.Sessions, info)
	}
	return snap
}

// LoadSnapshot loads the status file. If the file is missing, returns an empty snapshot.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, err
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// SaveSnapshot writes the status file to disk.
func SaveSnapshot(path string, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	snap.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
