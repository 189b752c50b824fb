package session

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sensorfabric/internal/model"
)

func TestLoadSnapshot_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "sessions.yaml")
	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatalf("snapshot is nil")
	}
	if len(snap.Sessions) != 0 {
		t.Fatalf("sessions=%d", len(snap.Sessions))
	}
}

func TestSaveSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "sessions.yaml")

	now := time.Unix(100, 0).UTC()
	in := NewSnapshot(5, []model.Session{
		{Endpoint: netip.MustParseAddrPort("10.0.0.1:4000"), NodeID: 3, HasNodeID: true, RegisteredAt: now, LastSeen: now},
		{Endpoint: netip.MustParseAddrPort("10.0.0.2:4000"), Framed: true},
	})
	if err := SaveSnapshot(path, in); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	out, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if out.Capacity != 5 || len(out.Sessions) != 2 {
		t.Fatalf("snapshot=%+v", out)
	}
	if out.Sessions[0].NodeID == nil || *out.Sessions[0].NodeID != 3 {
		t.Fatalf("node_id=%v", out.Sessions[0].NodeID)
	}
	if out.Sessions[1].NodeID != nil || !out.Sessions[1].Framed {
		t.Fatalf("session=%+v", out.Sessions[1])
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at not set")
	}
}
