package collector

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sensorfabric/internal/config"
	"sensorfabric/internal/session"
)

func startCollector(t *testing.T, mutate func(*config.CollectorConfig)) (*Server, string) {
	t.Helper()

	tmp := t.TempDir()
	cfg := config.Config{Collector: &config.CollectorConfig{
		Listen:     "127.0.0.1:0",
		StorageDir: filepath.Join(tmp, "server_storage"),
		DataDir:    filepath.Join(tmp, "data"),
	}}
	config.ApplyDefaults(&cfg)
	if mutate != nil {
		mutate(cfg.Collector)
	}

	s, err := NewServer(*cfg.Collector, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Run did not return after cancel")
		}
	})
	return s, tmp
}

func dialCollector(t *testing.T, s *Server) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(s.Addr()))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func roundTrip(t *testing.T, c *net.UDPConn, payload string) string {
	t.Helper()
	if _, err := c.Write([]byte(payload)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return readDatagram(t, c)
}

func readDatagram(t *testing.T, c *net.UDPConn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return string(buf[:n])
}

func TestServer_RegisterAndBroadcastOverUDP(t *testing.T) {
	t.Parallel()

	s, _ := startCollector(t, nil)
	a, b := dialCollector(t, s), dialCollector(t, s)

	if got := roundTrip(t, a, "REGISTER:NODE:1"); got != "REGISTERED" {
		t.Fatalf("a register=%q", got)
	}
	if got := roundTrip(t, b, "REGISTER:NODE:2"); got != "REGISTERED" {
		t.Fatalf("b register=%q", got)
	}

	if _, err := a.Write([]byte("DATA:TEMP=19.50 HUM=55.00")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := readDatagram(t, b); got != "DATA:TEMP=19.50 HUM=55.00" {
		t.Fatalf("broadcast=%q", got)
	}
}

func TestServer_FileTransferOverUDP(t *testing.T) {
	t.Parallel()

	s, _ := startCollector(t, nil)
	a := dialCollector(t, s)
	if got := roundTrip(t, a, "REGISTER:NODE:3"); got != "REGISTERED" {
		t.Fatalf("register=%q", got)
	}
	if got := roundTrip(t, a, "REQUEST_SEND"); got != "OK" {
		t.Fatalf("request=%q", got)
	}
	for _, p := range []string{"data.txt", "hello ", "world", "EOF"} {
		if _, err := a.Write([]byte(p)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Dispatcher().TransferActive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got, err := os.ReadFile(filepath.Join(s.cfg.StorageDir, "data.txt"))
	if err != nil || string(got) != "hello world" {
		t.Fatalf("stored=%q err=%v", got, err)
	}
}

func TestServer_LeaseSweepReleasesSlot(t *testing.T) {
	t.Parallel()

	s, _ := startCollector(t, func(c *config.CollectorConfig) { c.TransferLease = 200 * time.Millisecond })
	a, b := dialCollector(t, s), dialCollector(t, s)
	roundTrip(t, a, "REGISTER")
	roundTrip(t, b, "REGISTER")
	if got := roundTrip(t, a, "REQUEST_SEND"); got != "OK" {
		t.Fatalf("a request=%q", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.Dispatcher().TransferActive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if s.Dispatcher().TransferActive() {
		t.Fatalf("lease sweep did not release the slot")
	}
	if got := roundTrip(t, b, "REQUEST_SEND"); got != "OK" {
		t.Fatalf("b request=%q", got)
	}
}

func TestServer_ShutdownWritesSnapshot(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	cfg := config.Config{Collector: &config.CollectorConfig{
		Listen:     "127.0.0.1:0",
		StorageDir: filepath.Join(tmp, "server_storage"),
		DataDir:    filepath.Join(tmp, "data"),
	}}
	config.ApplyDefaults(&cfg)
	s, err := NewServer(*cfg.Collector, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	c := dialCollector(t, s)
	if got := roundTrip(t, c, "REGISTER:NODE:8"); got != "REGISTERED" {
		t.Fatalf("register=%q", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap, err := session.LoadSnapshot(SnapshotPath(cfg.Collector.DataDir))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Capacity != config.DefaultMaxSessions || len(snap.Sessions) != 1 || *snap.Sessions[0].NodeID != 8 {
		t.Fatalf("snapshot=%+v", snap)
	}
}
