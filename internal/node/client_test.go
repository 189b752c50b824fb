package node

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sensorfabric/internal/collector"
	"sensorfabric/internal/config"
	"sensorfabric/internal/model"
	"sensorfabric/internal/protocol"
)

type testCollector struct {
	srv        *collector.Server
	storageDir string
}

func startCollector(t *testing.T) *testCollector {
	t.Helper()

	tmp := t.TempDir()
	cfg := config.Config{Collector: &config.CollectorConfig{
		Listen:     "127.0.0.1:0",
		StorageDir: filepath.Join(tmp, "server_storage"),
		DataDir:    filepath.Join(tmp, "data"),
	}}
	config.ApplyDefaults(&cfg)

	srv, err := collector.NewServer(*cfg.Collector, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return &testCollector{srv: srv, storageDir: cfg.Collector.StorageDir}
}

func dialNode(t *testing.T, tc *testCollector, opts ClientOptions) *Client {
	t.Helper()
	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = 2 * time.Second
	}
	c, err := Dial(tc.srv.Addr().String(), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_RegisterAndBroadcast(t *testing.T) {
	t.Parallel()

	tc := startCollector(t)

	var (
		mu   sync.Mutex
		seen []Broadcast
	)
	listener := dialNode(t, tc, ClientOptions{NodeID: 2, Framed: true, OnBroadcast: func(b Broadcast) {
		mu.Lock()
		seen = append(seen, b)
		mu.Unlock()
	}})
	sender := dialNode(t, tc, ClientOptions{NodeID: 1})

	ctx := context.Background()
	if err := listener.Register(ctx); err != nil {
		t.Fatalf("listener Register: %v", err)
	}
	if err := sender.Register(ctx); err != nil {
		t.Fatalf("sender Register: %v", err)
	}
	if err := sender.SendReading(model.Reading{Temperature: 22.5, Humidity: 48}); err != nil {
		t.Fatalf("SendReading: %v", err)
	}

	waitFor(t, "broadcast", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	mu.Lock()
	got := seen[0]
	mu.Unlock()
	if got.NodeID != 1 || got.Payload != "TEMP=22.50 HUM=48.00" {
		t.Fatalf("broadcast=%+v", got)
	}
}

func TestClient_RegisterServerFull(t *testing.T) {
	t.Parallel()

	tc := startCollector(t)
	ctx := context.Background()
	for i := 1; i <= config.DefaultMaxSessions; i++ {
		c := dialNode(t, tc, ClientOptions{NodeID: i})
		if err := c.Register(ctx); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}
	extra := dialNode(t, tc, ClientOptions{NodeID: 99})
	if err := extra.Register(ctx); !errors.Is(err, ErrServerFull) {
		t.Fatalf("err=%v", err)
	}
}

func TestClient_SendFileLegacyAndFramed(t *testing.T) {
	t.Parallel()

	tc := startCollector(t)
	payload := make([]byte, 5000)
	rand.New(rand.NewSource(7)).Read(payload)
	// A trailing chunk that is exactly the terminator.
	payload = append(payload[:4000], []byte("EOF")...)

	for _, framed := range []bool{false, true} {
		c := dialNode(t, tc, ClientOptions{NodeID: 5, Framed: framed, ChunkSize: 1000})
		if err := c.Register(context.Background()); err != nil {
			t.Fatalf("Register: %v", err)
		}

		name := "legacy.bin"
		if framed {
			name = "nested/framed.bin"
		}
		n, err := c.SendFile(context.Background(), name, bytes.NewReader(payload))
		if err != nil || n != int64(len(payload)) {
			t.Fatalf("SendFile framed=%v: n=%d err=%v", framed, n, err)
		}

		path := filepath.Join(tc.storageDir, filepath.FromSlash(name))
		waitFor(t, name, func() bool { return !tc.srv.Dispatcher().TransferActive() })
		got, err := os.ReadFile(path)
		if err != nil || !bytes.Equal(got, payload) {
			t.Fatalf("framed=%v stored %d bytes err=%v", framed, len(got), err)
		}
	}
}

func TestClient_SendFileWhileSlotHeld(t *testing.T) {
	t.Parallel()

	tc := startCollector(t)
	ctx := context.Background()
	holder := dialNode(t, tc, ClientOptions{NodeID: 1})
	other := dialNode(t, tc, ClientOptions{NodeID: 2})
	if err := holder.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := other.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Acquire the slot and stall before the filename.
	if err := holder.send(protocol.Message{Kind: protocol.KindRequestSend}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "slot", func() bool { return tc.srv.Dispatcher().TransferActive() })

	if _, err := other.SendFile(ctx, "x.txt", bytes.NewReader([]byte("x"))); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("err=%v", err)
	}
}

func TestClient_RejectsReservedLegacyName(t *testing.T) {
	t.Parallel()

	tc := startCollector(t)
	c := dialNode(t, tc, ClientOptions{NodeID: 1})
	if _, err := c.SendFile(context.Background(), "REQUEST_SEND", bytes.NewReader(nil)); !errors.Is(err, ErrReservedName) {
		t.Fatalf("err=%v", err)
	}
	if tc.srv.Dispatcher().TransferActive() {
		t.Fatalf("slot acquired")
	}
}

func TestClient_HeartbeatAutoRegisters(t *testing.T) {
	t.Parallel()

	tc := startCollector(t)
	c := dialNode(t, tc, ClientOptions{NodeID: 11})
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	waitFor(t, "session", func() bool {
		sessions, _ := tc.srv.Dispatcher().Sessions()
		return len(sessions) == 1 && sessions[0].NodeID == 11 && !sessions[0].InBurst
	})
}

// failingReader yields data, then fails.
type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestClient_SendFileReadErrorReleasesSlot(t *testing.T) {
	t.Parallel()

	tc := startCollector(t)
	ctx := context.Background()
	for _, framed := range []bool{false, true} {
		c := dialNode(t, tc, ClientOptions{NodeID: 1, Framed: framed, ChunkSize: 100})
		if err := c.Register(ctx); err != nil {
			t.Fatalf("Register: %v", err)
		}
		src := &failingReader{data: bytes.Repeat([]byte{'a'}, 250), err: io.ErrClosedPipe}
		n, err := c.SendFile(ctx, "partial.bin", src)
		if !errors.Is(err, io.ErrClosedPipe) || n != 250 {
			t.Fatalf("framed=%v n=%d err=%v", framed, n, err)
		}
		waitFor(t, "slot release", func() bool { return !tc.srv.Dispatcher().TransferActive() })
	}

	other := dialNode(t, tc, ClientOptions{NodeID: 2})
	if err := other.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := other.SendFile(ctx, "next.txt", bytes.NewReader([]byte("ok"))); err != nil {
		t.Fatalf("SendFile after release: %v", err)
	}
}

func TestDial_RejectsChunkOverDatagramLimit(t *testing.T) {
	t.Parallel()

	if _, err := Dial("127.0.0.1:8888", ClientOptions{ChunkSize: 2048, Framed: true}); !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("framed err=%v", err)
	}
	c, err := Dial("127.0.0.1:8888", ClientOptions{ChunkSize: 2048})
	if err != nil {
		t.Fatalf("legacy exact fit: %v", err)
	}
	_ = c.Close()
	c, err = Dial("127.0.0.1:8888", ClientOptions{ChunkSize: 4000, Framed: true, MaxDatagram: 8192})
	if err != nil {
		t.Fatalf("raised limit: %v", err)
	}
	_ = c.Close()
}

type stubSampler struct {
	mu       sync.Mutex
	readings []model.Reading
}

func (s *stubSampler) Sample() (model.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readings) == 0 {
		return model.Reading{}, ErrNoReading
	}
	r := s.readings[0]
	s.readings = s.readings[1:]
	return r, nil
}

func TestReporter_GatesAndSends(t *testing.T) {
	t.Parallel()

	tc := startCollector(t)
	c := dialNode(t, tc, ClientOptions{NodeID: 4})
	rep := &reporter{
		client: c,
		sampler: &stubSampler{readings: []model.Reading{
			{Temperature: 20, Humidity: 50},
			{Temperature: 20.1, Humidity: 50.5},
			{Temperature: 120, Humidity: 50},
			{Temperature: 21, Humidity: 50},
		}},
		interval:   2 * time.Minute,
		thresholds: Thresholds{Temp: 0.5, Hum: 2},
		logger:     c.logger,
	}

	now := time.Now()
	want := []bool{true, false, false, true, false}
	for i, w := range want {
		if got := rep.tick(now.Add(time.Duration(i) * time.Second)); got != w {
			t.Fatalf("tick %d: sent=%v", i, got)
		}
	}
	waitFor(t, "records", func() bool {
		sessions, _ := tc.srv.Dispatcher().Sessions()
		return len(sessions) == 1 && sessions[0].Records == 2
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	tc := startCollector(t)
	sensor := filepath.Join(t.TempDir(), "sensor.log")
	if err := os.WriteFile(sensor, []byte("TEMP:23.0,HUM:45.0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, config.NodeConfig{
			ID:                7,
			Collector:         tc.srv.Addr().String(),
			SensorPath:        sensor,
			HeartbeatInterval: 20 * time.Millisecond,
			SampleInterval:    20 * time.Millisecond,
		}, nil, nil)
	}()

	waitFor(t, "reading", func() bool {
		sessions, _ := tc.srv.Dispatcher().Sessions()
		return len(sessions) == 1 && sessions[0].Records >= 1
	})
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
