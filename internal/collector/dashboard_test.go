package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sensorfabric/internal/api"
	"sensorfabric/internal/protocol"
)

func newDashboardHarness(t *testing.T) (*harness, *api.Client) {
	t.Helper()

	h := newHarness(t, 5, 0)
	srv := httptest.NewServer(NewDashboard(h.d, h.store, nil))
	t.Cleanup(srv.Close)
	return h, api.NewClient(srv.URL + "/")
}

func TestDashboard_NodesAndReadings(t *testing.T) {
	t.Parallel()

	h, client := newDashboardHarness(t)
	a, b := peer(5000), peer(5001)
	h.expectReply(t, a, "REGISTER:NODE:1", protocol.TokenRegistered)
	h.expectReply(t, b, "REGISTER:NODE:2", protocol.TokenRegistered)
	h.d.Handle(a, []byte("DATA:TEMP=20.00 HUM=40.00"))
	h.clock.Advance(time.Second)
	h.d.Handle(a, []byte("DATA:TEMP=22.00,HUM=60.00,SOIL=300"))
	h.clock.Advance(time.Second)
	h.d.Handle(b, []byte("DATA:garbage"))

	ctx := context.Background()
	readings, err := client.SensorData(ctx, 2)
	if err != nil {
		t.Fatalf("SensorData: %v", err)
	}
	if len(readings) != 2 || readings[0].NodeID != 2 || readings[0].Temperature != nil {
		t.Fatalf("readings=%+v", readings)
	}
	if readings[1].Soil == nil || *readings[1].Soil != 300 {
		t.Fatalf("soil=%v", readings[1].Soil)
	}

	nodes, err := client.Nodes(ctx)
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0].NodeID != 2 {
		t.Fatalf("nodes=%+v", nodes)
	}

	detail, err := client.Node(ctx, 1)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if detail.Count != 2 || detail.AvgTemp != 21 || detail.MaxHum != 60 || detail.Registrations != 1 {
		t.Fatalf("detail=%+v", detail.NodeStats)
	}
	if detail.Endpoint != "127.0.0.1:5000" || len(detail.Recent) != 2 {
		t.Fatalf("detail=%+v", detail)
	}

	if _, err := client.Node(ctx, 99); err == nil || !strings.Contains(err.Error(), "node not found") {
		t.Fatalf("missing node err=%v", err)
	}
}

func TestDashboard_OverviewAndEvents(t *testing.T) {
	t.Parallel()

	h, client := newDashboardHarness(t)
	a := peer(5000)
	h.expectReply(t, a, "REGISTER:NODE:1", protocol.TokenRegistered)
	h.d.Handle(a, []byte("DATA:TEMP=10.00 HUM=30.00"))
	h.expectSilence(t, a, "BOGUS")
	h.expectReply(t, a, "REQUEST_SEND", protocol.TokenOK)
	h.expectSilence(t, a, "f.txt")
	h.expectSilence(t, a, "hello")
	h.expectSilence(t, a, "EOF")

	ctx := context.Background()
	ov, err := client.Overview(ctx)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	want := api.Overview{
		TotalReadings:   1,
		TotalNodes:      1,
		ActiveNodes:     1,
		Sessions:        1,
		Capacity:        5,
		AvgTemp:         10,
		AvgHum:          30,
		TransfersStored: 1,
		Unrecognized:    1,
	}
	if ov != want {
		t.Fatalf("overview=%+v", ov)
	}

	h.clock.Advance(10 * time.Minute)
	ov, err = client.Overview(ctx)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if ov.ActiveNodes != 0 {
		t.Fatalf("active=%d after idle", ov.ActiveNodes)
	}

	regs, err := client.Registrations(ctx, 5)
	if err != nil || len(regs) != 1 || regs[0].NodeID != 1 {
		t.Fatalf("registrations=%+v err=%v", regs, err)
	}
	errs, err := client.Errors(ctx, 5)
	if err != nil || len(errs) != 1 || errs[0].Message != `"BOGUS"` {
		t.Fatalf("errors=%+v err=%v", errs, err)
	}

	transfers, err := client.Transfers(ctx)
	if err != nil || len(transfers) != 1 || transfers[0].Name != "f.txt" || transfers[0].BLAKE3 == "" {
		t.Fatalf("transfers=%+v err=%v", transfers, err)
	}

	sessions, err := client.Sessions(ctx)
	if err != nil || len(sessions) != 1 || sessions[0].NodeID == nil || *sessions[0].NodeID != 1 || sessions[0].Phase != "idle" {
		t.Fatalf("sessions=%+v err=%v", sessions, err)
	}
}

func TestDashboard_RejectsBadLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	handler := NewDashboard(h.d, h.store, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sensor-data?limit=-3", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/nodes/abc", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestDashboard_QueryDuringTransferDoesNotBlockDatagrams(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, 0)
	handler := NewDashboard(h.d, h.store, nil)
	a := peer(5000)
	h.expectReply(t, a, "REGISTER:NODE:1", protocol.TokenRegistered)
	h.expectReply(t, a, "REQUEST_SEND", protocol.TokenOK)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "awaiting-filename") {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	// If the handler returned while holding the dispatcher lock, this would deadlock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.d.Handle(a, []byte("x.txt"))
		h.d.Handle(a, []byte("EOF"))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram handling likely deadlocked (dispatcher lock not released)")
	}
	if h.d.TransferActive() {
		t.Fatalf("slot still held")
	}
}

func TestDashboard_ServesMetrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	h.d.Handle(peer(5000), []byte("REGISTER"))

	rec := httptest.NewRecorder()
	NewDashboard(h.d, h.store, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sensorfabric_commands_total") {
		t.Fatalf("status=%d", rec.Code)
	}
}
