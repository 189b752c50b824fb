package collector

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sensorfabric/internal/api"
	"sensorfabric/internal/model"
	"sensorfabric/internal/protocol"
	"sensorfabric/internal/telemetry"
	"sensorfabric/internal/transfer"
)

// activeWindow is how recently a node must have been heard from to count
// as active in the overview.
const activeWindow = 5 * time.Minute

type dashboard struct {
	disp    *Dispatcher
	store   telemetry.Store
	logger  *zap.Logger
	started time.Time
	now     func() time.Time
}

// NewDashboard returns the read-only HTTP API over the collector state.
func NewDashboard(disp *Dispatcher, store telemetry.Store, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &dashboard{disp: disp, store: store, logger: logger.Named("dashboard"), started: time.Now(), now: disp.now}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sensor-data", h.handleSensorData)
	mux.HandleFunc("GET /api/nodes", h.handleNodes)
	mux.HandleFunc("GET /api/nodes/{id}", h.handleNode)
	mux.HandleFunc("GET /api/registrations", h.handleRegistrations)
	mux.HandleFunc("GET /api/errors", h.handleErrors)
	mux.HandleFunc("GET /api/transfers", h.handleTransfers)
	mux.HandleFunc("GET /api/sessions", h.handleSessions)
	mux.HandleFunc("GET /api/overview", h.handleOverview)
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (h *dashboard) handleSensorData(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, 50)
	if !ok {
		return
	}
	items, err := h.records()
	if err != nil {
		h.internalError(w, err)
		return
	}
	latest := telemetry.Latest(items, limit)
	out := make([]api.Reading, 0, len(latest))
	for _, rec := range latest {
		out = append(out, toReading(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *dashboard) handleNodes(w http.ResponseWriter, r *http.Request) {
	items, err := h.records()
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.nodeStats(items))
}

func (h *dashboard) handleNode(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid node id")
		return
	}
	var items []model.TelemetryRecord
	if h.store != nil {
		items, err = h.store.Records(id)
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	var stats *api.NodeStats
	for _, s := range h.nodeStats(items) {
		if s.NodeID == id {
			s := s
			stats = &s
		}
	}
	if stats == nil {
		writeJSONError(w, http.StatusNotFound, "node not found")
		return
	}
	detail := api.NodeDetail{NodeStats: *stats}
	for _, rec := range telemetry.Latest(items, 20) {
		detail.Recent = append(detail.Recent, toReading(rec))
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *dashboard) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	h.writeEvents(w, r, EventRegistration)
}

func (h *dashboard) handleErrors(w http.ResponseWriter, r *http.Request) {
	h.writeEvents(w, r, EventUnrecognized)
}

func (h *dashboard) writeEvents(w http.ResponseWriter, r *http.Request, kind string) {
	limit, ok := limitParam(w, r, 20)
	if !ok {
		return
	}
	events := h.disp.Events(kind, limit)
	out := make([]api.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, api.Event{Time: ev.Time, NodeID: ev.NodeID, Endpoint: ev.Endpoint, Kind: ev.Kind, Message: ev.Message})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *dashboard) handleTransfers(w http.ResponseWriter, r *http.Request) {
	sums := h.disp.Transfers()
	out := make([]api.Transfer, 0, len(sums))
	for _, t := range sums {
		out = append(out, api.Transfer{
			ID:         t.ID,
			NodeID:     t.NodeID,
			Endpoint:   t.Endpoint,
			Name:       t.Name,
			Bytes:      t.Bytes,
			Chunks:     t.Chunks,
			BLAKE3:     t.Digest,
			Result:     t.Result,
			StartedAt:  t.StartedAt,
			FinishedAt: t.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *dashboard) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, phases := h.disp.Sessions()
	out := make([]api.Session, 0, len(sessions))
	for i, s := range sessions {
		out = append(out, toSession(s, phases[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *dashboard) handleOverview(w http.ResponseWriter, r *http.Request) {
	items, err := h.records()
	if err != nil {
		h.internalError(w, err)
		return
	}
	now := h.now()
	sessions, _ := h.disp.Sessions()

	ov := api.Overview{
		TotalReadings:  len(items),
		Sessions:       len(sessions),
		Capacity:       h.disp.Capacity(),
		TransferActive: h.disp.TransferActive(),
		Unrecognized:   h.disp.EventCount(EventUnrecognized),
	}

	active := map[int]bool{}
	nodes := map[int]bool{}
	for _, rec := range items {
		nodes[rec.NodeID] = true
		if now.Sub(rec.ReceivedAt) <= activeWindow {
			active[rec.NodeID] = true
		}
	}
	for _, s := range sessions {
		if !s.HasNodeID {
			continue
		}
		nodes[s.NodeID] = true
		if now.Sub(s.LastSeen) <= activeWindow {
			active[s.NodeID] = true
		}
	}
	ov.TotalNodes = len(nodes)
	ov.ActiveNodes = len(active)

	sum := telemetry.Summarize(items, time.Time{})
	ov.AvgTemp, ov.AvgHum = sum.AvgTemp, sum.AvgHum

	for _, t := range h.disp.Transfers() {
		if t.Result == transfer.ResultStored {
			ov.TransfersStored++
		}
	}
	writeJSON(w, http.StatusOK, ov)
}

func (h *dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions, _ := h.disp.Sessions()
	writeJSON(w, http.StatusOK, api.Health{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
		Sessions:      len(sessions),
	})
}

func (h *dashboard) records() ([]model.TelemetryRecord, error) {
	if h.store == nil {
		return nil, nil
	}
	return h.store.All()
}

// nodeStats groups items by node, newest activity first.
func (h *dashboard) nodeStats(items []model.TelemetryRecord) []api.NodeStats {
	byNode := map[int][]model.TelemetryRecord{}
	for _, rec := range items {
		byNode[rec.NodeID] = append(byNode[rec.NodeID], rec)
	}
	regs := h.disp.Registrations()
	sessions, _ := h.disp.Sessions()
	endpoints := map[int]string{}
	for _, s := range sessions {
		if s.HasNodeID {
			endpoints[s.NodeID] = s.Endpoint.String()
		}
	}

	out := make([]api.NodeStats, 0, len(byNode))
	for id, recs := range byNode {
		sum := telemetry.Summarize(recs, time.Time{})
		out = append(out, api.NodeStats{
			NodeID:        id,
			Count:         sum.Count,
			FirstSeen:     sum.From,
			LastSeen:      sum.To,
			AvgTemp:       sum.AvgTemp,
			MinTemp:       sum.MinTemp,
			MaxTemp:       sum.MaxTemp,
			AvgHum:        sum.AvgHum,
			MinHum:        sum.MinHum,
			MaxHum:        sum.MaxHum,
			Registrations: regs[id],
			Endpoint:      endpoints[id],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

func (h *dashboard) internalError(w http.ResponseWriter, err error) {
	h.logger.Warn("dashboard query failed", zap.Error(err))
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

func toReading(rec model.TelemetryRecord) api.Reading {
	out := api.Reading{NodeID: rec.NodeID, Payload: rec.Payload, ReceivedAt: rec.ReceivedAt}
	if r := rec.Reading; r != nil {
		temp, hum := r.Temperature, r.Humidity
		out.Temperature, out.Humidity = &temp, &hum
		out.Soil, out.Water = r.Soil, r.Water
	}
	return out
}

func toSession(s model.Session, phase protocol.Phase) api.Session {
	out := api.Session{
		Endpoint:     s.Endpoint.String(),
		Framed:       s.Framed,
		InBurst:      s.InBurst,
		Records:      s.Records,
		Phase:        phase.String(),
		RegisteredAt: s.RegisteredAt,
		LastSeen:     s.LastSeen,
	}
	if s.HasNodeID {
		id := s.NodeID
		out.NodeID = &id
	}
	return out
}

func limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
