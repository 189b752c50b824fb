package api

import "time"

// Reading is one telemetry record as served by /api/sensor-data.
type Reading struct {
	NodeID      int       `json:"node_id"`
	Payload     string    `json:"payload"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Soil        *float64  `json:"soil,omitempty"`
	Water       *float64  `json:"water,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// NodeStats aggregates one node's telemetry.
type NodeStats struct {
	NodeID        int       `json:"node_id"`
	Count         int       `json:"count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	AvgTemp       float64   `json:"avg_temperature"`
	MinTemp       float64   `json:"min_temperature"`
	MaxTemp       float64   `json:"max_temperature"`
	AvgHum        float64   `json:"avg_humidity"`
	MinHum        float64   `json:"min_humidity"`
	MaxHum        float64   `json:"max_humidity"`
	Registrations int       `json:"registrations"`
	Endpoint      string    `json:"endpoint,omitempty"`
}

// NodeDetail is served by /api/nodes/{id}.
type NodeDetail struct {
	NodeStats
	Recent []Reading `json:"recent"`
}

// Event is a registration or an unrecognized command.
type Event struct {
	Time     time.Time `json:"time"`
	NodeID   int       `json:"node_id"`
	Endpoint string    `json:"endpoint"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
}

// Transfer summarizes one finished file transfer.
type Transfer struct {
	ID         string    `json:"id"`
	NodeID     int       `json:"node_id"`
	Endpoint   string    `json:"endpoint"`
	Name       string    `json:"name"`
	Bytes      int64     `json:"bytes"`
	Chunks     int       `json:"chunks"`
	BLAKE3     string    `json:"blake3,omitempty"`
	Result     string    `json:"result"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Session is the live view of one registered peer.
type Session struct {
	Endpoint     string    `json:"endpoint"`
	NodeID       *int      `json:"node_id,omitempty"`
	Framed       bool      `json:"framed"`
	InBurst      bool      `json:"in_burst"`
	Records      int       `json:"records"`
	Phase        string    `json:"phase"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Overview is served by /api/overview.
type Overview struct {
	TotalReadings   int     `json:"total_readings"`
	TotalNodes      int     `json:"total_nodes"`
	ActiveNodes     int     `json:"active_nodes"`
	Sessions        int     `json:"sessions"`
	Capacity        int     `json:"capacity"`
	AvgTemp         float64 `json:"avg_temperature"`
	AvgHum          float64 `json:"avg_humidity"`
	TransferActive  bool    `json:"transfer_active"`
	TransfersStored int     `json:"transfers_stored"`
	Unrecognized    int     `json:"unrecognized"`
}

// Health is served by /api/health.
type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Sessions      int     `json:"sessions"`
}
