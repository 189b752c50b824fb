package model

import (
	"net/netip"
	"time"
)

// UnknownNodeID is the bucket for telemetry whose sender has no declared node id.
const UnknownNodeID = 0

// Session represents one logical peer known to the collector.
type Session struct {
	Endpoint     netip.AddrPort
	NodeID       int
	HasNodeID    bool
	Active       bool
	Framed       bool
	InBurst      bool
	Records      int
	RegisteredAt time.Time
	LastSeen     time.Time
}

// Reading is one parsed sensor sample. Soil and Water are optional.
type Reading struct {
	Temperature float64
	Humidity    float64
	Soil        *float64
	Water       *float64
}

// Plausible sensor ranges. Readings outside them are sensor faults.
const (
	MinTemperature, MaxTemperature = -40.0, 80.0
	MinHumidity, MaxHumidity       = 0.0, 100.0
)

// Valid reports whether r is within the sensor's physical range.
func (r Reading) Valid() bool {
	return r.Temperature >= MinTemperature && r.Temperature <= MaxTemperature &&
		r.Humidity >= MinHumidity && r.Humidity <= MaxHumidity
}

// TelemetryRecord is one reported reading attributed to a node.
type TelemetryRecord struct {
	NodeID     int
	Payload    string
	ReceivedAt time.Time
	Reading    *Reading
}

// Event is a dashboard-visible occurrence (registration or unrecognized command).
type Event struct {
	Time     time.Time
	NodeID   int
	Endpoint string
	Kind     string
	Message  string
}

// TransferSummary describes a completed or abandoned file transfer.
type TransferSummary struct {
	ID         string
	NodeID     int
	Endpoint   string
	Name       string
	Bytes      int64
	Chunks     int
	Digest     string
	Result     string
	StartedAt  time.Time
	FinishedAt time.Time
}
