// Package node is the agent that runs next to a sensor: it samples
// readings, reports them to the collector in bursts, keeps its session
// alive with heartbeats and can upload files through the transfer slot.
package node

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"sensorfabric/internal/model"
	"sensorfabric/internal/telemetry"
)

// ErrMalformed is returned for a sensor line without both TEMP and HUM.
var ErrMalformed = errors.New("node: malformed sensor line")

// ParseLine parses one line from the sensor, e.g. "TEMP:21.5,HUM:40.2"
// with optional SOIL and WATER fields. The "TEMP=21.50 HUM=40.20" form
// written by peers sharing a sample file is accepted too.
func ParseLine(line string) (model.Reading, error) {
	line = strings.TrimSpace(line)
	r, ok := telemetry.ParsePayload(line)
	if !ok {
		return model.Reading{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	return r, nil
}

// FormatPayload renders r as a DATA payload.
func FormatPayload(r model.Reading) string {
	var b strings.Builder
	b.WriteString("TEMP=")
	b.WriteString(strconv.FormatFloat(r.Temperature, 'f', 2, 64))
	b.WriteString(" HUM=")
	b.WriteString(strconv.FormatFloat(r.Humidity, 'f', 2, 64))
	if r.Soil != nil {
		b.WriteString(" SOIL=")
		b.WriteString(strconv.FormatFloat(*r.Soil, 'f', 2, 64))
	}
	if r.Water != nil {
		b.WriteString(" WATER=")
		b.WriteString(strconv.FormatFloat(*r.Water, 'f', 2, 64))
	}
	return b.String()
}

// Thresholds is the change that forces a report before the interval.
type Thresholds struct {
	Temp float64
	Hum  float64
}

// Sent records the last reading reported.
type Sent struct {
	Reading model.Reading
	At      time.Time
}

// ShouldSend reports whether candidate is worth sending: nothing was sent
// yet, interval has elapsed, or temperature or humidity moved by at least
// its threshold.
func ShouldSend(candidate model.Reading, last *Sent, interval time.Duration, th Thresholds, now time.Time) bool {
	if last == nil {
		return true
	}
	if now.Sub(last.At) >= interval {
		return true
	}
	if math.Abs(candidate.Temperature-last.Reading.Temperature) >= th.Temp {
		return true
	}
	return math.Abs(candidate.Humidity-last.Reading.Humidity) >= th.Hum
}
