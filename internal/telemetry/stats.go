package telemetry

import (
	"math"
	"sort"
	"time"

	"sensorfabric/internal/model"
)

// Summary is a basic statistics snapshot over parsed readings.
type Summary struct {
	Count   int
	Parsed  int
	From    time.Time
	To      time.Time
	AvgTemp float64
	MinTemp float64
	MaxTemp float64
	P95Temp float64
	AvgHum  float64
	MinHum  float64
	MaxHum  float64
}

// Summarize computes summary statistics for items received at or after since.
// Records without a parsed reading count towards Count only.
func Summarize(items []model.TelemetryRecord, since time.Time) Summary {
	filtered := make([]model.TelemetryRecord, 0, len(items))
	for _, rec := range items {
		if !rec.ReceivedAt.Before(since) {
			filtered = append(filtered, rec)
		}
	}
	if len(filtered) == 0 {
		return Summary{}
	}

	s := Summary{
		Count:   len(filtered),
		From:    filtered[0].ReceivedAt,
		To:      filtered[0].ReceivedAt,
		MinTemp: math.MaxFloat64,
		MaxTemp: -math.MaxFloat64,
		MinHum:  math.MaxFloat64,
		MaxHum:  -math.MaxFloat64,
	}
	temps := make([]float64, 0, len(filtered))
	var sumTemp, sumHum float64
	for _, rec := range filtered {
		if rec.ReceivedAt.Before(s.From) {
			s.From = rec.ReceivedAt
		}
		if rec.ReceivedAt.After(s.To) {
			s.To = rec.ReceivedAt
		}
		r := rec.Reading
		if r == nil {
			continue
		}
		temps = append(temps, r.Temperature)
		sumTemp += r.Temperature
		sumHum += r.Humidity
		s.MinTemp = math.Min(s.MinTemp, r.Temperature)
		s.MaxTemp = math.Max(s.MaxTemp, r.Temperature)
		s.MinHum = math.Min(s.MinHum, r.Humidity)
		s.MaxHum = math.Max(s.MaxHum, r.Humidity)
	}

	s.Parsed = len(temps)
	if s.Parsed == 0 {
		s.MinTemp, s.MaxTemp, s.MinHum, s.MaxHum = 0, 0, 0, 0
		return s
	}
	sort.Float64s(temps)
	n := float64(s.Parsed)
	s.AvgTemp = sumTemp / n
	s.AvgHum = sumHum / n
	s.P95Temp = percentile(temps, 0.95)
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

// Latest returns up to limit records, newest first.
func Latest(items []model.TelemetryRecord, limit int) []model.TelemetryRecord {
	out := make([]model.TelemetryRecord, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
