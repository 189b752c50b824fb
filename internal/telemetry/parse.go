package telemetry

import (
	"strconv"
	"strings"

	"sensorfabric/internal/model"
)

// ParsePayload extracts a reading from a DATA payload such as
// "TEMP=21.50 HUM=40.20 SOIL=12 WATER=3". Fields may be separated by spaces
// or commas and use '=' or ':'. ok is false unless both TEMP and HUM parse;
// the payload is still routed in that case, it simply carries no reading.
func ParsePayload(payload string) (model.Reading, bool) {
	var (
		r              model.Reading
		hasTemp, hasHu bool
	)
	fields := strings.FieldsFunc(payload, func(c rune) bool {
		return c == ' ' || c == ',' || c == '\t' || c == '\r' || c == '\n'
	})
	for _, f := range fields {
		key, val, found := strings.Cut(f, "=")
		if !found {
			key, val, found = strings.Cut(f, ":")
		}
		if !found {
			continue
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		switch strings.ToUpper(key) {
		case "TEMP":
			r.Temperature, hasTemp = v, true
		case "HUM":
			r.Humidity, hasHu = v, true
		case "SOIL":
			r.Soil = &v
		case "WATER":
			r.Water = &v
		}
	}
	return r, hasTemp && hasHu
}
