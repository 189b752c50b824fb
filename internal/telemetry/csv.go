package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"sensorfabric/internal/model"
)

var csvHeader = []string{
	"received_at",
	"node_id",
	"payload",
	"temperature",
	"humidity",
	"soil",
	"water",
}

// CSVStore keeps one append-only CSV file per node under dir.
type CSVStore struct {
	mu  sync.RWMutex
	dir string
}

// NewCSVStore creates dir if needed.
func NewCSVStore(dir string) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	return &CSVStore{dir: dir}, nil
}

// Path returns the file backing nodeID.
func (s *CSVStore) Path(nodeID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("node_%d.csv", nodeID))
}

// Append writes rec to its node's file, adding the header to a new file.
func (s *CSVStore) Append(rec model.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path(rec.NodeID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := writer.Write(encodeRow(rec)); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// Records loads nodeID's file. A node with no file has no records.
func (s *CSVStore) Records(nodeID int) ([]model.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, err := ReadCSV(s.Path(nodeID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return items, err
}

// All merges every node file.
func (s *CSVStore) All() ([]model.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "node_*.csv"))
	if err != nil {
		return nil, err
	}
	var out []model.TelemetryRecord
	for _, p := range paths {
		items, err := ReadCSV(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, items...)
	}
	sortByTime(out)
	return out, nil
}

func (s *CSVStore) Close() error { return nil }

// WriteCSV writes records to w with the store's column order.
func WriteCSV(w io.Writer, items []model.TelemetryRecord) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range items {
		if err := writer.Write(encodeRow(rec)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadCSV loads records from a CSV file.
func ReadCSV(path string) ([]model.TelemetryRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.TelemetryRecord, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == csvHeader[0] {
		start = 1
	}

	items := make([]model.TelemetryRecord, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(csvHeader) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		nodeID, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("invalid node id at line %d: %w", i+1, err)
		}
		item := model.TelemetryRecord{NodeID: nodeID, Payload: rec[2], ReceivedAt: ts}
		if rec[3] != "" && rec[4] != "" {
			temp, _ := strconv.ParseFloat(rec[3], 64)
			hum, _ := strconv.ParseFloat(rec[4], 64)
			item.Reading = &model.Reading{
				Temperature: temp,
				Humidity:    hum,
				Soil:        parseOptional(rec[5]),
				Water:       parseOptional(rec[6]),
			}
		}
		items = append(items, item)
	}

	return items, nil
}

func encodeRow(rec model.TelemetryRecord) []string {
	row := []string{
		rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(rec.NodeID),
		strings.ToValidUTF8(rec.Payload, "?"),
		"", "", "", "",
	}
	if r := rec.Reading; r != nil {
		row[3] = strconv.FormatFloat(r.Temperature, 'f', 2, 64)
		row[4] = strconv.FormatFloat(r.Humidity, 'f', 2, 64)
		row[5] = formatOptional(r.Soil)
		row[6] = formatOptional(r.Water)
	}
	return row
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func parseOptional(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
