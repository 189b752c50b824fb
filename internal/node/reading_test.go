package node

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sensorfabric/internal/model"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	r, err := ParseLine("TEMP:21.5,HUM:40.2\r\n")
	if err != nil || r.Temperature != 21.5 || r.Humidity != 40.2 || r.Soil != nil {
		t.Fatalf("r=%+v err=%v", r, err)
	}
	r, err = ParseLine("TEMP:19,HUM:55,SOIL:310,WATER:2")
	if err != nil || r.Soil == nil || *r.Soil != 310 || r.Water == nil || *r.Water != 2 {
		t.Fatalf("r=%+v err=%v", r, err)
	}
	for _, bad := range []string{"", "TEMP:abc,HUM:1", "HUM:40", "hello"} {
		if _, err := ParseLine(bad); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: err=%v", bad, err)
		}
	}
}

func TestReadingValid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		r    model.Reading
		want bool
	}{
		{model.Reading{Temperature: 21, Humidity: 40}, true},
		{model.Reading{Temperature: -40, Humidity: 0}, true},
		{model.Reading{Temperature: 80, Humidity: 100}, true},
		{model.Reading{Temperature: 85, Humidity: 40}, false},
		{model.Reading{Temperature: 20, Humidity: 101}, false},
		{model.Reading{Temperature: 20, Humidity: -1}, false},
	}
	for _, tc := range cases {
		if got := tc.r.Valid(); got != tc.want {
			t.Fatalf("%+v: valid=%v", tc.r, got)
		}
	}
}

func TestFormatPayload_ParsesBack(t *testing.T) {
	t.Parallel()

	soil := 12.0
	in := model.Reading{Temperature: 21.456, Humidity: 40, Soil: &soil}
	payload := FormatPayload(in)
	if payload != "TEMP=21.46 HUM=40.00 SOIL=12.00" {
		t.Fatalf("payload=%q", payload)
	}
	if _, err := ParseLine(payload); err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
}

func TestShouldSend(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	th := Thresholds{Temp: 0.5, Hum: 2}
	last := &Sent{Reading: model.Reading{Temperature: 20, Humidity: 50}, At: now.Add(-time.Minute)}

	cases := []struct {
		name string
		r    model.Reading
		last *Sent
		now  time.Time
		want bool
	}{
		{"first reading", model.Reading{Temperature: 20, Humidity: 50}, nil, now, true},
		{"no change", model.Reading{Temperature: 20.2, Humidity: 51}, last, now, false},
		{"temp moved", model.Reading{Temperature: 20.5, Humidity: 50}, last, now, true},
		{"hum moved", model.Reading{Temperature: 20, Humidity: 47.9}, last, now, true},
		{"interval elapsed", model.Reading{Temperature: 20, Humidity: 50}, last, now.Add(time.Minute), true},
	}
	for _, tc := range cases {
		if got := ShouldSend(tc.r, tc.last, 2*time.Minute, th, tc.now); got != tc.want {
			t.Fatalf("%s: got=%v", tc.name, got)
		}
	}
}

func TestFileSampler_NewestParsableLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "serial.log")
	data := "TEMP:20,HUM:40\nboot noise\nTEMP:21,HUM:41\nTEMP:garbage\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r, err := FileSampler{Path: path}.Sample()
	if err != nil || r.Temperature != 21 || r.Humidity != 41 {
		t.Fatalf("r=%+v err=%v", r, err)
	}

	empty := filepath.Join(t.TempDir(), "empty.log")
	_ = os.WriteFile(empty, []byte("noise\n"), 0o644)
	if _, err := (FileSampler{Path: empty}).Sample(); !errors.Is(err, ErrNoReading) {
		t.Fatalf("err=%v", err)
	}
}
