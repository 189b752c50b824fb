package node

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"sensorfabric/internal/model"
)

// ErrNoReading is returned when the sample source holds no parsable line.
var ErrNoReading = errors.New("node: no reading available")

// Sampler yields the current sensor reading.
type Sampler interface {
	Sample() (model.Reading, error)
}

// FileSampler reads the newest parsable line of a file. The file is either
// a capture of the sensor's serial output or a sample file another node
// keeps overwriting.
type FileSampler struct {
	Path string
}

// Sample implements Sampler.
func (s FileSampler) Sample() (model.Reading, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return model.Reading{}, fmt.Errorf("open sensor source: %w", err)
	}
	defer f.Close()

	var (
		last  model.Reading
		found bool
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if r, err := ParseLine(sc.Text()); err == nil {
			last, found = r, true
		}
	}
	if err := sc.Err(); err != nil {
		return model.Reading{}, fmt.Errorf("read sensor source: %w", err)
	}
	if !found {
		return model.Reading{}, ErrNoReading
	}
	return last, nil
}
