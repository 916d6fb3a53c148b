package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Recording is a finished recording opened for reading.
type Recording struct {
	Dir    string
	Header Header
}

// Open reads header.json of the recording in dir.
func Open(dir string) (*Recording, error) {
	data, err := os.ReadFile(filepath.Join(dir, HeaderFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	return &Recording{Dir: dir, Header: h}, nil
}

// Blocks decodes data.bin.
func (r *Recording) Blocks() ([]Block, error) {
	f, err := os.Open(filepath.Join(r.Dir, DataFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Block
	err = readRecords(f, func(msg []byte) error {
		b, err := decodeBlock(msg)
		if err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

// Events decodes events.bin.
func (r *Recording) Events() ([]Event, error) {
	f, err := os.Open(filepath.Join(r.Dir, EventsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Event
	err = readRecords(f, func(msg []byte) error {
		e, err := decodeEvent(msg)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// List returns the headers of all recordings below base, oldest first.
// Directories without a readable header are skipped.
func List(base string) ([]Header, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Header
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := Open(filepath.Join(base, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, rec.Header)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
