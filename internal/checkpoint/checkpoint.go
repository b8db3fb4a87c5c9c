package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"snapr-harvest/internal/components/chrono"
	"snapr-harvest/internal/components/telemetry"
)

const (
	report_store_save  = "store.save"
	report_store_load  = "store.load"
	report_store_clear = "store.clear"
)

// Checkpoint is the progress of a harvest, CurrentACN is the next identifier
// that has not been fetched yet.
type Checkpoint struct {
	CurrentACN string  `json:"current_acn"`
	OutputPath string  `json:"output_path"`
	Count      int     `json:"count"`
	Timestamp  float64 `json:"timestamp"`
}

// Store is a single-slot checkpoint file, every save replaces the previous one.
//
// Saving never fails from the caller's point of view, a broken save point must not
// abort the harvest it is recording.
type Store struct {
	path  string
	clock chrono.API
	tel   telemetry.API
}

func NewStore(path string, clock chrono.API, tel telemetry.API) Store {
	return Store{
		path:  path,
		clock: clock,
		tel:   telemetry.NewScopedAPI("checkpoint", tel),
	}
}

func (s Store) Path() string {
	return s.path
}

func (s Store) Save(currentAcn, outputPath string, count int) {
	now := s.clock.Now()
	cp := Checkpoint{
		CurrentACN: currentAcn,
		OutputPath: outputPath,
		Count:      count,
		Timestamp:  float64(now.Unix()) + float64(now.Nanosecond())/1e9,
	}

	err := s.write(cp)
	if err != nil {
		s.tel.ReportBroken(report_store_save, err, s.path)
		return
	}
	s.tel.ReportDebug("saved state", s.path, currentAcn, count)
}

func (s Store) write(cp Checkpoint) error {
	serialized, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	err = os.MkdirAll(dir, 0777)
	if err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(serialized)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	err = os.Rename(tmp.Name(), s.path)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Load returns the saved checkpoint, false is returned if there is none or it
// could not be read.
func (s Store) Load() (Checkpoint, bool) {
	contents, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, false
	}
	if err != nil {
		s.tel.ReportWarning(report_store_load, err, s.path)
		return Checkpoint{}, false
	}

	var cp Checkpoint
	err = json.Unmarshal(contents, &cp)
	if err != nil {
		s.tel.ReportWarning(report_store_load, fmt.Errorf("unmarshal: %w", err), s.path)
		return Checkpoint{}, false
	}
	if cp.CurrentACN == "" {
		s.tel.ReportWarning(report_store_load, fmt.Errorf("checkpoint has no current_acn"), s.path)
		return Checkpoint{}, false
	}
	return cp, true
}

// Clear removes the checkpoint, it is not an error if there is none.
func (s Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.tel.ReportWarning(report_store_clear, err, s.path)
		return err
	}
	return nil
}
