// Package progress reads and writes the JSON progress record shared with
// worker processes.
//
// The file is written by exactly one external process and polled by one
// reader without any locking. A read returns the last complete write; an
// absent, empty or half written file is reported as "no update yet".
package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// Snapshot is the union of the records written by processing and removal
// workers.
type Snapshot struct {
	TotalLines      uint64   `json:"total_lines,omitempty"`
	LinesParsed     uint64   `json:"lines_parsed,omitempty"`
	EntriesSaved    uint64   `json:"entries_saved,omitempty"`
	FilesProcessed  uint64   `json:"files_processed,omitempty"`
	LinesProcessed  uint64   `json:"lines_processed,omitempty"`
	LinesRemoved    uint64   `json:"lines_removed,omitempty"`
	PercentComplete float64  `json:"percent_complete"`
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	Timestamp       string   `json:"timestamp,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	Datasource      string   `json:"datasource_name,omitempty"`
}

// wire accepts both key styles. Reset and cache workers write camelCase.
type wire struct {
	TotalLines      *uint64  `json:"total_lines"`
	LinesParsed     *uint64  `json:"lines_parsed"`
	EntriesSaved    *uint64  `json:"entries_saved"`
	FilesProcessed  *uint64  `json:"files_processed"`
	LinesProcessed  *uint64  `json:"lines_processed"`
	LinesRemoved    *uint64  `json:"lines_removed"`
	PercentComplete *float64 `json:"percent_complete"`
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	Timestamp       string   `json:"timestamp"`
	Warnings        []string `json:"warnings"`
	Errors          []string `json:"errors"`
	Datasource      string   `json:"datasource_name"`

	PercentCompleteCamel *float64 `json:"percentComplete"`
	FilesProcessedCamel  *uint64  `json:"filesProcessed"`
	FilesDeletedCamel    *uint64  `json:"filesDeleted"`
	TotalLinesCamel      *uint64  `json:"totalLines"`
	LinesProcessedCamel  *uint64  `json:"linesProcessed"`
	LinesRemovedCamel    *uint64  `json:"linesRemoved"`
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = Snapshot{
		TotalLines:      first(w.TotalLines, w.TotalLinesCamel),
		LinesParsed:     first(w.LinesParsed),
		EntriesSaved:    first(w.EntriesSaved),
		FilesProcessed:  first(w.FilesProcessed, w.FilesProcessedCamel, w.FilesDeletedCamel),
		LinesProcessed:  first(w.LinesProcessed, w.LinesProcessedCamel),
		LinesRemoved:    first(w.LinesRemoved, w.LinesRemovedCamel),
		PercentComplete: clamp(first(w.PercentComplete, w.PercentCompleteCamel)),
		Status:          w.Status,
		Message:         w.Message,
		Timestamp:       w.Timestamp,
		Warnings:        w.Warnings,
		Errors:          w.Errors,
		Datasource:      w.Datasource,
	}
	return nil
}

func first[T any](ps ...*T) T {
	for _, p := range ps {
		if p != nil {
			return *p
		}
	}
	var zero T
	return zero
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Equal reports whether two snapshots carry the same state. Timestamp is
// ignored, a rewrite of identical counters is not news.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.TotalLines == o.TotalLines &&
		s.LinesParsed == o.LinesParsed &&
		s.EntriesSaved == o.EntriesSaved &&
		s.FilesProcessed == o.FilesProcessed &&
		s.LinesProcessed == o.LinesProcessed &&
		s.LinesRemoved == o.LinesRemoved &&
		s.PercentComplete == o.PercentComplete &&
		s.Status == o.Status &&
		s.Message == o.Message &&
		s.Datasource == o.Datasource &&
		slices.Equal(s.Warnings, o.Warnings) &&
		slices.Equal(s.Errors, o.Errors)
}

// Counters returns the non-zero counters keyed by their wire name.
func (s Snapshot) Counters() map[string]uint64 {
	ret := make(map[string]uint64)
	add := func(k string, v uint64) {
		if v != 0 {
			ret[k] = v
		}
	}
	add("total_lines", s.TotalLines)
	add("lines_parsed", s.LinesParsed)
	add("entries_saved", s.EntriesSaved)
	add("files_processed", s.FilesProcessed)
	add("lines_processed", s.LinesProcessed)
	add("lines_removed", s.LinesRemoved)
	return ret
}

type Channel interface {
	// Read returns the current snapshot and false when there is nothing usable.
	Read() (Snapshot, bool)
}

type File struct {
	Path string
}

func NewFile(path string) File {
	return File{Path: path}
}

func (f File) Read() (Snapshot, bool) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return Snapshot{}, false
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Snapshot{}, false
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, false
	}
	return s, true
}

// Write replaces the file atomically through a temporary file in the same
// directory.
func (f File) Write(s Snapshot) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temporary progress file: %w", err)
	}
	_, err = tmp.Write(b)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing progress file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replacing progress file: %w", err)
	}
	return nil
}

// Remove deletes a stale record before a new run. A missing file is fine.
func (f File) Remove() error {
	err := os.Remove(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
