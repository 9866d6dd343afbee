// Package sample stores the append-only activity log, one delimited text
// file per user: timestamp, label, rate-at-capture.
package sample

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// PlaceholderLabel is the reserved label written for prompts that were never
// answered. The activity grammar only admits lowercase words, so the
// brackets guarantee a placeholder can never collide with a real answer.
const PlaceholderLabel = "[missed]"

// Record is one observation: what the user was doing, when, and the sampling
// rate in effect at capture time.
type Record struct {
	Timestamp time.Time
	Label     string
	Rate      float64
}

// Row is a record tagged with its absolute 1-based position in the log.
type Row struct {
	Pos int
	Record
}

// Log manages all per-user sample files under one directory.
type Log struct {
	dir string
	mu  sync.Mutex
}

// NewLog creates the samples directory if needed.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sample: ensure dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

func (l *Log) userPath(userID string) string {
	return filepath.Join(l.dir, userID+".csv")
}

// Append adds one record to the end of the user's log.
func (l *Log) Append(userID string, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.userPath(userID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sample: open log for %s: %w", userID, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(encodeRecord(rec)); err != nil {
		return fmt.Errorf("sample: append for %s: %w", userID, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("sample: append for %s: %w", userID, err)
	}
	return nil
}

// All returns the user's full log in append order. A user with no samples
// yet yields an empty slice.
func (l *Log) All(userID string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAll(userID)
}

// Window returns a bounded view of the log. index is 1-based; when zero the
// last size records are returned. Otherwise the window is centered on index:
// [max(1, index-size/2), start+size), clipped to the record count. Rows carry
// their absolute position.
func (l *Log) Window(userID string, index, size int) ([]Row, error) {
	if size <= 0 {
		return nil, fmt.Errorf("sample: window size must be positive, got %d", size)
	}
	if index < 0 {
		return nil, fmt.Errorf("sample: window index must be positive, got %d", index)
	}

	recs, err := l.All(userID)
	if err != nil {
		return nil, err
	}
	n := len(recs)
	if n == 0 {
		return nil, nil
	}

	var start int // 1-based, inclusive
	if index == 0 {
		start = n - size + 1
		if start < 1 {
			start = 1
		}
	} else {
		start = index - size/2
		if start < 1 {
			start = 1
		}
	}
	end := start + size // exclusive
	if end > n+1 {
		end = n + 1
	}

	rows := make([]Row, 0, end-start)
	for pos := start; pos < end; pos++ {
		rows = append(rows, Row{Pos: pos, Record: recs[pos-1]})
	}
	return rows, nil
}

// RewriteLabel replaces the label of every record whose 1-based position
// falls in [from, to], rewriting the log atomically: the original file is
// untouched unless the full replacement is durably in place.
func (l *Log) RewriteLabel(userID string, from, to int, label string) error {
	if from < 1 || to < from {
		return fmt.Errorf("sample: invalid position range %d-%d", from, to)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.readAll(userID)
	if err != nil {
		return err
	}
	if to > len(recs) {
		return fmt.Errorf("sample: position %d out of range (log has %d records)", to, len(recs))
	}
	for i := from - 1; i < to; i++ {
		recs[i].Label = label
	}

	tmp, err := os.CreateTemp(l.dir, ".rewrite-*.csv")
	if err != nil {
		return fmt.Errorf("sample: rewrite for %s: %w", userID, err)
	}
	tmpName := tmp.Name()
	w := csv.NewWriter(tmp)
	for _, rec := range recs {
		if err := w.Write(encodeRecord(rec)); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("sample: rewrite for %s: %w", userID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sample: rewrite for %s: %w", userID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("sample: rewrite for %s: %w", userID, err)
	}
	if err := os.Rename(tmpName, l.userPath(userID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("sample: rewrite for %s: %w", userID, err)
	}
	return nil
}

// Export returns the raw log file bytes for upload. A user with no samples
// yields an empty slice.
func (l *Log) Export(userID string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.userPath(userID))
	if errors.Is(err, os.ErrNotExist) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sample: export for %s: %w", userID, err)
	}
	return data, nil
}

// LabelCount is one row of a summary: a label and how often it was recorded.
type LabelCount struct {
	Label string
	Count int
}

// Summary returns per-label counts sorted by descending count (ties by
// label) plus the total number of samples.
func (l *Log) Summary(userID string) ([]LabelCount, int, error) {
	recs, err := l.All(userID)
	if err != nil {
		return nil, 0, err
	}

	byLabel := make(map[string]int)
	for _, rec := range recs {
		byLabel[rec.Label]++
	}
	counts := make([]LabelCount, 0, len(byLabel))
	for label, count := range byLabel {
		counts = append(counts, LabelCount{Label: label, Count: count})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Label < counts[j].Label
	})
	return counts, len(recs), nil
}

// readAll parses the user's CSV file. Callers hold the mutex.
func (l *Log) readAll(userID string) ([]Record, error) {
	f, err := os.Open(l.userPath(userID))
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sample: open log for %s: %w", userID, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 3
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("sample: parse log for %s: %w", userID, err)
	}

	recs := make([]Record, 0, len(rows))
	for i, row := range rows {
		rec, err := decodeRecord(row)
		if err != nil {
			return nil, fmt.Errorf("sample: log for %s, line %d: %w", userID, i+1, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func encodeRecord(rec Record) []string {
	return []string{
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Label,
		strconv.FormatFloat(rec.Rate, 'g', -1, 64),
	}
}

func decodeRecord(row []string) (Record, error) {
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return Record{}, fmt.Errorf("bad timestamp %q: %w", row[0], err)
	}
	rate, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return Record{}, fmt.Errorf("bad rate %q: %w", row[2], err)
	}
	return Record{Timestamp: ts, Label: row[1], Rate: rate}, nil
}
