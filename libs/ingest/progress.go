package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meanrevert-research/libs/store"
)

// ProgressStore persists a map of symbol -> store.ProgressState as a
// single JSON file, written atomically (temp file + rename) so a crash
// mid-write never corrupts the previous good state. Grounded on the
// teacher's dataset.Registry catalog persistence idiom.
type ProgressStore struct {
	mu   sync.Mutex
	path string
	data map[string]store.ProgressState
}

// OpenProgressStore loads (or creates) a ProgressStore backed by path.
// A missing or corrupt file is treated as empty.
func OpenProgressStore(path string) (*ProgressStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ingest: mkdir for progress store: %w", err)
	}
	p := &ProgressStore{path: path, data: make(map[string]store.ProgressState)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read progress file %q: %w", path, err)
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		// Corrupt files are treated as empty.
		p.data = make(map[string]store.ProgressState)
	}
	return p, nil
}

// Get returns the persisted progress for symbol, or the zero value if
// none exists yet.
func (p *ProgressStore) Get(symbol string) store.ProgressState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data[symbol]
}

// Update persists state for symbol, replacing any prior record, and
// flushes to disk atomically before returning.
func (p *ProgressStore) Update(symbol string, state store.ProgressState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[symbol] = state
	return p.save()
}

func (p *ProgressStore) save() error {
	tmp := p.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("ingest: create progress tmp: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p.data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("ingest: encode progress: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ingest: close progress tmp: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ingest: rename progress file: %w", err)
	}
	return nil
}

// ResumeStart returns the effective start time for symbol: the later of
// requestedStart and the last completed time on record, used when
// --resume is requested.
func (p *ProgressStore) ResumeStart(symbol string, requestedStart time.Time) time.Time {
	state := p.Get(symbol)
	if state.LastCompletedTime.After(requestedStart) {
		return state.LastCompletedTime
	}
	return requestedStart
}
