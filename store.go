package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Approve/Reject/Remove when the candidate key is
// unknown (already resolved, swept, or never registered).
var ErrNotFound = errors.New("candidate not found")

// StoreStats is a point-in-time snapshot of store contents for logging.
type StoreStats struct {
	Pending   int
	Approved  int
	Rejected  int
	Processed int
}

func (s StoreStats) String() string {
	return fmt.Sprintf("pending=%d approved=%d rejected=%d processed=%d",
		s.Pending, s.Approved, s.Rejected, s.Processed)
}

// FeedbackStore is the authoritative record of candidate lifecycle state and
// the processed-message dedup set. Every mutating operation persists before
// returning so a restart recovers the last-acknowledged state.
type FeedbackStore interface {
	Register(candidate FeedbackCandidate) error
	Get(key string) (FeedbackCandidate, bool)
	Approve(key string, overrides FieldOverrides) (FeedbackCandidate, error)
	Reject(key string) (FeedbackCandidate, error)
	Remove(key string) error
	ListApproved() []FeedbackCandidate
	MarkProcessed(messageTS string) error
	IsProcessed(messageTS string) bool
	Sweep(maxAge time.Duration) int
	Stats() StoreStats
	Close() error
}

// snapshot is the persisted layout: candidates bucketed by state so the file
// stays human-inspectable, plus the dedup set.
type snapshot struct {
	Pending   map[string]FeedbackCandidate `json:"pending"`
	Approved  map[string]FeedbackCandidate `json:"approved"`
	Rejected  map[string]FeedbackCandidate `json:"rejected"`
	Processed []string                     `json:"processed_messages"`
	LastSaved time.Time                    `json:"last_saved"`
}

// FileStore keeps everything in memory and rewrites a single JSON snapshot
// on every mutation. Write amplification is fine at human-approval volume.
type FileStore struct {
	mu         sync.Mutex
	path       string
	candidates map[string]FeedbackCandidate
	processed  map[string]bool
	now        func() time.Time
}

func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:       path,
		candidates: make(map[string]FeedbackCandidate),
		processed:  make(map[string]bool),
		now:        time.Now,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing store snapshot %s: %w", path, err)
	}
	for _, bucket := range []map[string]FeedbackCandidate{snap.Pending, snap.Approved, snap.Rejected} {
		for key, c := range bucket {
			if c.Key == "" {
				c.Key = key
			}
			s.candidates[key] = c
		}
	}
	for _, ts := range snap.Processed {
		s.processed[ts] = true
	}
	log.Printf("store loaded path=%s %s", path, s.statsLocked())
	return s, nil
}

// persistLocked rewrites the snapshot atomically (temp file + rename).
// Callers must hold s.mu. A write failure is logged loudly and returned:
// in-memory state remains authoritative for the running process, but the
// change will not survive a restart.
func (s *FileStore) persistLocked() error {
	snap := snapshot{
		Pending:   map[string]FeedbackCandidate{},
		Approved:  map[string]FeedbackCandidate{},
		Rejected:  map[string]FeedbackCandidate{},
		LastSaved: s.now(),
	}
	for key, c := range s.candidates {
		switch c.State {
		case StateApproved:
			snap.Approved[key] = c
		case StateRejected:
			snap.Rejected[key] = c
		default:
			snap.Pending[key] = c
		}
	}
	for ts := range s.processed {
		snap.Processed = append(snap.Processed, ts)
	}
	sort.Strings(snap.Processed)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Printf("store persist marshal error (state NOT durable): %v", err)
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Printf("store persist write error path=%s (state NOT durable): %v", tmp, err)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		log.Printf("store persist rename error path=%s (state NOT durable): %v", s.path, err)
		return err
	}
	return nil
}

func (s *FileStore) Register(candidate FeedbackCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate.State = StatePending
	candidate.CreatedAt = s.now()
	s.candidates[candidate.Key] = candidate
	return s.persistLocked()
}

func (s *FileStore) Get(key string) (FeedbackCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[key]
	return c, ok
}

func (s *FileStore) Approve(key string, overrides FieldOverrides) (FeedbackCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[key]
	if !ok {
		return FeedbackCandidate{}, ErrNotFound
	}
	applyOverrides(&c, overrides)
	c.State = StateApproved
	c.ApprovedAt = s.now()
	s.candidates[key] = c
	return c, s.persistLocked()
}

func (s *FileStore) Reject(key string) (FeedbackCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[key]
	if !ok {
		return FeedbackCandidate{}, ErrNotFound
	}
	c.State = StateRejected
	c.RejectedAt = s.now()
	s.candidates[key] = c
	return c, s.persistLocked()
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.candidates[key]; !ok {
		return ErrNotFound
	}
	delete(s.candidates, key)
	return s.persistLocked()
}

func (s *FileStore) ListApproved() []FeedbackCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []FeedbackCandidate
	for _, c := range s.candidates {
		if c.State == StateApproved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *FileStore) MarkProcessed(messageTS string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processed[messageTS] {
		return nil
	}
	s.processed[messageTS] = true
	return s.persistLocked()
}

func (s *FileStore) IsProcessed(messageTS string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[messageTS]
}

func (s *FileStore) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for key, c := range s.candidates {
		if c.CreatedAt.Before(cutoff) {
			delete(s.candidates, key)
			removed++
		}
	}
	if removed > 0 {
		if err := s.persistLocked(); err != nil {
			log.Printf("store sweep persist error: %v", err)
		}
	}
	return removed
}

func (s *FileStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *FileStore) statsLocked() StoreStats {
	stats := StoreStats{Processed: len(s.processed)}
	for _, c := range s.candidates {
		switch c.State {
		case StateApproved:
			stats.Approved++
		case StateRejected:
			stats.Rejected++
		default:
			stats.Pending++
		}
	}
	return stats
}

func (s *FileStore) Close() error { return nil }

func applyOverrides(c *FeedbackCandidate, o FieldOverrides) {
	if v := o.Title; v != "" {
		c.Title = v
	}
	if v := o.Description; v != "" {
		c.Description = v
	}
	if v := o.Priority; v != "" {
		c.Priority = normalizePriority(v)
	}
	if v := o.Category; v != "" {
		c.Category = normalizeCategory(v)
	}
	if v := o.DueDate; v != "" {
		c.DueDate = v
	}
}

// OpenStore picks the configured backend.
func OpenStore(cfg Config) (FeedbackStore, error) {
	if cfg.StoreBackend == "sqlite" {
		return OpenSQLiteStore(cfg.StorePath)
	}
	if dir := filepath.Dir(cfg.StorePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	return OpenFileStore(cfg.StorePath)
}
