package waypoint

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store owns the mapping from waypoint id to record.
//
// All mutations run inside one writer critical section, including the
// repository write, so ids and persisted rows never diverge. Reads return
// copies. Subscribers are notified after the lock is released.
type Store struct {
	repo Repository

	mu      sync.Mutex
	records map[uint16]Record
	nextID  uint32 // uint32 so the counter can step past 65535 and report exhaustion

	subsMu sync.RWMutex
	subs   []func(Change)

	logger Logger
	now    func() time.Time
}

// NewStore creates a store. repo may be nil for a memory-only store.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:    repo,
		records: make(map[uint16]Record),
		nextID:  uint32(FirstID),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Subscribe registers fn to receive every Change. fn runs on the mutating
// goroutine and must not call back into Add or Update synchronously.
func (s *Store) Subscribe(fn func(Change)) {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
}

// Load replaces the in-memory contents with the repository rows and moves
// the id counter past the highest persisted id.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	rows, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading waypoints: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[uint16]Record, len(rows))
	s.nextID = uint32(FirstID)
	for _, r := range rows {
		s.records[r.ID] = r
		if uint32(r.ID) >= s.nextID {
			s.nextID = uint32(r.ID) + 1
		}
	}

	s.logger.Info("waypoints loaded", "count", len(rows), "next_id", s.nextID)
	return nil
}

// Add stores a new waypoint and returns the id assigned by the store counter.
//
// explicitID is the id a caller believes the waypoint should have; 0 means
// none. If a record with explicitID already exists the call is rejected with
// ErrWaypointExists and nothing changes. Otherwise explicitID is ignored and
// the counter assigns the id, so ids stay unique and strictly increasing.
//
// Parameters:
//   - ctx: Context for the repository write
//   - explicitID: Caller-supplied id checked for collision, or 0
//   - name, lat, lon: Waypoint fields; coordinates are rounded to 1e-7 degrees
//
// Returns:
//   - uint16: Assigned id
//   - error: ErrWaypointExists, ErrInvalidCoordinates, ErrInvalidName,
//     ErrIDSpaceExhausted, or a repository error
func (s *Store) Add(ctx context.Context, explicitID uint16, name string, lat, lon float64) (uint16, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		return 0, err
	}
	lat, lon = Quantize(lat), Quantize(lon)

	s.mu.Lock()
	if explicitID != 0 {
		if _, exists := s.records[explicitID]; exists {
			s.mu.Unlock()
			s.logger.Warn("waypoint id already exists, use update", "id", explicitID, "name", name)
			return 0, fmt.Errorf("%w: id %d", ErrWaypointExists, explicitID)
		}
	}
	if s.nextID > math.MaxUint16 {
		s.mu.Unlock()
		return 0, ErrIDSpaceExhausted
	}

	rec := Record{
		ID:        uint16(s.nextID),
		Name:      name,
		Latitude:  lat,
		Longitude: lon,
		UpdatedAt: s.now().UTC(),
	}
	if s.repo != nil {
		if err := s.repo.Create(ctx, rec); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("persisting waypoint: %w", err)
		}
	}
	s.records[rec.ID] = rec
	s.nextID++
	s.mu.Unlock()

	s.logger.Info("waypoint added", "id", rec.ID, "name", rec.Name, "lat", rec.Latitude, "lon", rec.Longitude)
	s.notify(Change{Kind: ChangeAdded, Record: rec})
	return rec.ID, nil
}

// Update rewrites the waypoint with the given id.
//
// Returns NotFound (nil error) for an unknown id, NoOp when nothing
// observable would change, and Changed after a successful rewrite. Only
// Changed emits a notification.
func (s *Store) Update(ctx context.Context, id uint16, name string, lat, lon float64) (UpdateResult, error) {
	if err := ValidateName(name); err != nil {
		return NoOp, err
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		return NoOp, err
	}
	lat, lon = Quantize(lat), Quantize(lon)

	s.mu.Lock()
	current, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return NotFound, nil
	}
	if current.sameFields(name, lat, lon) {
		s.mu.Unlock()
		return NoOp, nil
	}

	rec := Record{
		ID:        id,
		Name:      name,
		Latitude:  lat,
		Longitude: lon,
		UpdatedAt: s.now().UTC(),
	}
	if s.repo != nil {
		if err := s.repo.Update(ctx, rec); err != nil {
			s.mu.Unlock()
			return NoOp, fmt.Errorf("persisting waypoint: %w", err)
		}
	}
	s.records[id] = rec
	s.mu.Unlock()

	s.logger.Info("waypoint updated", "id", id, "name", name, "lat", lat, "lon", lon)
	s.notify(Change{Kind: ChangeUpdated, Record: rec})
	return Changed, nil
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id uint16) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: id %d", ErrWaypointNotFound, id)
	}
	return rec, nil
}

// FindByName returns the lowest-id record with the given name.
func (s *Store) FindByName(name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found Record
	ok := false
	for _, r := range s.records {
		if r.Name == name && (!ok || r.ID < found.ID) {
			found, ok = r, true
		}
	}
	return found, ok
}

// List returns a consistent snapshot of all records ordered by id.
func (s *Store) List() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// NextID returns the id the next Add will assign.
func (s *Store) NextID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

func (s *Store) notify(c Change) {
	s.subsMu.RLock()
	subs := make([]func(Change), len(s.subs))
	copy(subs, s.subs)
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(c)
	}
}
