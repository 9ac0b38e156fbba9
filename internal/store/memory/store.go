package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/store"
)

const numberPad = 3

// Store keeps all queue state in process memory. It honors the same batch
// atomicity and version rules as the postgres store, which makes it usable
// both as the dev backend and as the fixture for manager tests.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]models.QueueEntry
	facilities map[string]models.Facility
	versions   map[string]int64
	sequences  map[string]int64
	daily      map[string]store.DailyStatistics
}

func NewStore() *Store {
	return &Store{
		entries:    make(map[string]models.QueueEntry),
		facilities: make(map[string]models.Facility),
		versions:   make(map[string]int64),
		sequences:  make(map[string]int64),
		daily:      make(map[string]store.DailyStatistics),
	}
}

// AddFacility registers a facility so enqueue and transfer targets resolve.
func (s *Store) AddFacility(facility models.Facility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facilities[facility.FacilityID] = facility
}

func (s *Store) GetEntry(ctx context.Context, queueNumber string) (models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[queueNumber]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return entry, nil
}

func (s *Store) ActiveEntryForUser(ctx context.Context, userID, facilityID string) (models.QueueEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.entries {
		if entry.UserID == userID && entry.FacilityID == facilityID && entry.Active() {
			return entry, true, nil
		}
	}
	return models.QueueEntry{}, false, nil
}

func (s *Store) ListWaiting(ctx context.Context, facilityID string) ([]models.QueueEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var waiting []models.QueueEntry
	for _, entry := range s.entries {
		if entry.FacilityID == facilityID && entry.Status == models.StatusWaiting {
			waiting = append(waiting, entry)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].Position < waiting[j].Position
	})
	return waiting, s.versions[facilityID], nil
}

func (s *Store) CountWaiting(ctx context.Context, facilityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, entry := range s.entries {
		if entry.Status != models.StatusWaiting {
			continue
		}
		if facilityID == "" || entry.FacilityID == facilityID {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetFacility(ctx context.Context, facilityID string) (models.Facility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	facility, ok := s.facilities[facilityID]
	if !ok {
		return models.Facility{}, store.ErrFacilityNotFound
	}
	return facility, nil
}

func (s *Store) NextQueueNumber(ctx context.Context, facilityID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	facility, ok := s.facilities[facilityID]
	if !ok {
		return "", store.ErrFacilityNotFound
	}
	s.sequences[facilityID]++
	return fmt.Sprintf("%s-%0*d", facility.Code, numberPad, s.sequences[facilityID]), nil
}

func (s *Store) Apply(ctx context.Context, batch store.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching anything so a late failure
	// cannot leave partial renumbering behind.
	for _, f := range batch.Fences {
		if s.versions[f.FacilityID] != f.ExpectedVersion {
			return store.ErrStaleEntry
		}
	}
	for _, w := range batch.Writes {
		current, exists := s.entries[w.Entry.QueueNumber]
		if w.Insert {
			if exists {
				return store.ErrDuplicateActive
			}
			if w.Entry.Active() && s.hasActiveLocked(w.Entry.UserID, w.Entry.FacilityID) {
				return store.ErrDuplicateActive
			}
			continue
		}
		if !exists {
			return store.ErrEntryNotFound
		}
		if current.Version != w.ExpectedVersion {
			return store.ErrStaleEntry
		}
	}

	for _, w := range batch.Writes {
		entry := w.Entry
		if w.Insert {
			entry.Version = 1
		} else {
			entry.Version = w.ExpectedVersion + 1
		}
		s.entries[entry.QueueNumber] = entry
	}
	for _, f := range batch.Fences {
		s.versions[f.FacilityID]++
	}
	return nil
}

func (s *Store) hasActiveLocked(userID, facilityID string) bool {
	for _, entry := range s.entries {
		if entry.UserID == userID && entry.FacilityID == facilityID && entry.Active() {
			return true
		}
	}
	return false
}

func (s *Store) IncrementDaily(ctx context.Context, day, facilityID string, waitSeconds, serviceSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := day + "|" + facilityID
	stats := s.daily[key]
	stats.Day = day
	stats.FacilityID = facilityID
	stats.TotalServed++
	stats.TotalWaitSeconds += waitSeconds
	stats.TotalServiceSeconds += serviceSeconds
	s.daily[key] = stats
	return nil
}

func (s *Store) GetDaily(ctx context.Context, day, facilityID string) (store.DailyStatistics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if facilityID != "" {
		stats, ok := s.daily[day+"|"+facilityID]
		return stats, ok, nil
	}
	total := store.DailyStatistics{Day: day}
	found := false
	for _, stats := range s.daily {
		if stats.Day != day {
			continue
		}
		total.TotalServed += stats.TotalServed
		total.TotalWaitSeconds += stats.TotalWaitSeconds
		total.TotalServiceSeconds += stats.TotalServiceSeconds
		found = true
	}
	return total, found, nil
}
