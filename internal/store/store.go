package store

import (
	"context"

	"mediq/queue-service/internal/models"
)

// Write is one element of an atomic batch. Inserts carry a fully formed
// entry; updates additionally carry the version the caller read, and are
// rejected with ErrStaleEntry when the stored version has moved on.
type Write struct {
	Entry           models.QueueEntry
	Insert          bool
	ExpectedVersion int64
}

// Fence guards a batch against any concurrent change to a facility's waiting
// set. ListWaiting reports the facility's current queue version; a batch
// carrying that version commits only if no other batch touched the facility
// in between, and every committing fenced batch bumps the version. This is
// what keeps insert-only batches (and batches that skip unchanged rows) from
// landing on a stale snapshot.
type Fence struct {
	FacilityID      string
	ExpectedVersion int64
}

type Batch struct {
	Fences []Fence
	Writes []Write
}

type DailyStatistics struct {
	Day                 string `json:"date"`
	FacilityID          string `json:"facility_id,omitempty"`
	TotalServed         int64  `json:"total_served"`
	TotalWaitSeconds    int64  `json:"total_wait_time"`
	TotalServiceSeconds int64  `json:"total_service_time"`
}

// Store is the persistence contract for queue entries, per-facility queue
// number sequences, and daily aggregates. Apply is all-or-nothing: if any
// fence or write in the batch fails its version or uniqueness check, no
// write from the batch becomes visible.
type Store interface {
	GetEntry(ctx context.Context, queueNumber string) (models.QueueEntry, error)
	ActiveEntryForUser(ctx context.Context, userID, facilityID string) (models.QueueEntry, bool, error)
	ListWaiting(ctx context.Context, facilityID string) ([]models.QueueEntry, int64, error)
	CountWaiting(ctx context.Context, facilityID string) (int, error)
	GetFacility(ctx context.Context, facilityID string) (models.Facility, error)
	NextQueueNumber(ctx context.Context, facilityID string) (string, error)
	Apply(ctx context.Context, batch Batch) error
	IncrementDaily(ctx context.Context, day, facilityID string, waitSeconds, serviceSeconds int64) error
	GetDaily(ctx context.Context, day, facilityID string) (DailyStatistics, bool, error)
}
