package stats

import (
	"context"
	"time"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/store"
)

const dayFormat = "2006-01-02"

// Summary is the read-side view of one day's aggregates. Averages are
// derived on read; current_waiting is a point-in-time snapshot.
type Summary struct {
	Date                  string  `json:"date"`
	FacilityID            string  `json:"facility_id,omitempty"`
	TotalServedToday      int64   `json:"total_served_today"`
	CurrentWaiting        int     `json:"current_waiting"`
	AverageWaitSeconds    float64 `json:"average_wait_time"`
	AverageServiceSeconds float64 `json:"average_service_time"`
}

type Aggregator struct {
	store store.Store
}

func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// RecordCompletion folds one completed entry into the day's aggregates. The
// store increment is atomic, so concurrent completions never clobber each
// other's counts.
func (a *Aggregator) RecordCompletion(ctx context.Context, entry models.QueueEntry) error {
	if entry.CalledAt == nil || entry.CompletedAt == nil {
		return nil
	}
	wait := entry.CalledAt.Sub(entry.CreatedAt)
	service := entry.CompletedAt.Sub(*entry.CalledAt)
	if wait < 0 {
		wait = 0
	}
	if service < 0 {
		service = 0
	}
	day := entry.CompletedAt.UTC().Format(dayFormat)
	return a.store.IncrementDaily(ctx, day, entry.FacilityID, int64(wait.Seconds()), int64(service.Seconds()))
}

// Summary reads the aggregates for the given day (today when empty) and
// facility ("" means all facilities). A day with no completions reports
// zero averages rather than an error.
func (a *Aggregator) Summary(ctx context.Context, facilityID, day string) (Summary, error) {
	if day == "" {
		day = time.Now().UTC().Format(dayFormat)
	}

	daily, _, err := a.store.GetDaily(ctx, day, facilityID)
	if err != nil {
		return Summary{}, err
	}
	waiting, err := a.store.CountWaiting(ctx, facilityID)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Date:             day,
		FacilityID:       facilityID,
		TotalServedToday: daily.TotalServed,
		CurrentWaiting:   waiting,
	}
	if daily.TotalServed > 0 {
		summary.AverageWaitSeconds = float64(daily.TotalWaitSeconds) / float64(daily.TotalServed)
		summary.AverageServiceSeconds = float64(daily.TotalServiceSeconds) / float64(daily.TotalServed)
	}
	return summary, nil
}
