package queue

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/notify"
	"mediq/queue-service/internal/store"

	"github.com/google/uuid"
)

var (
	ErrNoPatientsWaiting = errors.New("no patients waiting")
	ErrNoActiveEntry     = errors.New("no active queue entry")
	ErrInvalidTransition = errors.New("entry status does not allow this action")
	ErrInvalidPriority   = errors.New("unknown priority tier")
	ErrSameFacility      = errors.New("transfer target matches current facility")
	ErrContention        = errors.New("queue busy, concurrent update limit reached")
)

type EnqueueInput struct {
	UserID     string
	FacilityID string
	Priority   string
}

type TransferResult struct {
	OldEntry models.QueueEntry `json:"old_entry"`
	NewEntry models.QueueEntry `json:"new_entry"`
}

type Snapshot struct {
	Queue        []models.QueueEntry `json:"queue"`
	TotalWaiting int                 `json:"total_waiting"`
}

// Service is the operation surface consumed by the HTTP layer.
type Service interface {
	Enqueue(ctx context.Context, input EnqueueInput) (models.QueueEntry, error)
	CallNext(ctx context.Context, facilityID string) (models.QueueEntry, error)
	Complete(ctx context.Context, queueNumber string) (models.QueueEntry, error)
	Cancel(ctx context.Context, queueNumber string) (models.QueueEntry, error)
	SetPriority(ctx context.Context, queueNumber, priority string) (models.QueueEntry, error)
	Transfer(ctx context.Context, queueNumber, targetFacilityID string) (TransferResult, error)
	CurrentQueue(ctx context.Context, facilityID string) (Snapshot, error)
	StatusByUser(ctx context.Context, userID, facilityID string) (models.QueueEntry, error)
}

// CompletionRecorder receives completed entries for statistics aggregation.
type CompletionRecorder interface {
	RecordCompletion(ctx context.Context, entry models.QueueEntry) error
}

type Options struct {
	// ServiceSecondsPerPatient drives the advisory wait estimate.
	ServiceSecondsPerPatient int
	// MaxApplyAttempts bounds the optimistic retry loop on stale writes.
	MaxApplyAttempts int
}

// Manager owns the ordering comparator, the transition table, and position
// renumbering. Every multi-entry change goes through the store as one batch
// fenced on the facility's queue version, so a batch computed from a stale
// waiting snapshot never commits; the losing writer recomputes against
// fresh state.
type Manager struct {
	store          store.Store
	publisher      notify.Publisher
	recorder       CompletionRecorder
	serviceSeconds int
	maxAttempts    int
	now            func() time.Time
	background     sync.WaitGroup
}

func NewManager(st store.Store, publisher notify.Publisher, recorder CompletionRecorder, opts Options) *Manager {
	serviceSeconds := opts.ServiceSecondsPerPatient
	if serviceSeconds <= 0 {
		serviceSeconds = 600
	}
	maxAttempts := opts.MaxApplyAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Manager{
		store:          st,
		publisher:      publisher,
		recorder:       recorder,
		serviceSeconds: serviceSeconds,
		maxAttempts:    maxAttempts,
		now:            time.Now,
	}
}

func (m *Manager) Enqueue(ctx context.Context, input EnqueueInput) (models.QueueEntry, error) {
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !models.ValidPriority(priority) {
		return models.QueueEntry{}, ErrInvalidPriority
	}
	if _, err := m.store.GetFacility(ctx, input.FacilityID); err != nil {
		return models.QueueEntry{}, err
	}
	if _, found, err := m.store.ActiveEntryForUser(ctx, input.UserID, input.FacilityID); err != nil {
		return models.QueueEntry{}, err
	} else if found {
		return models.QueueEntry{}, store.ErrDuplicateActive
	}

	number, err := m.store.NextQueueNumber(ctx, input.FacilityID)
	if err != nil {
		return models.QueueEntry{}, err
	}

	createdAt := m.now().UTC()
	entry := models.QueueEntry{
		EntryID:     uuid.NewString(),
		QueueNumber: number,
		UserID:      input.UserID,
		FacilityID:  input.FacilityID,
		Priority:    priority,
		Status:      models.StatusWaiting,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}

	var result models.QueueEntry
	err = m.withRetry(ctx, func() error {
		waiting, facilityVersion, err := m.store.ListWaiting(ctx, input.FacilityID)
		if err != nil {
			return err
		}
		ordered := append(waiting, entry)
		sortWaiting(ordered)

		writes := make([]store.Write, 0, len(ordered))
		for i, e := range ordered {
			position := i + 1
			estimate := m.estimate(position)
			if e.QueueNumber == entry.QueueNumber {
				e.Position = position
				e.EstimatedWaitSeconds = estimate
				result = e
				writes = append(writes, store.Write{Entry: e, Insert: true})
				continue
			}
			if e.Position == position && e.EstimatedWaitSeconds == estimate {
				continue
			}
			e.Position = position
			e.EstimatedWaitSeconds = estimate
			e.UpdatedAt = createdAt
			writes = append(writes, store.Write{Entry: e, ExpectedVersion: e.Version})
		}
		return m.store.Apply(ctx, store.Batch{
			Fences: []store.Fence{{FacilityID: input.FacilityID, ExpectedVersion: facilityVersion}},
			Writes: writes,
		})
	})
	if err != nil {
		return models.QueueEntry{}, err
	}

	m.emit(notify.Event{
		Type:        notify.EventEnqueued,
		QueueNumber: result.QueueNumber,
		FacilityID:  result.FacilityID,
		UserID:      result.UserID,
		Status:      result.Status,
		Position:    result.Position,
		Priority:    result.Priority,
		Timestamp:   createdAt,
	})
	return result, nil
}

func (m *Manager) CallNext(ctx context.Context, facilityID string) (models.QueueEntry, error) {
	var result models.QueueEntry
	calledAt := m.now().UTC()
	err := m.withRetry(ctx, func() error {
		waiting, facilityVersion, err := m.store.ListWaiting(ctx, facilityID)
		if err != nil {
			return err
		}
		if len(waiting) == 0 {
			return ErrNoPatientsWaiting
		}

		head := waiting[0]
		head.Status = models.StatusCalled
		head.CalledAt = &calledAt
		head.Position = 0
		head.EstimatedWaitSeconds = 0
		head.UpdatedAt = calledAt
		writes := []store.Write{{Entry: head, ExpectedVersion: head.Version}}

		for i, e := range waiting[1:] {
			position := i + 1
			e.Position = position
			e.EstimatedWaitSeconds = m.estimate(position)
			e.UpdatedAt = calledAt
			writes = append(writes, store.Write{Entry: e, ExpectedVersion: e.Version})
		}

		result = head
		return m.store.Apply(ctx, store.Batch{
			Fences: []store.Fence{{FacilityID: facilityID, ExpectedVersion: facilityVersion}},
			Writes: writes,
		})
	})
	if err != nil {
		return models.QueueEntry{}, err
	}

	m.emit(notify.Event{
		Type:        notify.EventCalled,
		QueueNumber: result.QueueNumber,
		FacilityID:  result.FacilityID,
		UserID:      result.UserID,
		Status:      result.Status,
		Timestamp:   calledAt,
	})
	return result, nil
}

func (m *Manager) Complete(ctx context.Context, queueNumber string) (models.QueueEntry, error) {
	var result models.QueueEntry
	completedAt := m.now().UTC()
	err := m.withRetry(ctx, func() error {
		entry, err := m.store.GetEntry(ctx, queueNumber)
		if err != nil {
			return err
		}
		if !CanTransition("complete", entry.Status) {
			return ErrInvalidTransition
		}
		entry.Status = models.StatusCompleted
		entry.CompletedAt = &completedAt
		entry.UpdatedAt = completedAt
		result = entry
		return m.store.Apply(ctx, store.Batch{Writes: []store.Write{
			{Entry: entry, ExpectedVersion: entry.Version},
		}})
	})
	if err != nil {
		return models.QueueEntry{}, err
	}

	m.record(result)
	m.emit(notify.Event{
		Type:        notify.EventCompleted,
		QueueNumber: result.QueueNumber,
		FacilityID:  result.FacilityID,
		UserID:      result.UserID,
		Status:      result.Status,
		Timestamp:   completedAt,
	})
	return result, nil
}

func (m *Manager) Cancel(ctx context.Context, queueNumber string) (models.QueueEntry, error) {
	var result models.QueueEntry
	cancelledAt := m.now().UTC()
	err := m.withRetry(ctx, func() error {
		entry, err := m.store.GetEntry(ctx, queueNumber)
		if err != nil {
			return err
		}
		if !CanTransition("cancel", entry.Status) {
			return ErrInvalidTransition
		}

		wasWaiting := entry.Status == models.StatusWaiting
		entry.Status = models.StatusCancelled
		entry.Position = 0
		entry.EstimatedWaitSeconds = 0
		entry.UpdatedAt = cancelledAt
		writes := []store.Write{{Entry: entry, ExpectedVersion: entry.Version}}
		var fences []store.Fence

		if wasWaiting {
			waiting, facilityVersion, err := m.store.ListWaiting(ctx, entry.FacilityID)
			if err != nil {
				return err
			}
			fences = []store.Fence{{FacilityID: entry.FacilityID, ExpectedVersion: facilityVersion}}
			position := 0
			for _, e := range waiting {
				if e.QueueNumber == entry.QueueNumber {
					continue
				}
				position++
				estimate := m.estimate(position)
				if e.Position == position && e.EstimatedWaitSeconds == estimate {
					continue
				}
				e.Position = position
				e.EstimatedWaitSeconds = estimate
				e.UpdatedAt = cancelledAt
				writes = append(writes, store.Write{Entry: e, ExpectedVersion: e.Version})
			}
		}

		result = entry
		return m.store.Apply(ctx, store.Batch{Fences: fences, Writes: writes})
	})
	if err != nil {
		return models.QueueEntry{}, err
	}

	m.emit(notify.Event{
		Type:        notify.EventCancelled,
		QueueNumber: result.QueueNumber,
		FacilityID:  result.FacilityID,
		UserID:      result.UserID,
		Status:      result.Status,
		Timestamp:   cancelledAt,
	})
	return result, nil
}

func (m *Manager) SetPriority(ctx context.Context, queueNumber, priority string) (models.QueueEntry, error) {
	if !models.ValidPriority(priority) {
		return models.QueueEntry{}, ErrInvalidPriority
	}

	var result models.QueueEntry
	noop := false
	changedAt := m.now().UTC()
	err := m.withRetry(ctx, func() error {
		entry, err := m.store.GetEntry(ctx, queueNumber)
		if err != nil {
			return err
		}
		if !CanTransition("priority", entry.Status) {
			return ErrInvalidTransition
		}

		waiting, facilityVersion, err := m.store.ListWaiting(ctx, entry.FacilityID)
		if err != nil {
			return err
		}
		for i := range waiting {
			if waiting[i].QueueNumber == queueNumber {
				waiting[i].Priority = priority
			}
		}
		sortWaiting(waiting)

		writes := make([]store.Write, 0, len(waiting))
		for i, e := range waiting {
			position := i + 1
			estimate := m.estimate(position)
			isTarget := e.QueueNumber == queueNumber
			changed := e.Position != position || e.EstimatedWaitSeconds != estimate ||
				(isTarget && entry.Priority != priority)
			e.Position = position
			e.EstimatedWaitSeconds = estimate
			if changed {
				e.UpdatedAt = changedAt
				writes = append(writes, store.Write{Entry: e, ExpectedVersion: e.Version})
			}
			if isTarget {
				result = e
			}
		}
		if len(writes) == 0 {
			noop = true
			return nil
		}
		noop = false
		return m.store.Apply(ctx, store.Batch{
			Fences: []store.Fence{{FacilityID: entry.FacilityID, ExpectedVersion: facilityVersion}},
			Writes: writes,
		})
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	// Re-setting the current tier changes nothing; subscribers see no event.
	if noop {
		return result, nil
	}

	m.emit(notify.Event{
		Type:        notify.EventPriorityChanged,
		QueueNumber: result.QueueNumber,
		FacilityID:  result.FacilityID,
		UserID:      result.UserID,
		Status:      result.Status,
		Position:    result.Position,
		Priority:    result.Priority,
		Timestamp:   changedAt,
	})
	return result, nil
}

func (m *Manager) Transfer(ctx context.Context, queueNumber, targetFacilityID string) (TransferResult, error) {
	source, err := m.store.GetEntry(ctx, queueNumber)
	if err != nil {
		return TransferResult{}, err
	}
	if !CanTransition("transfer", source.Status) {
		return TransferResult{}, ErrInvalidTransition
	}
	if targetFacilityID == source.FacilityID {
		return TransferResult{}, ErrSameFacility
	}
	if _, err := m.store.GetFacility(ctx, targetFacilityID); err != nil {
		return TransferResult{}, err
	}
	if _, found, err := m.store.ActiveEntryForUser(ctx, source.UserID, targetFacilityID); err != nil {
		return TransferResult{}, err
	} else if found {
		return TransferResult{}, store.ErrDuplicateActive
	}

	newNumber, err := m.store.NextQueueNumber(ctx, targetFacilityID)
	if err != nil {
		return TransferResult{}, err
	}

	transferredAt := m.now().UTC()
	newEntry := models.QueueEntry{
		EntryID:     uuid.NewString(),
		QueueNumber: newNumber,
		UserID:      source.UserID,
		FacilityID:  targetFacilityID,
		Priority:    source.Priority,
		Status:      models.StatusWaiting,
		CreatedAt:   transferredAt,
		UpdatedAt:   transferredAt,
	}

	var result TransferResult
	err = m.withRetry(ctx, func() error {
		entry, err := m.store.GetEntry(ctx, queueNumber)
		if err != nil {
			return err
		}
		if !CanTransition("transfer", entry.Status) {
			return ErrInvalidTransition
		}

		entry.Status = models.StatusTransferred
		entry.Position = 0
		entry.EstimatedWaitSeconds = 0
		entry.UpdatedAt = transferredAt
		writes := []store.Write{{Entry: entry, ExpectedVersion: entry.Version}}

		sourceWaiting, sourceVersion, err := m.store.ListWaiting(ctx, entry.FacilityID)
		if err != nil {
			return err
		}
		position := 0
		for _, e := range sourceWaiting {
			if e.QueueNumber == entry.QueueNumber {
				continue
			}
			position++
			estimate := m.estimate(position)
			if e.Position == position && e.EstimatedWaitSeconds == estimate {
				continue
			}
			e.Position = position
			e.EstimatedWaitSeconds = estimate
			e.UpdatedAt = transferredAt
			writes = append(writes, store.Write{Entry: e, ExpectedVersion: e.Version})
		}

		targetWaiting, targetVersion, err := m.store.ListWaiting(ctx, targetFacilityID)
		if err != nil {
			return err
		}
		ordered := append(targetWaiting, newEntry)
		sortWaiting(ordered)
		for i, e := range ordered {
			targetPosition := i + 1
			estimate := m.estimate(targetPosition)
			if e.QueueNumber == newEntry.QueueNumber {
				e.Position = targetPosition
				e.EstimatedWaitSeconds = estimate
				result.NewEntry = e
				writes = append(writes, store.Write{Entry: e, Insert: true})
				continue
			}
			if e.Position == targetPosition && e.EstimatedWaitSeconds == estimate {
				continue
			}
			e.Position = targetPosition
			e.EstimatedWaitSeconds = estimate
			e.UpdatedAt = transferredAt
			writes = append(writes, store.Write{Entry: e, ExpectedVersion: e.Version})
		}

		result.OldEntry = entry
		// Fences in facility order so two opposing transfers cannot
		// deadlock on the version rows.
		fences := []store.Fence{
			{FacilityID: entry.FacilityID, ExpectedVersion: sourceVersion},
			{FacilityID: targetFacilityID, ExpectedVersion: targetVersion},
		}
		if fences[1].FacilityID < fences[0].FacilityID {
			fences[0], fences[1] = fences[1], fences[0]
		}
		return m.store.Apply(ctx, store.Batch{Fences: fences, Writes: writes})
	})
	if err != nil {
		return TransferResult{}, err
	}

	m.emit(notify.Event{
		Type:             notify.EventTransferred,
		QueueNumber:      result.OldEntry.QueueNumber,
		FacilityID:       result.OldEntry.FacilityID,
		UserID:           result.OldEntry.UserID,
		Status:           result.OldEntry.Status,
		NewQueueNumber:   result.NewEntry.QueueNumber,
		TargetFacilityID: result.NewEntry.FacilityID,
		Timestamp:        transferredAt,
	})
	return result, nil
}

func (m *Manager) CurrentQueue(ctx context.Context, facilityID string) (Snapshot, error) {
	waiting, _, err := m.store.ListWaiting(ctx, facilityID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Queue: waiting, TotalWaiting: len(waiting)}, nil
}

func (m *Manager) StatusByUser(ctx context.Context, userID, facilityID string) (models.QueueEntry, error) {
	entry, found, err := m.store.ActiveEntryForUser(ctx, userID, facilityID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !found {
		return models.QueueEntry{}, ErrNoActiveEntry
	}
	return entry, nil
}

// Flush waits for detached notification and statistics work to settle. Used
// on shutdown and by tests.
func (m *Manager) Flush() {
	m.background.Wait()
}

// withRetry re-runs fn while the store reports a stale version guard.
// Deterministic failures pass through untouched.
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrStaleEntry) {
			return err
		}
	}
	return ErrContention
}

func (m *Manager) estimate(position int) int {
	if position <= 1 {
		return 0
	}
	return (position - 1) * m.serviceSeconds
}

func (m *Manager) emit(event notify.Event) {
	if m.publisher == nil {
		return
	}
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		if err := m.publisher.Publish(event); err != nil {
			log.Printf("publish %s: %v", event.Type, err)
		}
	}()
}

func (m *Manager) record(entry models.QueueEntry) {
	if m.recorder == nil {
		return
	}
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.recorder.RecordCompletion(ctx, entry); err != nil {
			log.Printf("record completion %s: %v", entry.QueueNumber, err)
		}
	}()
}

// sortWaiting orders by priority tier descending, then arrival ascending.
// Queue number breaks exact arrival ties so the order is total.
func sortWaiting(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		wi := models.PriorityWeight(entries[i].Priority)
		wj := models.PriorityWeight(entries[j].Priority)
		if wi != wj {
			return wi > wj
		}
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].QueueNumber < entries[j].QueueNumber
	})
}
