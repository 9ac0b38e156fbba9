package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/store"
)

func newTestStore() *Store {
	st := NewStore()
	st.AddFacility(models.Facility{FacilityID: "facility-a", Code: "A", Name: "Clinic A"})
	return st
}

func insertWaiting(t *testing.T, st *Store, queueNumber, userID string, position int) models.QueueEntry {
	t.Helper()
	entry := models.QueueEntry{
		EntryID:     queueNumber,
		QueueNumber: queueNumber,
		UserID:      userID,
		FacilityID:  "facility-a",
		Position:    position,
		Priority:    models.PriorityNormal,
		Status:      models.StatusWaiting,
		CreatedAt:   time.Now().UTC(),
	}
	err := st.Apply(context.Background(), store.Batch{Writes: []store.Write{{Entry: entry, Insert: true}}})
	if err != nil {
		t.Fatalf("insert %s: %v", queueNumber, err)
	}
	stored, err := st.GetEntry(context.Background(), queueNumber)
	if err != nil {
		t.Fatalf("get %s: %v", queueNumber, err)
	}
	return stored
}

func TestNextQueueNumberIsSequentialPerFacility(t *testing.T) {
	st := newTestStore()
	st.AddFacility(models.Facility{FacilityID: "facility-b", Code: "B", Name: "Clinic B"})

	for _, want := range []string{"A-001", "A-002", "A-003"} {
		got, err := st.NextQueueNumber(context.Background(), "facility-a")
		if err != nil {
			t.Fatalf("next number: %v", err)
		}
		if got != want {
			t.Fatalf("number = %s, want %s", got, want)
		}
	}

	got, err := st.NextQueueNumber(context.Background(), "facility-b")
	if err != nil {
		t.Fatalf("next number: %v", err)
	}
	if got != "B-001" {
		t.Fatalf("number = %s, want B-001 (sequences are per facility)", got)
	}
}

func TestNextQueueNumberUnknownFacility(t *testing.T) {
	st := newTestStore()
	_, err := st.NextQueueNumber(context.Background(), "facility-z")
	if !errors.Is(err, store.ErrFacilityNotFound) {
		t.Fatalf("err = %v, want ErrFacilityNotFound", err)
	}
}

func TestApplyRejectsStaleVersion(t *testing.T) {
	st := newTestStore()
	entry := insertWaiting(t, st, "A-001", "u1", 1)

	// First writer wins.
	updated := entry
	updated.Position = 2
	err := st.Apply(context.Background(), store.Batch{Writes: []store.Write{
		{Entry: updated, ExpectedVersion: entry.Version},
	}})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Second writer still holds the old version.
	err = st.Apply(context.Background(), store.Batch{Writes: []store.Write{
		{Entry: updated, ExpectedVersion: entry.Version},
	}})
	if !errors.Is(err, store.ErrStaleEntry) {
		t.Fatalf("err = %v, want ErrStaleEntry", err)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	st := newTestStore()
	first := insertWaiting(t, st, "A-001", "u1", 1)
	second := insertWaiting(t, st, "A-002", "u2", 2)

	good := first
	good.Position = 5
	bad := second
	bad.Position = 6

	err := st.Apply(context.Background(), store.Batch{Writes: []store.Write{
		{Entry: good, ExpectedVersion: first.Version},
		{Entry: bad, ExpectedVersion: second.Version + 7},
	}})
	if !errors.Is(err, store.ErrStaleEntry) {
		t.Fatalf("err = %v, want ErrStaleEntry", err)
	}

	// The valid write in the same batch must not have landed.
	stored, err := st.GetEntry(context.Background(), "A-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Position != 1 {
		t.Fatalf("position = %d, want 1 (partial batch applied)", stored.Position)
	}
}

func TestApplyRejectsDuplicateActiveInsert(t *testing.T) {
	st := newTestStore()
	insertWaiting(t, st, "A-001", "u1", 1)

	duplicate := models.QueueEntry{
		QueueNumber: "A-002",
		UserID:      "u1",
		FacilityID:  "facility-a",
		Position:    2,
		Status:      models.StatusWaiting,
	}
	err := st.Apply(context.Background(), store.Batch{Writes: []store.Write{{Entry: duplicate, Insert: true}}})
	if !errors.Is(err, store.ErrDuplicateActive) {
		t.Fatalf("err = %v, want ErrDuplicateActive", err)
	}
}

func TestListWaitingSortedByPosition(t *testing.T) {
	st := newTestStore()
	insertWaiting(t, st, "A-003", "u3", 3)
	insertWaiting(t, st, "A-001", "u1", 1)
	insertWaiting(t, st, "A-002", "u2", 2)

	waiting, _, err := st.ListWaiting(context.Background(), "facility-a")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	for i, entry := range waiting {
		if entry.Position != i+1 {
			t.Fatalf("index %d has position %d", i, entry.Position)
		}
	}
}

func TestActiveEntryForUserIgnoresTerminal(t *testing.T) {
	st := newTestStore()
	entry := insertWaiting(t, st, "A-001", "u1", 1)

	entry.Status = models.StatusCancelled
	entry.Position = 0
	err := st.Apply(context.Background(), store.Batch{Writes: []store.Write{
		{Entry: entry, ExpectedVersion: entry.Version},
	}})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, found, err := st.ActiveEntryForUser(context.Background(), "u1", "facility-a")
	if err != nil {
		t.Fatalf("active entry: %v", err)
	}
	if found {
		t.Fatal("cancelled entry reported as active")
	}
}

func TestGetDailyAggregatesAcrossFacilities(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	if err := st.IncrementDaily(ctx, "2025-06-02", "facility-a", 100, 200); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := st.IncrementDaily(ctx, "2025-06-02", "facility-b", 300, 400); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := st.IncrementDaily(ctx, "2025-06-03", "facility-a", 999, 999); err != nil {
		t.Fatalf("increment: %v", err)
	}

	daily, found, err := st.GetDaily(ctx, "2025-06-02", "")
	if err != nil {
		t.Fatalf("get daily: %v", err)
	}
	if !found {
		t.Fatal("no aggregate found")
	}
	if daily.TotalServed != 2 || daily.TotalWaitSeconds != 400 || daily.TotalServiceSeconds != 600 {
		t.Fatalf("unexpected aggregate: %+v", daily)
	}
}

func TestApplyRejectsStaleFence(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()

	_, version, err := st.ListWaiting(ctx, "facility-a")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}

	first := models.QueueEntry{
		QueueNumber: "A-001", UserID: "u1", FacilityID: "facility-a",
		Position: 1, Status: models.StatusWaiting,
	}
	err = st.Apply(ctx, store.Batch{
		Fences: []store.Fence{{FacilityID: "facility-a", ExpectedVersion: version}},
		Writes: []store.Write{{Entry: first, Insert: true}},
	})
	if err != nil {
		t.Fatalf("first fenced batch: %v", err)
	}

	// A second writer that computed from the same snapshot must not land,
	// even though its batch is insert-only and guards no existing row.
	second := models.QueueEntry{
		QueueNumber: "A-002", UserID: "u2", FacilityID: "facility-a",
		Position: 1, Status: models.StatusWaiting,
	}
	err = st.Apply(ctx, store.Batch{
		Fences: []store.Fence{{FacilityID: "facility-a", ExpectedVersion: version}},
		Writes: []store.Write{{Entry: second, Insert: true}},
	})
	if !errors.Is(err, store.ErrStaleEntry) {
		t.Fatalf("err = %v, want ErrStaleEntry", err)
	}
	if _, err := st.GetEntry(ctx, "A-002"); !errors.Is(err, store.ErrEntryNotFound) {
		t.Fatalf("fenced-out insert landed: %v", err)
	}
}

func TestFencedBatchBumpsFacilityVersion(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()

	_, before, err := st.ListWaiting(ctx, "facility-a")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	entry := models.QueueEntry{
		QueueNumber: "A-001", UserID: "u1", FacilityID: "facility-a",
		Position: 1, Status: models.StatusWaiting,
	}
	err = st.Apply(ctx, store.Batch{
		Fences: []store.Fence{{FacilityID: "facility-a", ExpectedVersion: before}},
		Writes: []store.Write{{Entry: entry, Insert: true}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	_, after, err := st.ListWaiting(ctx, "facility-a")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if after != before+1 {
		t.Fatalf("version after commit = %d, want %d", after, before+1)
	}
}

func TestStaleFenceAbortsWholeBatch(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	existing := insertWaiting(t, st, "A-001", "u1", 1)

	_, version, err := st.ListWaiting(ctx, "facility-a")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}

	moved := existing
	moved.Position = 2
	err = st.Apply(ctx, store.Batch{
		Fences: []store.Fence{{FacilityID: "facility-a", ExpectedVersion: version + 3}},
		Writes: []store.Write{{Entry: moved, ExpectedVersion: existing.Version}},
	})
	if !errors.Is(err, store.ErrStaleEntry) {
		t.Fatalf("err = %v, want ErrStaleEntry", err)
	}
	stored, err := st.GetEntry(ctx, "A-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Position != 1 {
		t.Fatalf("position = %d, want 1 (write applied past a failed fence)", stored.Position)
	}
}
