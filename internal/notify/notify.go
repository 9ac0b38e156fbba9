package notify

import "time"

const (
	EventEnqueued        = "patient_enqueued"
	EventCalled          = "patient_called"
	EventCompleted       = "patient_completed"
	EventCancelled       = "patient_cancelled"
	EventPriorityChanged = "priority_changed"
	EventTransferred     = "patient_transferred"
)

// Event is the JSON envelope broadcast to subscribers after a state
// transition commits.
type Event struct {
	Type             string    `json:"type"`
	QueueNumber      string    `json:"queue_number"`
	FacilityID       string    `json:"facility_id"`
	UserID           string    `json:"user_id,omitempty"`
	Status           string    `json:"status,omitempty"`
	Position         int       `json:"position,omitempty"`
	Priority         string    `json:"priority,omitempty"`
	NewQueueNumber   string    `json:"new_queue_number,omitempty"`
	TargetFacilityID string    `json:"new_facility_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Publisher delivers events best-effort. Implementations must not block on
// slow subscribers; an error return is informational and never rolls back
// the operation that produced the event.
type Publisher interface {
	Publish(event Event) error
}
