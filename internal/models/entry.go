package models

import "time"

type QueueEntry struct {
	EntryID              string     `json:"entry_id"`
	QueueNumber          string     `json:"queue_number"`
	UserID               string     `json:"user_id"`
	FacilityID           string     `json:"facility_id"`
	Position             int        `json:"position"`
	Priority             string     `json:"priority"`
	Status               string     `json:"status"`
	EstimatedWaitSeconds int        `json:"estimated_wait_time"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	Version              int64      `json:"-"`
}

const (
	StatusWaiting     = "waiting"
	StatusCalled      = "called"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusTransferred = "transferred"
)

const (
	PriorityNormal    = "normal"
	PriorityHigh      = "high"
	PriorityEmergency = "emergency"
)

// Active reports whether the entry still holds a claim on the queue. Terminal
// entries never become active again.
func (e QueueEntry) Active() bool {
	return e.Status == StatusWaiting || e.Status == StatusCalled
}

func PriorityWeight(priority string) int {
	switch priority {
	case PriorityEmergency:
		return 2
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 0
	default:
		return -1
	}
}

func ValidPriority(priority string) bool {
	return PriorityWeight(priority) >= 0
}

type Facility struct {
	FacilityID string `json:"facility_id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
}
