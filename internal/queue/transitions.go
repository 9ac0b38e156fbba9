package queue

import "mediq/queue-service/internal/models"

var transitionMap = map[string][]string{
	"call_next": {models.StatusWaiting},
	"complete":  {models.StatusCalled},
	"cancel":    {models.StatusWaiting, models.StatusCalled},
	"priority":  {models.StatusWaiting},
	"transfer":  {models.StatusWaiting},
}

// CanTransition reports whether the action is permitted from the given
// status. Terminal statuses appear in no allowed set, so nothing ever
// re-enters the queue.
func CanTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
