package monitor

import "github.com/fuomag9/serverlord/internal/models"

// Event describes one committed change of a task's state
type Event struct {
	Task   models.Task
	Sample models.Sample
	From   models.Status
	To     models.Status
}

// Transition reports whether the task changed status
func (e Event) Transition() bool {
	return e.From != e.To
}

// Observer is notified after a task mutation has been stored and the task's
// lock released. Implementations must not block.
type Observer interface {
	TaskChanged(Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event)

// TaskChanged calls f(e)
func (f ObserverFunc) TaskChanged(e Event) {
	f(e)
}
