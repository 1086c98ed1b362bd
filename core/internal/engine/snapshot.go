package engine

import "time"

const (
	ReasonTick     = "tick"
	ReasonCommand  = "command"
	ReasonPresence = "presence"
)

// Snapshot is the full world state pushed to subscribers. It is built fresh
// for every notification and shared read-only between observers.
type Snapshot struct {
	Tick           uint64     `json:"tick"`
	GeneratedAt    time.Time  `json:"generatedAt"`
	Reason         string     `json:"reason"`
	Trains         []Train    `json:"trains"`
	Incidents      []Incident `json:"incidents"`
	BlackoutActive bool       `json:"blackoutActive"`
	ActiveUsers    []string   `json:"activeUsers"`
	AllUserIDs     []string   `json:"allUserIds"`
}

// Observer is notified on the scheduler goroutine. Implementations must
// return quickly and must not call back into the Scheduler.
type Observer interface {
	Observe(Snapshot)
}

type ObserverFunc func(Snapshot)

func (f ObserverFunc) Observe(s Snapshot) { f(s) }

// Presence supplies the roster fields of a snapshot.
type Presence interface {
	ActiveUsers() []string
	AllUserIDs() []string
}
