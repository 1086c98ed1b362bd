package engine

import (
	"sort"
	"time"
)

const (
	IncidentDelay         = "Delay"
	IncidentDelayUpdate   = "Delay Update"
	IncidentMaintenance   = "Maintenance"
	IncidentSecurityAlert = "Security Alert"

	SystemTrainID = "SYSTEM"
)

type Incident struct {
	ID          int64     `json:"id"`
	Type        string    `json:"type"`
	TrainID     string    `json:"trainId"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// IncidentLog is append-only. Ids are unix milliseconds, bumped past the
// previous id when two incidents land in the same millisecond, so they are
// strictly increasing and double as the display order.
type IncidentLog struct {
	entries []Incident
	lastID  int64
}

func (l *IncidentLog) Append(now time.Time, kind string, trainID string, description string) Incident {
	id := now.UnixMilli()
	if id <= l.lastID {
		id = l.lastID + 1
	}
	l.lastID = id
	inc := Incident{
		ID:          id,
		Type:        kind,
		TrainID:     trainID,
		Description: description,
		OccurredAt:  now.UTC(),
	}
	l.entries = append(l.entries, inc)
	return inc
}

func (l *IncidentLog) All() []Incident {
	return append([]Incident(nil), l.entries...)
}

// Since returns incidents with an id greater than after, oldest first.
func (l *IncidentLog) Since(after int64) []Incident {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].ID > after })
	return append([]Incident(nil), l.entries[i:]...)
}

func (l *IncidentLog) HasTrain(trainID string) bool {
	for _, inc := range l.entries {
		if inc.TrainID == trainID {
			return true
		}
	}
	return false
}

func (l *IncidentLog) Len() int { return len(l.entries) }

// Clear empties the log. lastID is kept so ids stay unique across a reset.
func (l *IncidentLog) Clear() {
	l.entries = nil
}
