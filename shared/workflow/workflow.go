package workflow

import "strings"

const (
	TrainStatusOnTime      = "On Time"
	TrainStatusDelayed     = "Delayed"
	TrainStatusCancelled   = "Cancelled"
	TrainStatusMaintenance = "Maintenance"
)

const (
	TrainEventDelayed        = "train_delayed"
	TrainEventDelayExtended  = "train_delay_extended"
	TrainEventDelayLifted    = "train_delay_lifted"
	TrainEventMaintenance    = "train_maintenance"
	TrainEventReturned       = "train_returned"
	TrainEventDelayCancelled = "train_delay_cancelled"
)

// Cancelled has no outgoing transitions; only a full reset brings a
// cancelled train back.
var trainTransitions = map[string]map[string]string{
	TrainStatusOnTime: {
		TrainStatusDelayed:     TrainEventDelayed,
		TrainStatusMaintenance: TrainEventMaintenance,
	},
	TrainStatusDelayed: {
		TrainStatusDelayed:     TrainEventDelayExtended,
		TrainStatusOnTime:      TrainEventDelayLifted,
		TrainStatusMaintenance: TrainEventMaintenance,
	},
	TrainStatusMaintenance: {
		TrainStatusMaintenance: TrainEventMaintenance,
		TrainStatusDelayed:     TrainEventReturned,
		TrainStatusOnTime:      TrainEventDelayCancelled,
	},
}

func NormalizeTrainStatus(status string) string {
	trimmed := strings.TrimSpace(status)
	for _, s := range AllTrainStatuses() {
		if strings.EqualFold(s, trimmed) {
			return s
		}
	}
	return trimmed
}

// CanTransition reports whether a command may move a train from one status
// to another. Identity transitions are allowed except for Cancelled.
func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeTrainStatus(fromStatus)
	toStatus = NormalizeTrainStatus(toStatus)
	next := trainTransitions[fromStatus]
	if next == nil {
		return false
	}
	if fromStatus == toStatus {
		return true
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeTrainStatus(fromStatus)
	toStatus = NormalizeTrainStatus(toStatus)
	next := trainTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// IsFrozen reports whether the tick loop must leave a train untouched.
func IsFrozen(status string) bool {
	switch NormalizeTrainStatus(status) {
	case TrainStatusCancelled, TrainStatusMaintenance:
		return true
	default:
		return false
	}
}

func AllTrainStatuses() []string {
	return []string{
		TrainStatusOnTime,
		TrainStatusDelayed,
		TrainStatusCancelled,
		TrainStatusMaintenance,
	}
}
