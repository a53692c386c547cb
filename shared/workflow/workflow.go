package workflow

import "strings"

// Raffle lifecycle. Counters on a raffle may only move while it is approved;
// the admin approval step is what opens ticket sales.
const (
	RaffleStatusPending   = "pending"
	RaffleStatusApproved  = "approved"
	RaffleStatusRejected  = "rejected"
	RaffleStatusDrawn     = "drawn"
	RaffleStatusCancelled = "cancelled"
)

const (
	RaffleEventApproved  = "raffle_approved"
	RaffleEventRejected  = "raffle_rejected"
	RaffleEventDrawn     = "raffle_drawn"
	RaffleEventCancelled = "raffle_cancelled"
)

var raffleTransitions = map[string]map[string]string{
	RaffleStatusPending: {
		RaffleStatusApproved:  RaffleEventApproved,
		RaffleStatusRejected:  RaffleEventRejected,
		RaffleStatusCancelled: RaffleEventCancelled,
	},
	RaffleStatusApproved: {
		RaffleStatusDrawn:     RaffleEventDrawn,
		RaffleStatusCancelled: RaffleEventCancelled,
	},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := raffleTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := raffleTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

func AllRaffleStatuses() []string {
	return []string{
		RaffleStatusPending,
		RaffleStatusApproved,
		RaffleStatusRejected,
		RaffleStatusDrawn,
		RaffleStatusCancelled,
	}
}
