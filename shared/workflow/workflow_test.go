package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(RaffleStatusPending, RaffleStatusApproved) {
		t.Fatalf("expected pending -> approved to be allowed")
	}
	if CanTransition(RaffleStatusDrawn, RaffleStatusApproved) {
		t.Fatalf("expected drawn -> approved to be blocked")
	}
	if !CanTransition(RaffleStatusApproved, RaffleStatusApproved) {
		t.Fatalf("expected same-status transition to be a no-op")
	}
}

func TestEventTypeForTransition(t *testing.T) {
	ev := EventTypeForTransition(RaffleStatusPending, RaffleStatusApproved)
	if ev != RaffleEventApproved {
		t.Fatalf("unexpected event type: %q", ev)
	}
	if ev := EventTypeForTransition(RaffleStatusPending, RaffleStatusDrawn); ev != "" {
		t.Fatalf("expected empty event for invalid transition, got %q", ev)
	}
}

func TestAllRaffleStatusesCoversTransitionTable(t *testing.T) {
	known := make(map[string]bool)
	for _, status := range AllRaffleStatuses() {
		known[status] = true
	}
	for from, next := range raffleTransitions {
		if !known[from] {
			t.Fatalf("status %q missing from AllRaffleStatuses", from)
		}
		for to := range next {
			if !known[to] {
				t.Fatalf("status %q missing from AllRaffleStatuses", to)
			}
		}
	}
}
