package subscription

import (
	"errors"
	"testing"
)

func TestTransitionTable(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		from    Status
		event   Event
		want    Status
		wantErr bool
	}{
		{from: StatusNone, event: EventCheckout, want: StatusPending},
		{from: StatusNone, event: EventFree, want: StatusActive},
		{from: StatusPending, event: EventApprove, want: StatusActive},
		{from: StatusActive, event: EventRenew, want: StatusActive},
		{from: StatusPending, event: EventReject, want: StatusCancelled},
		{from: StatusActive, event: EventReject, want: StatusCancelled},
		{from: StatusPending, event: EventCancel, want: StatusCancelled},
		{from: StatusActive, event: EventCancel, want: StatusCancelled},
		{from: StatusNone, event: EventApprove, wantErr: true},
		{from: StatusActive, event: EventApprove, wantErr: true},
		{from: StatusPending, event: EventRenew, wantErr: true},
		{from: StatusCancelled, event: EventApprove, wantErr: true},
		{from: StatusCancelled, event: EventCancel, wantErr: true},
		{from: StatusCancelled, event: EventRenew, wantErr: true},
		{from: StatusActive, event: Event("downgrade"), wantErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.from.label()+"_"+string(testCase.event), func(test *testing.T) {
			test.Parallel()
			got, err := Transition(testCase.from, testCase.event)
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					test.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.want {
				test.Fatalf("expected %s, got %s", testCase.want, got)
			}
		})
	}
}

func TestNoEdgeLeadsBackToPendingOrOutOfCancelled(test *testing.T) {
	test.Parallel()
	for event, edges := range transitions {
		for from, to := range edges {
			if to == StatusPending && from != StatusNone {
				test.Fatalf("event %s re-enters pending from %s", event, from)
			}
			if from == StatusCancelled {
				test.Fatalf("event %s leaves the terminal state", event)
			}
		}
	}
}

func TestParseStatus(test *testing.T) {
	test.Parallel()
	if status, err := ParseStatus("active"); err != nil || status != StatusActive {
		test.Fatalf("expected active, got %q (%v)", status, err)
	}
	if _, err := ParseStatus("paused"); err == nil {
		test.Fatalf("expected unknown status error")
	}
	if !StatusCancelled.IsTerminal() || StatusActive.IsTerminal() {
		test.Fatalf("unexpected terminal flags")
	}
}
