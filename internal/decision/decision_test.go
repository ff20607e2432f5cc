package decision_test

import (
	"testing"

	"securecore/internal/decision"
)

func TestWSIncomingTable(t *testing.T) {
	cases := []struct {
		name   string
		flags  decision.Flags
		action decision.Action
		reason string
	}{
		{"offline", decision.Flags{IsOnline: false}, decision.ActionNoOp, decision.ReasonOffline},
		{"no live job", decision.Flags{IsOnline: true, HasLiveJob: false}, decision.ActionNoOp, decision.ReasonJobMissingOrInvalid},
		{"gap detected", decision.Flags{IsOnline: true, HasLiveJob: true, IsGap: true}, decision.ActionNoOp, decision.ReasonGapDetected},
		{"trigger live", decision.Flags{IsOnline: true, HasLiveJob: true, IsGap: false}, decision.ActionTriggerLive, decision.ReasonWSIncoming},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decision.Decide(decision.EventWSIncoming, tc.flags)
			if got.Action != tc.action || got.Reason != tc.reason {
				t.Fatalf("got %+v want {%s %s}", got, tc.action, tc.reason)
			}
		})
	}
}

func TestReplayVaultMissing(t *testing.T) {
	got := decision.Decide(decision.EventReplayVaultMissing, decision.Flags{})
	if got.Action != decision.ActionNoOp || got.Reason != decision.ReasonReplayOnly {
		t.Fatalf("got %+v want {NO_OP REPLAY_ONLY}", got)
	}
}

func TestUnsupportedEvent(t *testing.T) {
	got := decision.Decide(decision.EventType("bogus"), decision.Flags{})
	if got.Action != decision.ActionNoOp || got.Reason != decision.ReasonUnsupportedEvent {
		t.Fatalf("got %+v want {NO_OP UNSUPPORTED_EVENT}", got)
	}
}
