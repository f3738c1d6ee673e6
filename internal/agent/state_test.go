package agent

import "testing"

func TestNext(t *testing.T) {
	tests := []struct {
		from    State
		outcome Outcome
		want    State
	}{
		{StateSubscribe, Succeeded, StateCheckLog},
		{StateSubscribe, Failed, StateUnsubscribe},
		{StateSubscribe, Rejected, StateFinalize},
		{StateCheckLog, Succeeded, StateReallow},
		{StateCheckLog, Failed, StateUnsubscribe},
		{StateReallow, Succeeded, StateBan},
		{StateReallow, Failed, StateUnsubscribe},
		{StateBan, Succeeded, StateSend},
		{StateBan, Failed, StateUnsubscribe},
		{StateSend, Succeeded, StateWait},
		{StateSend, Failed, StateUnsubscribe},
		{StateSend, Rejected, StateUnsubscribe},
		{StateWait, Succeeded, StateCheckLog},
		{StateWait, MessageArrived, StateHandlePush},
		{StateWait, Failed, StateUnsubscribe},
		{StateHandlePush, Succeeded, StateWait},
		{StateHandlePush, Retry, StateHandlePush},
		{StateHandlePush, Failed, StateUnsubscribe},
		{StateUnsubscribe, Succeeded, StateFinalize},
		{StateUnsubscribe, Failed, StateFinalize},
		{StateFinalize, Succeeded, StateFinalize},
		{State(99), Succeeded, StateFinalize},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.outcome.String(), func(t *testing.T) {
			if got := Next(tt.from, tt.outcome); got != tt.want {
				t.Errorf("Next(%s, %s) = %s, want %s", tt.from, tt.outcome, got, tt.want)
			}
		})
	}
}

func TestTransitions_CoverEveryState(t *testing.T) {
	for s := range stateNames {
		if _, ok := Transitions[s]; !ok {
			t.Errorf("no transition row for %s", s)
		}
	}
}

func TestState_String(t *testing.T) {
	if got := StateHandlePush.String(); got != "HANDLE_PUSH" {
		t.Errorf("String() = %q", got)
	}
	if got := State(42).String(); got != "State(42)" {
		t.Errorf("String() = %q", got)
	}
	if !StateFinalize.Terminal() || StateUnsubscribe.Terminal() {
		t.Error("only FINALIZE is terminal")
	}
}
