package agent

import "fmt"

// State is a scheduler state.
type State int

const (
	stateUnset State = iota
	StateSubscribe
	StateCheckLog
	StateReallow
	StateBan
	StateSend
	StateWait
	StateHandlePush
	StateUnsubscribe
	StateFinalize
)

var stateNames = map[State]string{
	StateSubscribe:   "SUBSCRIBE",
	StateCheckLog:    "CHECK_LOG",
	StateReallow:     "REALLOW",
	StateBan:         "BAN",
	StateSend:        "SEND",
	StateWait:        "WAIT",
	StateHandlePush:  "HANDLE_PUSH",
	StateUnsubscribe: "UNSUBSCRIBE",
	StateFinalize:    "FINALIZE",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the scheduler stops in s.
func (s State) Terminal() bool { return s == StateFinalize }

// Outcome is the result of running one state handler.
type Outcome int

const (
	// Succeeded means the handler completed normally.
	Succeeded Outcome = iota
	// Failed means the handler hit an error it cannot recover from.
	Failed
	// Rejected means the supervisor explicitly refused the request.
	Rejected
	// MessageArrived means a message was queued before the wait deadline.
	MessageArrived
	// Retry means the handler should run again in the same state.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Rejected:
		return "rejected"
	case MessageArrived:
		return "message"
	case Retry:
		return "retry"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Transition lists the successors of one state. Unset optional successors
// fall back to OnFailure.
type Transition struct {
	OnSuccess  State
	OnFailure  State
	OnRejected State
	OnMessage  State
}

// Transitions is the scheduler's transition table.
var Transitions = map[State]Transition{
	StateSubscribe:   {OnSuccess: StateCheckLog, OnFailure: StateUnsubscribe, OnRejected: StateFinalize},
	StateCheckLog:    {OnSuccess: StateReallow, OnFailure: StateUnsubscribe},
	StateReallow:     {OnSuccess: StateBan, OnFailure: StateUnsubscribe},
	StateBan:         {OnSuccess: StateSend, OnFailure: StateUnsubscribe},
	StateSend:        {OnSuccess: StateWait, OnFailure: StateUnsubscribe},
	StateWait:        {OnSuccess: StateCheckLog, OnFailure: StateUnsubscribe, OnMessage: StateHandlePush},
	StateHandlePush:  {OnSuccess: StateWait, OnFailure: StateUnsubscribe},
	StateUnsubscribe: {OnSuccess: StateFinalize, OnFailure: StateFinalize},
	StateFinalize:    {OnSuccess: StateFinalize, OnFailure: StateFinalize},
}

// Next returns the state that follows s given outcome o.
func Next(s State, o Outcome) State {
	t, ok := Transitions[s]
	if !ok {
		return StateFinalize
	}
	switch o {
	case Succeeded:
		return t.OnSuccess
	case Retry:
		return s
	case Rejected:
		if t.OnRejected != stateUnset {
			return t.OnRejected
		}
	case MessageArrived:
		if t.OnMessage != stateUnset {
			return t.OnMessage
		}
	}
	return t.OnFailure
}
