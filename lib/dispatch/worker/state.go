// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

// State is the protocol state of a worker connection.
type State int

const (
	StateSendHandshake   State = iota // connected, sending our identity
	StateAwaitHandshake               // waiting for the worker's identity
	StateIdle                         // in the idle set, no slice assigned
	StateSending                      // transmitting an assigned slice
	StateAwaitingResults              // slice sent, waiting for results
	StateClosed                       // disconnected, or failed
)

var stateString = map[State]string{
	StateSendHandshake:   "send-handshake",
	StateAwaitHandshake:  "await-handshake",
	StateIdle:            "idle",
	StateSending:         "sending",
	StateAwaitingResults: "awaiting-results",
	StateClosed:          "closed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[State]anything uses the state's string representation.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// Legal transitions. Any state can go to StateClosed. Sending can
// return to Idle without sending anything, if the slice turns out to
// be unsendable to this worker.
var transitions = map[State][]State{
	StateSendHandshake:   {StateAwaitHandshake, StateClosed},
	StateAwaitHandshake:  {StateIdle, StateClosed},
	StateIdle:            {StateSending, StateClosed},
	StateSending:         {StateAwaitingResults, StateIdle, StateClosed},
	StateAwaitingResults: {StateIdle, StateClosed},
	StateClosed:          nil,
}

// CanTransition returns true if a connection in state s may move to
// state next.
func (s State) CanTransition(next State) bool {
	for _, ok := range transitions[s] {
		if ok == next {
			return true
		}
	}
	return false
}
