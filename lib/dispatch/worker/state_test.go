// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"encoding/json"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&StateSuite{})

type StateSuite struct{}

func (*StateSuite) TestTransitions(c *check.C) {
	for _, trial := range []struct {
		from, to State
		ok       bool
	}{
		{StateSendHandshake, StateAwaitHandshake, true},
		{StateSendHandshake, StateIdle, false},
		{StateAwaitHandshake, StateIdle, true},
		{StateIdle, StateSending, true},
		{StateIdle, StateAwaitingResults, false},
		{StateSending, StateAwaitingResults, true},
		{StateSending, StateIdle, true},
		{StateAwaitingResults, StateIdle, true},
		{StateAwaitingResults, StateSending, false},
		{StateClosed, StateIdle, false},
	} {
		c.Check(trial.from.CanTransition(trial.to), check.Equals, trial.ok, check.Commentf("%s -> %s", trial.from, trial.to))
	}
	for state := range stateString {
		c.Check(state.CanTransition(StateClosed), check.Equals, state != StateClosed, check.Commentf("%s", state))
	}
}

func (*StateSuite) TestMarshalText(c *check.C) {
	buf, err := json.Marshal(map[State]int{StateIdle: 2, StateAwaitingResults: 1})
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"awaiting-results":1,"idle":2}`)
}
