// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package grid

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidPolicy = errors.New("invalid placement policy")

// A Policy is a predicate over a worker's Capabilities. Exactly one
// of its fields must be set. In JSON:
//
//	{"and": [
//	  {"equal": {"name": "os", "value": "linux"}},
//	  {"at_least": {"name": "processors", "value": 4}}
//	]}
type Policy struct {
	Equal    *Comparison `json:"equal,omitempty"`
	AtLeast  *Comparison `json:"at_least,omitempty"`
	AtMost   *Comparison `json:"at_most,omitempty"`
	Contains *Comparison `json:"contains,omitempty"`
	OneOf    *Membership `json:"one_of,omitempty"`
	And      []Policy    `json:"and,omitempty"`
	Or       []Policy    `json:"or,omitempty"`
	Not      *Policy     `json:"not,omitempty"`
}

// Comparison names a capability and the value to compare it with.
type Comparison struct {
	Name  string      `json:"name"`
	Value PolicyValue `json:"value"`
}

// Membership names a capability and a set of acceptable values.
type Membership struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// PolicyValue is a string that can also be given as a JSON number.
type PolicyValue string

func (v *PolicyValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		err := json.Unmarshal(data, &s)
		*v = PolicyValue(s)
		return err
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = PolicyValue(n.String())
	return nil
}

// Accepts returns true if the given capabilities satisfy the
// policy. A nil policy accepts everything.
//
// An error is returned if the policy is malformed or a numeric
// comparison is made against a non-numeric value.
func (p *Policy) Accepts(caps Capabilities) (bool, error) {
	if p == nil {
		return true, nil
	}
	set := 0
	for _, isSet := range []bool{p.Equal != nil, p.AtLeast != nil, p.AtMost != nil, p.Contains != nil, p.OneOf != nil, p.And != nil, p.Or != nil, p.Not != nil} {
		if isSet {
			set++
		}
	}
	if set != 1 {
		return false, fmt.Errorf("%w: %d operators given, need exactly 1", ErrInvalidPolicy, set)
	}
	switch {
	case p.Equal != nil:
		return caps[p.Equal.Name] == string(p.Equal.Value), nil
	case p.Contains != nil:
		return strings.Contains(caps[p.Contains.Name], string(p.Contains.Value)), nil
	case p.OneOf != nil:
		have, ok := caps[p.OneOf.Name]
		if !ok {
			return false, nil
		}
		for _, v := range p.OneOf.Values {
			if v == have {
				return true, nil
			}
		}
		return false, nil
	case p.AtLeast != nil:
		have, want, err := numbers(caps, p.AtLeast)
		return err == nil && have >= want, err
	case p.AtMost != nil:
		have, want, err := numbers(caps, p.AtMost)
		return err == nil && have <= want, err
	case p.Not != nil:
		ok, err := p.Not.Accepts(caps)
		return err == nil && !ok, err
	case p.And != nil:
		for i := range p.And {
			if ok, err := p.And[i].Accepts(caps); err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	default:
		for i := range p.Or {
			if ok, err := p.Or[i].Accepts(caps); err != nil || ok {
				return ok && err == nil, err
			}
		}
		return false, nil
	}
}

func numbers(caps Capabilities, cmp *Comparison) (have, want float64, err error) {
	want, err = strconv.ParseFloat(string(cmp.Value), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPolicy, cmp.Value)
	}
	s, ok := caps[cmp.Name]
	if !ok {
		return 0, 0, fmt.Errorf("capability %q is not set", cmp.Name)
	}
	have, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("capability %q=%q is not a number", cmp.Name, s)
	}
	return have, want, nil
}
