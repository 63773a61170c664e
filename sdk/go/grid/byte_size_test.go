// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package grid

import (
	"encoding/json"

	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ByteSizeSuite{})

type ByteSizeSuite struct{}

func (s *ByteSizeSuite) TestUnmarshal(c *check.C) {
	for _, testcase := range []struct {
		in  string
		out int64
	}{
		{"0", 0},
		{"5", 5},
		{"5B", 5},
		{"5 B", 5},
		{"1K", 1000},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"64MiB", 64 << 20},
		{"1.5 GB", 1500000000},
		{`"8"`, 8},
	} {
		var n ByteSize
		err := yaml.Unmarshal([]byte(testcase.in), &n)
		c.Logf("%v => %v: %v", testcase.in, testcase.out, n)
		c.Check(err, check.IsNil)
		c.Check(int64(n), check.Equals, testcase.out)
	}
	for _, testcase := range []string{
		"foo",
		"1 kilo",
		"99999999999999999999999 EiB",
	} {
		var n ByteSize
		err := yaml.Unmarshal([]byte(testcase), &n)
		c.Logf("%s => error: %v", testcase, err)
		c.Check(err, check.NotNil)
	}
}

func (s *ByteSizeSuite) TestMarshal(c *check.C) {
	buf, err := json.Marshal(ByteSize(64 << 20))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "67108864")
	c.Check(ByteSize(64<<20).String(), check.Equals, "64 MiB")
	c.Check(ByteSize(-3).String(), check.Equals, "-3 B")
}
