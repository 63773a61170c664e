// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package grid

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// ByteSize is a number of bytes. In JSON and YAML it can be given as
// a plain number or as a string with a unit, like "64MiB" or "1 GB".
type ByteSize int64

func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		err := json.Unmarshal(data, &i)
		if err != nil {
			return err
		}
		*n = ByteSize(i)
		return nil
	}
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if v > math.MaxInt64 {
		return fmt.Errorf("size %q overflows int64", s)
	}
	*n = ByteSize(v)
	return nil
}

func (n ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(n))
}

// String implements fmt.Stringer, e.g., "64 MiB".
func (n ByteSize) String() string {
	if n < 0 {
		return fmt.Sprintf("%d B", int64(n))
	}
	return humanize.IBytes(uint64(n))
}
