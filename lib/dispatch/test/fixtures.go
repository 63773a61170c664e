// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"
)

// WorkerUUID returns a fake worker UUID.
func WorkerUUID(i int) string {
	return fmt.Sprintf("zzzzz-wkr00-%015d", i)
}

// Payloads returns n task payloads "{prefix}0", "{prefix}1", ...
func Payloads(prefix string, n int) [][]byte {
	p := make([][]byte, n)
	for i := range p {
		p[i] = []byte(fmt.Sprintf("%s%d", prefix, i))
	}
	return p
}
