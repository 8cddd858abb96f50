// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memsize provides simple memory unit constants and formatting.
package memsize

import "fmt"

// Byte unit constants.
const (
	B  uint64 = 1
	KB        = 1024 * B
	MB        = 1024 * KB
	GB        = 1024 * MB
	TB        = 1024 * GB
)

// Bit unit constants.
const (
	bit  uint64 = 1
	Kbit        = 1024 * bit
	Mbit        = 1024 * Kbit
	Gbit        = 1024 * Mbit
	Tbit        = 1024 * Gbit
)

// Format converts a byte count into a human readable string.
func Format(bytes uint64) string {
	return format(bytes, []string{"TB", "GB", "MB", "KB", "B"}, []uint64{TB, GB, MB, KB, B})
}

// BitFormat converts a bit count into a human readable string.
func BitFormat(bits uint64) string {
	return format(bits, []string{"Tbit", "Gbit", "Mbit", "Kbit", "bit"}, []uint64{Tbit, Gbit, Mbit, Kbit, bit})
}

func format(n uint64, suffixes []string, units []uint64) string {
	if n == 0 {
		return "0" + suffixes[len(suffixes)-1]
	}
	for i, u := range units {
		if n >= u {
			return fmt.Sprintf("%.2f%s", float64(n)/float64(u), suffixes[i])
		}
	}
	return fmt.Sprintf("%d%s", n, suffixes[len(suffixes)-1])
}
