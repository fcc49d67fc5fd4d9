// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package priority

import (
	"fmt"
	"strconv"
)

// Level is a delivery priority. Higher levels drain first.
type Level int

const (
	Lowest          Level = 0
	Normal          Level = 4
	OneBelowHighest Level = 9
	Highest         Level = 10
)

// Levels is the number of distinct priority levels.
const Levels = int(Highest) + 1

// Valid reports whether l is within [Lowest, Highest].
func (l Level) Valid() bool {
	return l >= Lowest && l <= Highest
}

// Clamp limits l to the valid range.
func (l Level) Clamp() Level {
	switch {
	case l < Lowest:
		return Lowest
	case l > Highest:
		return Highest
	default:
		return l
	}
}

// Increment returns the next level up, capped at Highest.
func (l Level) Increment() Level {
	return (l + 1).Clamp()
}

func (l Level) String() string {
	return strconv.Itoa(int(l))
}

func checkLevel(l Level) {
	if !l.Valid() {
		panic(fmt.Sprintf("priority: level %d out of range", l))
	}
}
