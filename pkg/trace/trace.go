// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trace reconstructs control flow from the LBR stack of a sample.
package trace

import "fmt"

// Trace is a directed edge between two addresses. A zero address stands for
// an unresolved side.
type Trace struct {
	From uint64
	To   uint64
}

func (t Trace) String() string {
	return fmt.Sprintf("0x%x->0x%x", t.From, t.To)
}

// Stats counts the occurrences of a trace. A Table only grows its stats
// through Add and Merge, which keep Mispredicted <= Taken.
type Stats struct {
	Taken        uint64
	Mispredicted uint64
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Taken += o.Taken
	s.Mispredicted += o.Mispredicted
}

// Table accumulates statistics per trace. The zero value is not usable, use
// NewTable.
type Table struct {
	m map[Trace]*Stats
}

func NewTable() *Table {
	return &Table{m: map[Trace]*Stats{}}
}

// Add records one occurrence of t.
func (tb *Table) Add(t Trace, mispredicted bool) {
	s := Stats{Taken: 1}
	if mispredicted {
		s.Mispredicted = 1
	}
	tb.addStats(t, s)
}

func (tb *Table) addStats(t Trace, s Stats) {
	if cur, ok := tb.m[t]; ok {
		cur.Add(s)
		return
	}
	tb.m[t] = &s
}

// Merge folds o into tb. Merging is associative and commutative.
func (tb *Table) Merge(o *Table) {
	if o == nil {
		return
	}
	for t, s := range o.m {
		tb.addStats(t, *s)
	}
}

func (tb *Table) Get(t Trace) (Stats, bool) {
	s, ok := tb.m[t]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

func (tb *Table) Len() int {
	return len(tb.m)
}

// Range calls f for every trace in unspecified order until f returns false.
func (tb *Table) Range(f func(Trace, Stats) bool) {
	for t, s := range tb.m {
		if !f(t, *s) {
			return
		}
	}
}

// Map returns a copy of the table contents.
func (tb *Table) Map() map[Trace]Stats {
	res := make(map[Trace]Stats, len(tb.m))
	for t, s := range tb.m {
		res[t] = *s
	}
	return res
}
