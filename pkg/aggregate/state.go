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

package aggregate

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/parca-dev/lbr-aggregator/pkg/lbr"
	"github.com/parca-dev/lbr-aggregator/pkg/trace"
)

type Counters struct {
	// TotalSamples counts every branch record line, including malformed ones.
	TotalSamples     uint64
	ParsedSamples    uint64
	TotalEntries     uint64
	SamplesWithNoLBR uint64
	TotalTraces      uint64
	TotalBranches    uint64
	ParseErrors      uint64
}

func (c *Counters) Add(o Counters) {
	c.TotalSamples += o.TotalSamples
	c.ParsedSamples += o.ParsedSamples
	c.TotalEntries += o.TotalEntries
	c.SamplesWithNoLBR += o.SamplesWithNoLBR
	c.TotalTraces += o.TotalTraces
	c.TotalBranches += o.TotalBranches
	c.ParseErrors += o.ParseErrors
}

// RunState is everything accumulated over one run. It is not safe for
// concurrent use; concurrent runs keep one RunState each and Merge them.
type RunState struct {
	Traces   *trace.Table
	Branches *trace.Table
	Counters Counters
}

func NewRunState() *RunState {
	return &RunState{
		Traces:   trace.NewTable(),
		Branches: trace.NewTable(),
	}
}

// Fold adds a parsed sample and the traces built from it.
func (rs *RunState) Fold(s lbr.Sample, d trace.Delta) {
	rs.Counters.TotalSamples++
	rs.Counters.ParsedSamples++
	rs.Counters.TotalEntries += uint64(len(s.Entries))
	if len(s.Entries) == 0 {
		rs.Counters.SamplesWithNoLBR++
	}
	rs.Counters.TotalTraces += d.NumTraces

	rs.Traces.Merge(d.Traces)
	rs.Branches.Merge(d.Branches)
	d.Branches.Range(func(_ trace.Trace, st trace.Stats) bool {
		rs.Counters.TotalBranches += st.Taken
		return true
	})
}

// RecordParseError accounts for a line that could not be parsed.
func (rs *RunState) RecordParseError() {
	rs.Counters.TotalSamples++
	rs.Counters.ParseErrors++
}

// Merge folds o into rs. The result doesn't depend on the merge order.
func (rs *RunState) Merge(o *RunState) {
	if o == nil {
		return
	}
	rs.Traces.Merge(o.Traces)
	rs.Branches.Merge(o.Branches)
	rs.Counters.Add(o.Counters)
}

type TraceStats struct {
	trace.Trace
	trace.Stats
}

// Sorted returns the table's traces, most taken first.
func Sorted(tb *trace.Table) []TraceStats {
	res := make([]TraceStats, 0, tb.Len())
	tb.Range(func(t trace.Trace, s trace.Stats) bool {
		res = append(res, TraceStats{Trace: t, Stats: s})
		return true
	})
	sort.Slice(res, func(i, j int) bool {
		if res[i].Taken != res[j].Taken {
			return res[i].Taken > res[j].Taken
		}
		if res[i].From != res[j].From {
			return res[i].From < res[j].From
		}
		return res[i].To < res[j].To
	})
	return res
}

// Dump writes one line per trace followed by the run counters.
func (rs *RunState) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, ts := range Sorted(rs.Traces) {
		fmt.Fprintf(bw, "From: 0x%x, To: 0x%x, Taken: %d, Mispredicted: %d\n", ts.From, ts.To, ts.Taken, ts.Mispredicted)
	}

	c := rs.Counters
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "Total Samples: %d\n", c.TotalSamples)
	fmt.Fprintf(bw, "Total Entries: %d\n", c.TotalEntries)
	fmt.Fprintf(bw, "Total Samples Parsed: %d\n", c.ParsedSamples)
	fmt.Fprintf(bw, "Total Samples with No LBR: %d\n", c.SamplesWithNoLBR)
	fmt.Fprintf(bw, "Total Traces: %d\n", c.TotalTraces)
	fmt.Fprintf(bw, "Total Branches: %d\n", c.TotalBranches)
	fmt.Fprintf(bw, "Total Errors: %d\n", c.ParseErrors)
	return bw.Flush()
}
