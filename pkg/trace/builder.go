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

package trace

import (
	"github.com/parca-dev/lbr-aggregator/pkg/lbr"
	"github.com/parca-dev/lbr-aggregator/pkg/resolve"
)

// skylakeSpuriousEntries is the number of leading LBR entries to drop on
// CPUs affected by the Skylake LBR erratum.
const skylakeSpuriousEntries = 2

// Delta is what a single sample contributes to a run.
type Delta struct {
	// Traces holds the fall-through ranges between consecutive branches.
	Traces *Table
	// Branches holds the taken branches themselves.
	Branches *Table

	// Examined counts the entries left after the erratum skip.
	Examined  uint64
	NumTraces uint64
}

type Builder struct {
	resolver        resolve.Resolver
	needsSkylakeFix bool
}

func NewBuilder(resolver resolve.Resolver, needsSkylakeFix bool) *Builder {
	return &Builder{
		resolver:        resolver,
		needsSkylakeFix: needsSkylakeFix,
	}
}

// Build walks the LBR stack from the most recent branch to the oldest one.
// The target of an older branch and the source of the next newer branch
// delimit a range that executed sequentially.
func (b *Builder) Build(s lbr.Sample) Delta {
	d := Delta{
		Traces:   NewTable(),
		Branches: NewTable(),
	}

	var (
		nextPC   uint64
		haveNext bool
		numEntry int
	)
	for _, e := range s.Entries {
		numEntry++
		if b.needsSkylakeFix && numEntry <= skylakeSpuriousEntries {
			continue
		}
		d.Examined++

		if haveNext {
			t := Trace{
				From: b.resolved(e.To),
				To:   b.resolved(nextPC),
			}
			if t.From != 0 || t.To != 0 {
				d.Traces.Add(t, e.Mispredicted())
				d.NumTraces++
			}
		}
		nextPC, haveNext = e.From, true

		from := b.resolved(e.From)
		to := b.resolved(e.To)
		if from == 0 && to == 0 {
			continue
		}
		d.Branches.Add(Trace{From: from, To: to}, e.Mispredicted())
	}

	return d
}

// resolved returns addr if it belongs to a known function, zero otherwise.
func (b *Builder) resolved(addr uint64) uint64 {
	if b.resolver.FunctionForAddr(addr) == nil {
		return 0
	}
	return addr
}
