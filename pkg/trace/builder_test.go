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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/lbr-aggregator/pkg/lbr"
	"github.com/parca-dev/lbr-aggregator/pkg/resolve"
)

func parseSample(t *testing.T, line string) lbr.Sample {
	t.Helper()

	s, err := lbr.NewParser(lbr.ParserOptions{}).ParseSample(line)
	require.NoError(t, err)
	return s
}

// The pairing of an entry's target with the next newer entry's source is
// what the downstream layout stage is expected to consume; confirm the
// direction against it before depending on the exact trace keys below.
func TestBuildWalksStackMostRecentFirst(t *testing.T) {
	t.Parallel()

	s := parseSample(t, "1234 0x400500 400010/400020/P 3ff000/400010/M")
	d := NewBuilder(resolve.All, false).Build(s)

	require.Equal(t, uint64(2), d.Examined)
	require.Equal(t, uint64(1), d.NumTraces)
	require.Equal(t, map[Trace]Stats{
		{From: 0x400010, To: 0x400010}: {Taken: 1, Mispredicted: 1},
	}, d.Traces.Map())
	require.Equal(t, map[Trace]Stats{
		{From: 0x400010, To: 0x400020}: {Taken: 1, Mispredicted: 0},
		{From: 0x3ff000, To: 0x400010}: {Taken: 1, Mispredicted: 1},
	}, d.Branches.Map())
}

func TestBuildSkylakeFix(t *testing.T) {
	t.Parallel()

	two := parseSample(t, "1 0x400500 400010/400020/P 3ff000/400010/M")

	d := NewBuilder(resolve.All, true).Build(two)
	require.Zero(t, d.NumTraces)
	require.Zero(t, d.Traces.Len())
	require.Zero(t, d.Branches.Len())
	require.Zero(t, d.Examined)

	d = NewBuilder(resolve.All, false).Build(two)
	require.LessOrEqual(t, d.NumTraces, uint64(1))

	four := parseSample(t, "1 0x400500 1/2/P 3/4/P 400100/400200/P 400000/400050/M")
	d = NewBuilder(resolve.All, true).Build(four)
	require.Equal(t, uint64(2), d.Examined)
	require.Equal(t, map[Trace]Stats{
		{From: 0x400050, To: 0x400100}: {Taken: 1, Mispredicted: 1},
	}, d.Traces.Map())
}

func TestBuildUnresolved(t *testing.T) {
	t.Parallel()

	r := resolve.NewRanges(&resolve.Function{Name: "f", Start: 0x400000, End: 0x400100})
	s := parseSample(t, "1 0x400500 400010/400020/P 900000/910000/M 400030/900000/P")
	d := NewBuilder(r, false).Build(s)

	require.Equal(t, uint64(1), d.NumTraces)
	require.Equal(t, map[Trace]Stats{
		{From: 0, To: 0x400010}: {Taken: 1, Mispredicted: 1},
	}, d.Traces.Map())
	require.Equal(t, map[Trace]Stats{
		{From: 0x400010, To: 0x400020}: {Taken: 1},
		{From: 0x400030, To: 0}:        {Taken: 1},
	}, d.Branches.Map())
}

func TestBuildNothingResolved(t *testing.T) {
	t.Parallel()

	s := parseSample(t, "1 0x400500 400010/400020/P 3ff000/400010/M 3fe000/3ff000/P")
	d := NewBuilder(resolve.None, false).Build(s)
	require.Zero(t, d.NumTraces)
	require.Zero(t, d.Traces.Len())
	require.Zero(t, d.Branches.Len())
	require.Equal(t, uint64(3), d.Examined)
}

func TestBuildEmptySample(t *testing.T) {
	t.Parallel()

	d := NewBuilder(resolve.All, false).Build(parseSample(t, "1 0x400500"))
	require.Zero(t, d.NumTraces)
	require.Zero(t, d.Traces.Len())
}

func TestBuildDoesNotMutateSample(t *testing.T) {
	t.Parallel()

	s := parseSample(t, "1 0x400500 400010/400020/P/1 3ff000/400010/M/2")
	before := lbr.Sample{PID: s.PID, PC: s.PC, Entries: append([]lbr.Entry(nil), s.Entries...)}

	NewBuilder(resolve.All, true).Build(s)
	NewBuilder(resolve.All, false).Build(s)
	require.Equal(t, before, s)
}

func TestBuildRepeatedTraces(t *testing.T) {
	t.Parallel()

	// A tight loop: the same back edge taken over and over.
	s := parseSample(t, "1 0x400500 400040/400000/P 400040/400000/M 400040/400000/P")
	d := NewBuilder(resolve.All, false).Build(s)

	require.Equal(t, uint64(2), d.NumTraces)
	require.Equal(t, map[Trace]Stats{
		{From: 0x400000, To: 0x400040}: {Taken: 2, Mispredicted: 1},
	}, d.Traces.Map())
	require.Equal(t, map[Trace]Stats{
		{From: 0x400040, To: 0x400000}: {Taken: 3, Mispredicted: 1},
	}, d.Branches.Map())
}
