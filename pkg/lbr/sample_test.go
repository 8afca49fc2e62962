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

package lbr

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSample(t *testing.T) {
	t.Parallel()

	p := NewParser(ParserOptions{IgnoreKernelInterrupts: false})

	s, err := p.ParseSample("1234 0x400500 400010/400020/P 3ff000/400010/M\n")
	require.NoError(t, err)
	require.Equal(t, uint64(1234), s.PID)
	require.Equal(t, uint64(0x400500), s.PC)
	require.Equal(t, []Entry{
		{From: 0x400010, To: 0x400020, Prediction: Predicted},
		{From: 0x3ff000, To: 0x400010, Prediction: Mispredicted},
	}, s.Entries)
}

func TestParseSamplePCWithoutPrefix(t *testing.T) {
	t.Parallel()

	s, err := NewParser(DefaultParserOptions()).ParseSample("  42\t400500   400010/400020/-  ")
	require.NoError(t, err)
	require.Equal(t, uint64(42), s.PID)
	require.Equal(t, uint64(0x400500), s.PC)
	require.Len(t, s.Entries, 1)
}

func TestParseSampleNoLBR(t *testing.T) {
	t.Parallel()

	s, err := NewParser(DefaultParserOptions()).ParseSample("1234 0x400500")
	require.NoError(t, err)
	require.Empty(t, s.Entries)
}

func TestParseSampleMalformed(t *testing.T) {
	t.Parallel()

	p := NewParser(DefaultParserOptions())
	tests := []struct {
		name     string
		line     string
		tokenErr bool
	}{
		{name: "empty", line: ""},
		{name: "missing pc", line: "1234"},
		{name: "bad pid", line: "abc 0x400500"},
		{name: "bad pc", line: "1234 0xzz"},
		{name: "bad token", line: "1234 0x400500 bogus/400020/P", tokenErr: true},
		{name: "bad token after good", line: "1234 0x400500 400010/400020/P 400010/400020/Q", tokenErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := p.ParseSample(tt.line)
			var sampleErr *MalformedSampleError
			require.True(t, errors.As(err, &sampleErr), "got %v", err)
			require.Empty(t, s.Entries)

			var tokErr *MalformedTokenError
			require.Equal(t, tt.tokenErr, errors.As(err, &tokErr))
		})
	}
}

func TestParseSampleKernelFilter(t *testing.T) {
	t.Parallel()

	const line = "1 0x400500 400010/400020/P ffffffff81000000/400030/P 400040/ffff800000000000/M 400050/ffff7fffffffffff/P"

	filtered, err := NewParser(DefaultParserOptions()).ParseSample(line)
	require.NoError(t, err)
	require.Equal(t, []Entry{
		{From: 0x400010, To: 0x400020, Prediction: Predicted},
		{From: 0x400050, To: 0xffff7fffffffffff, Prediction: Predicted},
	}, filtered.Entries)

	opts := DefaultParserOptions()
	opts.IgnoreKernelInterrupts = false
	unfiltered, err := NewParser(opts).ParseSample(line)
	require.NoError(t, err)
	require.Len(t, unfiltered.Entries, len(strings.Fields(line))-2)

	for _, e := range filtered.Entries {
		require.Less(t, e.From, DefaultKernelBase)
		require.Less(t, e.To, DefaultKernelBase)
	}
}

func TestParseSampleCustomKernelBase(t *testing.T) {
	t.Parallel()

	opts := DefaultParserOptions()
	opts.KernelBase = 0x500000
	s, err := NewParser(opts).ParseSample("1 0x400500 400010/400020/P 500000/400010/P")
	require.NoError(t, err)
	require.Len(t, s.Entries, 1)
}

func TestParseSampleGrowsWithoutLimit(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("7 0x400500")
	const n = 1000
	for i := 0; i < n; i++ {
		b.WriteString(" 401000/401010/P")
	}

	s, err := NewParser(DefaultParserOptions()).ParseSample(b.String())
	require.NoError(t, err)
	require.Len(t, s.Entries, n)
}

func TestIsBranchRecord(t *testing.T) {
	t.Parallel()

	require.False(t, IsBranchRecord(""))
	require.False(t, IsBranchRecord("   \n"))
	require.False(t, IsBranchRecord("# ========"))
	require.True(t, IsBranchRecord("1234 0x400500"))
}
