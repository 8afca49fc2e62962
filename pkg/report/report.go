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

// Package report writes aggregated traces in text or pprof form.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/pprof/profile"
	"github.com/klauspost/compress/gzip"

	"github.com/parca-dev/lbr-aggregator/pkg/aggregate"
	"github.com/parca-dev/lbr-aggregator/pkg/resolve"
)

type Format string

const (
	FormatText  Format = "text"
	FormatPprof Format = "pprof"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatText, FormatPprof:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// WriteText writes the trace dump, gzip-compressed when compress is set.
func WriteText(w io.Writer, rs *aggregate.RunState, compress bool) error {
	if !compress {
		return rs.Dump(w)
	}
	zw := gzip.NewWriter(w)
	if err := rs.Dump(zw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

const (
	labelKind      = "kind"
	kindTrace      = "trace"
	kindBranch     = "branch"
	unresolvedName = "[unknown]"
)

// ToPprof converts the trace and branch tables into a profile. Every entry
// becomes a sample with the locations [To, From], so that the flame graph
// of a trace reads from its start to its end.
func ToPprof(rs *aggregate.RunState, resolver resolve.Resolver) (*profile.Profile, error) {
	if resolver == nil {
		resolver = resolve.None
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "traces", Unit: "count"},
			{Type: "mispredictions", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "branches", Unit: "count"},
		Period:     1,
	}

	funcs := map[string]*profile.Function{}
	locs := map[uint64]*profile.Location{}

	function := func(f *resolve.Function) *profile.Function {
		name := unresolvedName
		path := ""
		if f != nil {
			name = f.String()
			path = f.Path
		}
		if pf, ok := funcs[name]; ok {
			return pf
		}
		pf := &profile.Function{
			ID:         uint64(len(p.Function) + 1),
			Name:       name,
			SystemName: name,
			Filename:   path,
		}
		funcs[name] = pf
		p.Function = append(p.Function, pf)
		return pf
	}

	location := func(addr uint64) *profile.Location {
		if l, ok := locs[addr]; ok {
			return l
		}
		l := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Address: addr,
			Line:    []profile.Line{{Function: function(resolver.FunctionForAddr(addr))}},
		}
		locs[addr] = l
		p.Location = append(p.Location, l)
		return l
	}

	add := func(kind string, ts aggregate.TraceStats) {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{location(ts.To), location(ts.From)},
			Value:    []int64{int64(ts.Taken), int64(ts.Mispredicted)},
			Label:    map[string][]string{labelKind: {kind}},
		})
	}
	for _, ts := range aggregate.Sorted(rs.Traces) {
		add(kindTrace, ts)
	}
	for _, ts := range aggregate.Sorted(rs.Branches) {
		add(kindBranch, ts)
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return p, nil
}

// WriteFile writes rs to path in the given format. Text output is compressed
// when path ends in ".gz"; pprof output is always compressed.
func WriteFile(path string, format Format, rs *aggregate.RunState, resolver resolve.Resolver) (err error) { //nolint:nonamedreturns
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	if err := Write(bw, format, rs, resolver, strings.HasSuffix(path, ".gz")); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return bw.Flush()
}

func Write(w io.Writer, format Format, rs *aggregate.RunState, resolver resolve.Resolver, compress bool) error {
	switch format {
	case FormatText:
		return WriteText(w, rs, compress)
	case FormatPprof:
		p, err := ToPprof(rs, resolver)
		if err != nil {
			return err
		}
		return p.Write(w)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
