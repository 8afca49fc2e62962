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

package resolve

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/lbr-aggregator/pkg/hash"
)

// lastKernelSymbolSize bounds the final symbol, which has no successor to
// end it.
const lastKernelSymbolSize = 4096

// NewKallsymsResolver resolves kernel addresses with the text symbols of a
// /proc/kallsyms formatted file. Every symbol extends up to the next one.
func NewKallsymsResolver(logger log.Logger, path string) (*Ranges, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := readKallsyms(logger, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if h, err := hash.File(path); err == nil {
		level.Debug(logger).Log("msg", "loaded kernel symbols", "path", path, "symbols", r.Len(), "hash", fmt.Sprintf("%016x", h))
	}
	return r, nil
}

type ksym struct {
	addr   uint64
	name   string
	module string
}

func readKallsyms(logger log.Logger, rd io.Reader) (*Ranges, error) {
	var (
		syms    []ksym
		skipped int
	)
	s := bufio.NewScanner(rd)
	for s.Scan() {
		// ffffffff81000000 T _stext [module]
		fields := strings.Fields(s.Text())
		if len(fields) < 3 {
			skipped++
			continue
		}
		switch fields[1] {
		case "t", "T", "w", "W":
		default:
			continue
		}
		addr, err := parseHex(fields[0])
		if err != nil {
			skipped++
			continue
		}
		// Restricted kallsyms report every address as zero.
		if addr == 0 {
			continue
		}
		sym := ksym{addr: addr, name: fields[2]}
		if len(fields) > 3 {
			sym.module = strings.Trim(fields[3], "[]")
		}
		syms = append(syms, sym)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		level.Warn(logger).Log("msg", "failed to parse some kallsyms lines", "count", skipped)
	}
	if len(syms) == 0 {
		return nil, ErrNoSymbols
	}

	sort.SliceStable(syms, func(i, j int) bool { return syms[i].addr < syms[j].addr })

	r := &Ranges{}
	for i, sym := range syms {
		end := sym.addr + lastKernelSymbolSize
		if i+1 < len(syms) {
			end = syms[i+1].addr
		}
		path := "[kernel.kallsyms]"
		if sym.module != "" {
			path = sym.module
		}
		// Aliases share an address and produce an empty range, which Add drops.
		r.Add(&Function{Name: sym.name, Start: sym.addr, End: end, Path: path})
	}
	if r.Len() == 0 {
		return nil, errors.New("no kernel symbol ranges")
	}
	return r, nil
}
