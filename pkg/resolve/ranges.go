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
	"sort"
	"sync"
)

// Ranges resolves addresses against a set of [Start, End) functions.
// Overlaps are settled once, on first use: ranges are ordered by start, the
// earlier (or, at the same start, the larger) range wins, and a later range
// keeps only the part past the end of the ranges before it.
type Ranges struct {
	once  sync.Once
	funcs []*Function
}

func NewRanges(funcs ...*Function) *Ranges {
	r := &Ranges{}
	for _, f := range funcs {
		r.Add(f)
	}
	return r
}

// Add inserts f. Adding after the first lookup or Len is not supported.
func (r *Ranges) Add(f *Function) {
	if f.End <= f.Start {
		return
	}
	r.funcs = append(r.funcs, f)
}

// Len returns the number of ranges left once overlaps are settled.
func (r *Ranges) Len() int {
	r.init()
	return len(r.funcs)
}

func (r *Ranges) init() {
	r.once.Do(func() {
		sort.SliceStable(r.funcs, func(i, j int) bool {
			if r.funcs[i].Start != r.funcs[j].Start {
				return r.funcs[i].Start < r.funcs[j].Start
			}
			return r.funcs[i].End > r.funcs[j].End
		})

		res := r.funcs[:0]
		var end uint64
		for _, f := range r.funcs {
			switch {
			case len(res) == 0 || f.Start >= end:
				res = append(res, f)
			case f.End > end:
				clipped := *f
				clipped.Start = end
				res = append(res, &clipped)
			default:
				continue
			}
			end = f.End
		}
		r.funcs = res
	})
}

func (r *Ranges) FunctionForAddr(addr uint64) *Function {
	if r == nil {
		return nil
	}
	r.init()

	fs := r.funcs
	i := sort.Search(len(fs), func(i int) bool {
		return addr < fs[i].End
	})
	if i < len(fs) && fs[i].Start <= addr && addr < fs[i].End {
		return fs[i]
	}
	return nil
}
