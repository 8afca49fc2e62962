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
	"debug/elf"
	"errors"
	"fmt"

	"github.com/ianlancetaylor/demangle"
)

var ErrNoSymbols = errors.New("no function symbols found")

// NewELFResolver resolves addresses to the function symbols of an ELF file.
// bias is added to every symbol value, for binaries loaded at an address
// other than their link address.
func NewELFResolver(path string, bias uint64) (*Ranges, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error loading ELF file %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbols: %w", err)
	}
	if len(syms) == 0 {
		// Stripped binaries still carry the dynamic symbol table.
		syms, err = f.DynamicSymbols()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return nil, fmt.Errorf("read dynamic symbols: %w", err)
		}
	}

	r := functionRanges(path, syms, bias)
	if r.Len() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoSymbols)
	}
	return r, nil
}

func functionRanges(path string, syms []elf.Symbol, bias uint64) *Ranges {
	r := &Ranges{}
	seen := make(map[uint64]struct{}, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 || s.Section == elf.SHN_UNDEF {
			continue
		}
		// Aliases share an address, keep the first.
		if _, ok := seen[s.Value]; ok {
			continue
		}
		seen[s.Value] = struct{}{}

		r.Add(&Function{
			Name:  demangle.Filter(s.Name),
			Start: s.Value + bias,
			End:   s.Value + s.Size + bias,
			Path:  path,
		})
	}
	return r
}
