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

// Package resolve maps virtual addresses to the functions containing them.
package resolve

import "fmt"

// Function is an opaque handle for the function containing an address.
type Function struct {
	Name  string
	Start uint64
	End   uint64
	// Path of the object the function belongs to, if known.
	Path string
}

func (f *Function) String() string {
	if f.Name != "" {
		return f.Name
	}
	return fmt.Sprintf("%s@0x%x", f.Path, f.Start)
}

// Resolver returns the function containing addr, or nil if the address is
// unresolved. Implementations must be safe for concurrent use.
type Resolver interface {
	FunctionForAddr(addr uint64) *Function
}

// Func adapts a function to the Resolver interface.
type Func func(addr uint64) *Function

func (f Func) FunctionForAddr(addr uint64) *Function {
	return f(addr)
}

var anyFunction = &Function{Name: "<any>", End: ^uint64(0)}

// All resolves every address.
var All Resolver = Func(func(uint64) *Function { return anyFunction })

// None resolves nothing.
var None Resolver = Func(func(uint64) *Function { return nil })

// Chain tries each resolver in order and returns the first match.
type Chain []Resolver

func (c Chain) FunctionForAddr(addr uint64) *Function {
	for _, r := range c {
		if f := r.FunctionForAddr(addr); f != nil {
			return f
		}
	}
	return nil
}
