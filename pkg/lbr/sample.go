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
	"fmt"
	"strconv"
	"strings"
)

// DefaultKernelBase is the start of the x86-64 kernel address space.
const DefaultKernelBase = uint64(0xffff800000000000)

// Sample is one line of `perf script -F pid,ip,brstack` output.
type Sample struct {
	PID uint64
	PC  uint64
	// Entries are ordered most recent branch first, as recorded by the
	// hardware.
	Entries []Entry
}

var (
	ErrMissingPID = errors.New("PID not found")
	ErrMissingPC  = errors.New("PC not found")
)

// MalformedSampleError is returned when a line is not a valid branch sample.
type MalformedSampleError struct {
	Reason string
	Err    error
}

func (e *MalformedSampleError) Error() string {
	if e.Err == nil {
		return "malformed sample: " + e.Reason
	}
	return fmt.Sprintf("malformed sample: %s: %v", e.Reason, e.Err)
}

func (e *MalformedSampleError) Unwrap() error {
	return e.Err
}

type ParserOptions struct {
	Dialect Dialect
	// IgnoreKernelInterrupts drops entries touching addresses at or above
	// KernelBase.
	IgnoreKernelInterrupts bool
	KernelBase             uint64
}

func DefaultParserOptions() ParserOptions {
	return ParserOptions{
		Dialect:                DialectBasic,
		IgnoreKernelInterrupts: true,
		KernelBase:             DefaultKernelBase,
	}
}

type Parser struct {
	opts ParserOptions
}

func NewParser(opts ParserOptions) *Parser {
	return &Parser{opts: opts}
}

// IsBranchRecord reports whether line may hold a branch sample. Blank lines
// and perf script comments are not branch records.
func IsBranchRecord(line string) bool {
	line = strings.TrimSpace(line)
	return line != "" && line[0] != '#'
}

// ParseSample parses "PID PC from/to/flag ...". Any malformed LBR token
// fails the whole sample.
func (p *Parser) ParseSample(line string) (Sample, error) {
	tokens := strings.Fields(line)

	if len(tokens) < 1 {
		return Sample{}, &MalformedSampleError{Reason: "missing PID", Err: ErrMissingPID}
	}
	pid, err := strconv.ParseUint(tokens[0], 10, 64)
	if err != nil {
		return Sample{}, &MalformedSampleError{Reason: "invalid PID", Err: err}
	}

	if len(tokens) < 2 {
		return Sample{}, &MalformedSampleError{Reason: "missing PC", Err: ErrMissingPC}
	}
	pc, err := parseHexToUint64(tokens[1])
	if err != nil {
		return Sample{}, &MalformedSampleError{Reason: "invalid PC", Err: err}
	}

	s := Sample{PID: pid, PC: pc}
	lbrTokens := tokens[2:]
	if len(lbrTokens) > 0 {
		s.Entries = make([]Entry, 0, len(lbrTokens))
	}
	for i, tok := range lbrTokens {
		e, err := ParseEntry(tok, p.opts.Dialect)
		if err != nil {
			return Sample{}, &MalformedSampleError{
				Reason: fmt.Sprintf("LBR entry %d", i),
				Err:    err,
			}
		}
		if p.ignore(e) {
			continue
		}
		s.Entries = append(s.Entries, e)
	}

	return s, nil
}

func (p *Parser) ignore(e Entry) bool {
	return p.opts.IgnoreKernelInterrupts &&
		(e.From >= p.opts.KernelBase || e.To >= p.opts.KernelBase)
}
