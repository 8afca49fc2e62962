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
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrEmptyPerfMap = errors.New("perf-map is empty")

// NewPerfMapResolver reads a /tmp/perf-<pid>.map file, as written by JIT
// runtimes, into function ranges. A later entry for the same start address
// replaces an earlier one.
func NewPerfMapResolver(logger log.Logger, path string) (*Ranges, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := readPerfMap(logger, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, fn := range r.funcs {
		fn.Path = path
	}
	return r, nil
}

func readPerfMap(logger log.Logger, rd io.Reader) (*Ranges, error) {
	var (
		br         = bufio.NewReader(rd)
		byStart    = map[uint64]int{}
		funcs      []*Function
		multiError error
	)
	for i := 0; ; i++ {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			fn, perr := parsePerfMapLine(line)
			switch {
			case perr != nil:
				multiError = errors.Join(multiError, fmt.Errorf("parse perf map line %d: %w", i, perr))
			case fn != nil:
				if j, ok := byStart[fn.Start]; ok {
					funcs[j] = fn
				} else {
					byStart[fn.Start] = len(funcs)
					funcs = append(funcs, fn)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read perf map line: %w", err)
		}
	}

	if multiError != nil {
		level.Debug(logger).Log("msg", "some perf map lines failed to be parsed", "err", multiError)
	}
	if len(funcs) == 0 {
		return nil, ErrEmptyPerfMap
	}
	return NewRanges(funcs...), nil
}

// parsePerfMapLine parses "START SIZE symbol". Symbols may contain spaces.
func parsePerfMapLine(line string) (*Function, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}

	startStr, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, errors.New("invalid line")
	}
	sizeStr, name, ok := strings.Cut(rest, " ")
	if !ok || name == "" {
		return nil, errors.New("invalid line")
	}

	start, err := parseHex(startStr)
	if err != nil {
		return nil, fmt.Errorf("parsing start: %w", err)
	}
	size, err := parseHex(sizeStr)
	if err != nil {
		return nil, fmt.Errorf("parsing size: %w", err)
	}
	if start+size < start {
		return nil, errors.New("overflowed mapping")
	}
	return &Function{Name: name, Start: start, End: start + size}, nil
}

// Some runtimes prefix perf map addresses with "0x".
func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}
