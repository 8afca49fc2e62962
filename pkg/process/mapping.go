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

package process

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/procfs"
)

var ErrProcNotFound = errors.New("process not found")

// Mapping is an executable memory mapping of a process.
type Mapping struct {
	PID    int
	Start  uint64
	Size   uint64
	Offset uint64
	// Time is the event timestamp in nanoseconds, zero if unknown.
	Time uint64
	Path string
	// Forked is set when the mapping was inherited from a parent process.
	Forked bool
}

func (m Mapping) End() uint64 {
	return m.Start + m.Size
}

func (m Mapping) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End()
}

// Base returns the file name of the mapped object.
func (m Mapping) Base() string {
	return filepath.Base(m.Path)
}

func (m Mapping) String() string {
	return fmt.Sprintf("%s : %d [0x%x, 0x%x @ 0x%x]", m.Base(), m.PID, m.Start, m.Size, m.Offset)
}

type Mappings []Mapping

func (ms Mappings) hasPath(path string) bool {
	for _, m := range ms {
		if m.Path == path {
			return true
		}
	}
	return false
}

// MappingForAddr returns the mapping that contains the given address.
func (ms Mappings) MappingForAddr(addr uint64) *Mapping {
	for i := range ms {
		if ms[i].Contains(addr) {
			return &ms[i]
		}
	}
	return nil
}

// MappingsForPID reads the executable mappings of a live process.
func MappingsForPID(fs procfs.FS, pid int) (Mappings, error) {
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to open proc %d: %w", pid, err))
	}

	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, errors.Join(ErrProcNotFound, fmt.Errorf("failed to read proc maps for proc %d: %w", pid, err))
	}

	res := make(Mappings, 0, len(maps))
	for _, m := range maps {
		// We only ever care about executable mappings.
		if m.Perms == nil || !m.Perms.Execute {
			continue
		}
		res = append(res, Mapping{
			PID:    pid,
			Start:  uint64(m.StartAddr),
			Size:   uint64(m.EndAddr - m.StartAddr),
			Offset: uint64(m.Offset),
			Path:   m.Pathname,
		})
	}
	return res, nil
}
