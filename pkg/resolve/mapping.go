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
	"fmt"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/parca-dev/lbr-aggregator/pkg/process"
)

// NewMappingResolver resolves addresses falling into the executable mappings
// of pid whose path ends with objectSuffix. An empty suffix accepts every
// mapping. The returned handle spans the whole mapping.
func NewMappingResolver(tracker *process.Tracker, pid int, objectSuffix string) Resolver {
	return mappingsResolver(tracker.Mappings(pid), objectSuffix)
}

// NewProcMapsResolver is like NewMappingResolver but reads the mappings of a
// running process from procfs.
func NewProcMapsResolver(fs procfs.FS, pid int, objectSuffix string) (Resolver, error) {
	ms, err := process.MappingsForPID(fs, pid)
	if err != nil {
		return nil, fmt.Errorf("read mappings: %w", err)
	}
	return mappingsResolver(ms, objectSuffix), nil
}

func mappingsResolver(ms process.Mappings, objectSuffix string) *Ranges {
	r := &Ranges{}
	for _, m := range ms {
		if objectSuffix != "" && !strings.HasSuffix(m.Path, objectSuffix) {
			continue
		}
		r.Add(&Function{
			Start: m.Start,
			End:   m.End(),
			Path:  m.Path,
		})
	}
	return r
}
