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
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/puzpuzpuz/xsync/v3"
)

// Tracker keeps the executable mappings of every process seen in mmap
// events, and propagates them to children on fork.
type Tracker struct {
	logger log.Logger

	mappings *xsync.MapOf[int, Mappings]
}

func NewTracker(logger log.Logger) *Tracker {
	return &Tracker{
		logger:   logger,
		mappings: xsync.NewMapOf[int, Mappings](),
	}
}

// AddMapping records m. It returns false if the process already has a
// mapping of the same file.
func (t *Tracker) AddMapping(m Mapping) bool {
	added := false
	t.mappings.Compute(m.PID, func(old Mappings, _ bool) (Mappings, bool) {
		if old.hasPath(m.Path) {
			return old, false
		}
		added = true
		// Copy on write so concurrent readers keep a consistent view.
		res := make(Mappings, 0, len(old)+1)
		res = append(res, old...)
		return append(res, m), false
	})
	return added
}

// Fork copies the mappings of parent to child. Mappings the child already
// recorded for the same file are kept.
func (t *Tracker) Fork(parent, child int, time uint64) bool {
	if parent == child {
		return false
	}
	parentMappings, ok := t.mappings.Load(parent)
	if !ok {
		return false
	}

	t.mappings.Compute(child, func(old Mappings, _ bool) (Mappings, bool) {
		res := make(Mappings, 0, len(old)+len(parentMappings))
		res = append(res, old...)
		for _, m := range parentMappings {
			if res.hasPath(m.Path) {
				continue
			}
			m.PID = child
			m.Forked = true
			if time != 0 {
				m.Time = time
			}
			res = append(res, m)
		}
		return res, false
	})
	return true
}

// Exec drops the mappings a process inherited from its parent, since the new
// image replaces them.
func (t *Tracker) Exec(pid int) {
	t.mappings.Compute(pid, func(old Mappings, loaded bool) (Mappings, bool) {
		if !loaded {
			return nil, true
		}
		res := make(Mappings, 0, len(old))
		for _, m := range old {
			if !m.Forked {
				res = append(res, m)
			}
		}
		return res, len(res) == 0
	})
}

func (t *Tracker) Mappings(pid int) Mappings {
	ms, _ := t.mappings.Load(pid)
	return ms
}

// PIDs returns the tracked process IDs in ascending order.
func (t *Tracker) PIDs() []int {
	pids := make([]int, 0, t.mappings.Size())
	t.mappings.Range(func(pid int, _ Mappings) bool {
		pids = append(pids, pid)
		return true
	})
	sort.Ints(pids)
	return pids
}

// ReadEvents consumes perf script mmap and task event output. Lines that
// are neither are skipped; lines that look like events but fail to parse
// are logged together once the input is exhausted.
func (t *Tracker) ReadEvents(r io.Reader) error {
	br := bufio.NewReader(r)
	var (
		lineNo     int
		multiError error
	)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			lineNo++
			if perr := t.handleLine(line); perr != nil {
				multiError = errors.Join(multiError, fmt.Errorf("line %d: %w", lineNo, perr))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read events: %w", err)
		}
	}

	if multiError != nil {
		level.Debug(t.logger).Log("msg", "some task events failed to be parsed", "err", multiError)
	}
	return nil
}

func (t *Tracker) handleLine(line string) error {
	m, ok, err := ParseMmapEvent(line)
	switch {
	case err == nil:
		if ok && !t.AddMapping(m) {
			level.Debug(t.logger).Log("msg", "duplicate mapping", "pid", m.PID, "path", m.Path)
		}
		return nil
	case !errors.Is(err, errNotMmapEvent):
		return err
	}

	ev, ok, err := ParseTaskEvent(line)
	switch {
	case errors.Is(err, errNotTaskEvent):
		return nil
	case err != nil:
		return err
	case !ok:
		return nil
	}

	switch ev.Kind {
	case TaskExec:
		t.Exec(ev.PID)
	case TaskFork:
		if t.Fork(ev.ParentPID, ev.PID, ev.Time) {
			level.Debug(t.logger).Log("msg", "inherited mappings", "parent", ev.ParentPID, "child", ev.PID)
		}
	}
	return nil
}
