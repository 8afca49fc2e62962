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
	"regexp"
	"strconv"
	"strings"
)

// Parsers for the textual mmap and task events printed by
// `perf script --show-mmap-events` and `perf script --show-task-events`.

var (
	errNotMmapEvent = errors.New("not a PERF_RECORD_MMAP2 event")
	errNotTaskEvent = errors.New("not a task event")

	mmapEventRe = regexp.MustCompile(
		`(?:(\d+)\.(\d+):\s+)?PERF_RECORD_MMAP2\s+(-?\d+)/(-?\d+):\s+` +
			`\[(0x[0-9a-fA-F]+)\((0x[0-9a-fA-F]+)\)\s+@\s+(0x[0-9a-fA-F]+|\d+)[^\]]*\]:\s+\S+\s+(.*)$`)
	commExecRe   = regexp.MustCompile(`PERF_RECORD_COMM exec:\s+.*:(-?\d+)/(-?\d+)\s*$`)
	forkRecordRe = regexp.MustCompile(`(?:(\d+)\.(\d+):\s+)?PERF_RECORD_FORK\((\d+):(\d+)\):\((\d+):(\d+)\)`)
	compactFork  = regexp.MustCompile(`^FORK\s+(\d+)\s+(\d+)\s+(\d+)\s*$`)
)

const deletedSuffix = "(deleted)"

// ParseMmapEvent parses a PERF_RECORD_MMAP2 line. It returns ok=false for
// mappings that should be ignored: PID -1 and deleted files.
func ParseMmapEvent(line string) (m Mapping, ok bool, err error) { //nolint:nonamedreturns
	match := mmapEventRe.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if match == nil {
		return Mapping{}, false, errNotMmapEvent
	}

	pid, err := strconv.Atoi(match[3])
	if err != nil {
		return Mapping{}, false, fmt.Errorf("parse pid: %w", err)
	}
	if pid == -1 {
		return Mapping{}, false, nil
	}

	start, err := strconv.ParseUint(match[5], 0, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("parse address: %w", err)
	}
	size, err := strconv.ParseUint(match[6], 0, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("parse size: %w", err)
	}
	offset, err := strconv.ParseUint(match[7], 0, 64)
	if err != nil {
		return Mapping{}, false, fmt.Errorf("parse offset: %w", err)
	}

	path := strings.TrimSpace(match[8])
	if path == "" || strings.HasSuffix(path, deletedSuffix) {
		return Mapping{}, false, nil
	}

	return Mapping{
		PID:    pid,
		Start:  start,
		Size:   size,
		Offset: offset,
		Time:   parseTimestamp(match[1], match[2]),
		Path:   path,
	}, true, nil
}

type TaskEventKind int

const (
	TaskExec TaskEventKind = iota
	TaskFork
)

type TaskEvent struct {
	Kind TaskEventKind
	// PID is the exec'ing process, or the child of a fork.
	PID       int
	ParentPID int
	Time      uint64
}

// ParseTaskEvent parses COMM exec and FORK events. Forks of a process onto
// itself and compact forks without a timestamp are reported with ok=false.
func ParseTaskEvent(line string) (ev TaskEvent, ok bool, err error) { //nolint:nonamedreturns
	line = strings.TrimRight(line, "\r\n")

	if match := commExecRe.FindStringSubmatch(line); match != nil {
		pid, err := strconv.Atoi(match[1])
		if err != nil {
			return TaskEvent{}, false, fmt.Errorf("parse exec pid: %w", err)
		}
		return TaskEvent{Kind: TaskExec, PID: pid}, true, nil
	}

	if match := forkRecordRe.FindStringSubmatch(line); match != nil {
		child, err := strconv.Atoi(match[3])
		if err != nil {
			return TaskEvent{}, false, fmt.Errorf("parse fork child: %w", err)
		}
		parent, err := strconv.Atoi(match[5])
		if err != nil {
			return TaskEvent{}, false, fmt.Errorf("parse fork parent: %w", err)
		}
		ev := TaskEvent{Kind: TaskFork, PID: child, ParentPID: parent, Time: parseTimestamp(match[1], match[2])}
		return ev, parent != child, nil
	}

	if match := compactFork.FindStringSubmatch(strings.TrimSpace(line)); match != nil {
		parent, err := strconv.Atoi(match[1])
		if err != nil {
			return TaskEvent{}, false, fmt.Errorf("parse fork parent: %w", err)
		}
		child, err := strconv.Atoi(match[2])
		if err != nil {
			return TaskEvent{}, false, fmt.Errorf("parse fork child: %w", err)
		}
		t, err := strconv.ParseUint(match[3], 10, 64)
		if err != nil {
			return TaskEvent{}, false, fmt.Errorf("parse fork time: %w", err)
		}
		ev := TaskEvent{Kind: TaskFork, PID: child, ParentPID: parent, Time: t}
		return ev, parent != child && t != 0, nil
	}

	return TaskEvent{}, false, errNotTaskEvent
}

// parseTimestamp converts perf's "seconds.fraction" into nanoseconds.
func parseTimestamp(sec, frac string) uint64 {
	if sec == "" {
		return 0
	}
	s, err := strconv.ParseUint(sec, 10, 64)
	if err != nil {
		return 0
	}
	for len(frac) < 9 {
		frac += "0"
	}
	ns, err := strconv.ParseUint(frac[:9], 10, 64)
	if err != nil {
		return 0
	}
	return s*1e9 + ns
}
