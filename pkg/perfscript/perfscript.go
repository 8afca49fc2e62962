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

// Package perfscript runs perf script over a perf.data file and streams its
// output.
package perfscript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/armon/circbuf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// stderrTail is how much of perf's stderr is kept for error messages.
const stderrTail = 4096

// perfFileMagic starts every perf.data file written by perf record.
const perfFileMagic = "PERFILE2"

var ErrPerfNotFound = errors.New("perf executable not found")

// IsPerfData reports whether path looks like a perf.data file.
func IsPerfData(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	magic := make([]byte, len(perfFileMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return string(magic) == perfFileMagic, nil
}

type Runner struct {
	logger   log.Logger
	perfPath string
}

// NewRunner looks up perf in PATH when perfPath is empty.
func NewRunner(logger log.Logger, perfPath string) (*Runner, error) {
	if perfPath == "" {
		perfPath = "perf"
	}
	path, err := exec.LookPath(perfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPerfNotFound, err)
	}
	return &Runner{logger: logger, perfPath: path}, nil
}

// Branches streams "PID PC brstack" lines for every sample in perfData.
func (r *Runner) Branches(ctx context.Context, perfData string) (io.ReadCloser, error) {
	return r.script(ctx, "-F", "pid,ip,brstack", "-f", "-i", perfData)
}

// MmapEvents streams the PERF_RECORD_MMAP2 events in perfData.
func (r *Runner) MmapEvents(ctx context.Context, perfData string) (io.ReadCloser, error) {
	return r.script(ctx, "--show-mmap-events", "--no-itrace", "-f", "-i", perfData)
}

// TaskEvents streams the COMM and FORK events in perfData.
func (r *Runner) TaskEvents(ctx context.Context, perfData string) (io.ReadCloser, error) {
	return r.script(ctx, "--show-task-events", "--no-itrace", "-f", "-i", perfData)
}

func (r *Runner) script(ctx context.Context, args ...string) (io.ReadCloser, error) {
	args = append([]string{"script"}, args...)
	cmd := exec.CommandContext(ctx, r.perfPath, args...)

	stderr, err := circbuf.NewBuffer(stderrTail)
	if err != nil {
		return nil, err
	}
	s := &stream{cmd: cmd, stderr: stderr}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd, err)
	}
	level.Debug(r.logger).Log("msg", "started perf", "args", strings.Join(args, " "), "pid", cmd.Process.Pid)

	s.stdout = stdout
	return s, nil
}

// stream turns a non-zero exit of the command into the read error returned
// once its output is exhausted.
type stream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *circbuf.Buffer

	once    sync.Once
	waitErr error
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (s *stream) Close() error {
	s.stdout.Close()
	return s.wait()
}

func (s *stream) wait() error {
	s.once.Do(func() {
		if err := s.cmd.Wait(); err != nil {
			msg := strings.TrimSpace(s.stderr.String())
			if msg != "" {
				s.waitErr = fmt.Errorf("%s: %w: %s", s.cmd.Path, err, msg)
			} else {
				s.waitErr = fmt.Errorf("%s: %w", s.cmd.Path, err)
			}
		}
	})
	return s.waitErr
}
