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

package perfscript

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestIsPerfData(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{name: "perf.data", content: "PERFILE2\x68\x00\x00\x00", want: true},
		{name: "text", content: "1234 0x400500 400010/400020/P\n", want: false},
		{name: "short", content: "PERF", want: false},
		{name: "empty", content: "", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(dir, tt.name)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			got, err := IsPerfData(path)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := IsPerfData(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewRunnerMissingPerf(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(log.NewNopLogger(), filepath.Join(t.TempDir(), "no-such-perf"))
	require.ErrorIs(t, err, ErrPerfNotFound)
}

// fakePerf writes a shell script standing in for perf.
func fakePerf(t *testing.T, body string) *Runner {
	t.Helper()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "perf")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700))

	r, err := NewRunner(log.NewNopLogger(), path)
	require.NoError(t, err)
	return r
}

func TestBranchesStreamsOutput(t *testing.T) {
	t.Parallel()

	r := fakePerf(t, `echo "$@"
echo "1234 0x400500 400010/400020/P"
`)
	rc, err := r.Branches(context.Background(), "perf.data")
	require.NoError(t, err)

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "script -F pid,ip,brstack -f -i perf.data\n1234 0x400500 400010/400020/P\n", string(out))
}

func TestEventArgs(t *testing.T) {
	t.Parallel()

	r := fakePerf(t, `echo "$@"`+"\n")

	rc, err := r.MmapEvents(context.Background(), "x.data")
	require.NoError(t, err)
	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "script --show-mmap-events --no-itrace -f -i x.data\n", string(out))

	rc, err = r.TaskEvents(context.Background(), "x.data")
	require.NoError(t, err)
	out, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "script --show-task-events --no-itrace -f -i x.data\n", string(out))
}

func TestFailureIsReadError(t *testing.T) {
	t.Parallel()

	r := fakePerf(t, `echo "1 0x1"
echo "failed to open perf.data" >&2
exit 3
`)
	rc, err := r.Branches(context.Background(), "perf.data")
	require.NoError(t, err)

	out, err := io.ReadAll(rc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to open perf.data")
	require.Equal(t, "1 0x1\n", string(out))

	var exitErr *exec.ExitError
	require.ErrorAs(t, rc.Close(), &exitErr)
	require.Equal(t, 3, exitErr.ExitCode())
}
