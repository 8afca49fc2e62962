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

package hash

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderMatchesFile(t *testing.T) {
	const content = "1234 0x400500 400010/400020/P\n"

	path := filepath.Join(t.TempDir(), "branches.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	fromFile, err := File(path)
	require.NoError(t, err)

	r, err := NewReader(strings.NewReader(content))
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, content, string(b))
	require.Equal(t, fromFile, r.Sum64())
	require.Equal(t, uint64(len(content)), r.Size())

	other, err := NewReader(strings.NewReader(content + "x"))
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, other)
	require.NoError(t, err)
	require.NotEqual(t, fromFile, other.Sum64())
}
