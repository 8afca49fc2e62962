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

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New(&buf, "info", LogFormatLogfmt, "lbr-aggregator")
	require.NoError(t, err)

	level.Debug(l).Log("msg", "hidden")
	require.Empty(t, buf.String())

	level.Info(l).Log("msg", "shown")
	require.Contains(t, buf.String(), "msg=shown")
	require.Contains(t, buf.String(), "name=lbr-aggregator")
	require.Contains(t, buf.String(), "level=info")
}

func TestJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New(&buf, "debug", LogFormatJSON, "")
	require.NoError(t, err)

	level.Debug(l).Log("msg", "hello", "line", 3)

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "hello", m["msg"])
	require.Equal(t, "debug", m["level"])
	require.Contains(t, m, "ts")
	require.Contains(t, m, "caller")
	require.NotContains(t, m, "name")
}

func TestInvalidOptions(t *testing.T) {
	t.Parallel()

	_, err := New(&bytes.Buffer{}, "verbose", LogFormatLogfmt, "")
	require.Error(t, err)

	_, err = New(&bytes.Buffer{}, "info", "xml", "")
	require.Error(t, err)

	require.Panics(t, func() { NewLogger("nope", LogFormatLogfmt, "") })
}
