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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEntry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		token   string
		dialect Dialect
		want    Entry
		field   Field
		wantErr bool
	}{
		{
			name:  "predicted",
			token: "400010/400020/P",
			want:  Entry{From: 0x400010, To: 0x400020, Prediction: Predicted},
		},
		{
			name:  "mispredicted",
			token: "3ff000/400010/M",
			want:  Entry{From: 0x3ff000, To: 0x400010, Prediction: Mispredicted},
		},
		{
			name:  "unknown",
			token: "7f12ABcd/7f12abd0/-",
			want:  Entry{From: 0x7f12abcd, To: 0x7f12abd0, Prediction: PredictionUnknown},
		},
		{
			name:  "prefixed addresses",
			token: "0x401000/0X401100/P",
			want:  Entry{From: 0x401000, To: 0x401100, Prediction: Predicted},
		},
		{
			name:  "extra fields",
			token: "401000/401100/M/-/-/12",
			want: Entry{
				From:       0x401000,
				To:         0x401100,
				Prediction: Mispredicted,
				Extra:      []string{"-", "-", "12"},
			},
		},
		{
			name:    "extended dialect",
			token:   "401000/401100/X/7",
			dialect: DialectExtended,
			want:    Entry{From: 0x401000, To: 0x401100, Prediction: Predicted, Extra: []string{"7"}},
		},
		{
			name:    "extended dialect mispredicted",
			token:   "401000/401100/MX",
			dialect: DialectExtended,
			want:    Entry{From: 0x401000, To: 0x401100, Prediction: Mispredicted},
		},
		{
			name:    "bad from",
			token:   "bogus/400020/P",
			field:   FieldFrom,
			wantErr: true,
		},
		{
			name:    "trailing characters in to",
			token:   "400010/400020zz/P",
			field:   FieldTo,
			wantErr: true,
		},
		{
			name:    "missing to",
			token:   "400010",
			field:   FieldTo,
			wantErr: true,
		},
		{
			name:    "missing flag",
			token:   "400010/400020",
			field:   FieldMispredFlag,
			wantErr: true,
		},
		{
			name:    "bad flag",
			token:   "400010/400020/X",
			field:   FieldMispredFlag,
			wantErr: true,
		},
		{
			name:    "flag too long",
			token:   "400010/400020/PM",
			field:   FieldMispredFlag,
			wantErr: true,
		},
		{
			name:    "address overflow",
			token:   "1ffffffffffffffff/400020/P",
			field:   FieldFrom,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseEntry(tt.token, tt.dialect)
			if tt.wantErr {
				var tokErr *MalformedTokenError
				require.True(t, errors.As(err, &tokErr))
				require.Equal(t, tt.field, tokErr.Field)
				require.Equal(t, tt.token, tokErr.Token)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEntryRoundTrip(t *testing.T) {
	t.Parallel()

	for _, token := range []string{
		"400010/400020/P",
		"3ff000/400010/M",
		"ffffffffffffffff/0/-",
		"401000/401100/M/-/-/12",
	} {
		e, err := ParseEntry(token, DialectBasic)
		require.NoError(t, err)
		require.Equal(t, token, e.String())

		again, err := ParseEntry(e.String(), DialectBasic)
		require.NoError(t, err)
		require.Equal(t, e, again)
	}
}

func TestEntryExtraFieldsDoNotAlias(t *testing.T) {
	t.Parallel()

	buf := []byte("401000/401100/P/abc")
	e, err := ParseEntry(string(buf), DialectBasic)
	require.NoError(t, err)

	copy(buf, "000000000000000000")
	require.Equal(t, []string{"abc"}, e.Extra)
}

func TestParseDialect(t *testing.T) {
	t.Parallel()

	d, err := ParseDialect("extended")
	require.NoError(t, err)
	require.Equal(t, DialectExtended, d)

	d, err = ParseDialect("")
	require.NoError(t, err)
	require.Equal(t, DialectBasic, d)

	_, err = ParseDialect("intel")
	require.Error(t, err)
}

func TestParseHexToUint64(t *testing.T) {
	t.Parallel()

	v, err := parseHexToUint64("ffff800000000000")
	require.NoError(t, err)
	require.Equal(t, uint64(0xffff800000000000), v)

	v, err = parseHexToUint64("0x400500")
	require.NoError(t, err)
	require.Equal(t, uint64(0x400500), v)

	_, err = parseHexToUint64("0x")
	require.ErrorIs(t, err, errEmptyHex)

	_, err = parseHexToUint64("12g4")
	require.ErrorIs(t, err, errInvalidChar)

	_, err = parseHexToUint64("11112222333344445")
	require.ErrorIs(t, err, errHexTooLong)
}
