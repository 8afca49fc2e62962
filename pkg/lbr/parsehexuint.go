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

import "errors"

var (
	errEmptyHex    = errors.New("empty input")
	errHexTooLong  = errors.New("input too long")
	errInvalidChar = errors.New("invalid character")
)

// parseHexToUint64 parses the whole of hexStr as a base 16 number. An
// optional "0x" or "0X" prefix is stripped; any other non-hex character
// fails the parse.
func parseHexToUint64(hexStr string) (uint64, error) {
	if len(hexStr) >= 2 && hexStr[0] == '0' && (hexStr[1] == 'x' || hexStr[1] == 'X') {
		hexStr = hexStr[2:]
	}

	length := len(hexStr)
	if length == 0 {
		return 0, errEmptyHex
	}
	if length > 16 {
		return 0, errHexTooLong
	}

	var result uint64
	for i := 0; i < length; i++ {
		result <<= 4
		char := hexStr[i]
		switch {
		case char >= '0' && char <= '9':
			result |= uint64(char - '0')
		case char >= 'a' && char <= 'f':
			result |= uint64(char-'a') + 10
		case char >= 'A' && char <= 'F':
			result |= uint64(char-'A') + 10
		default:
			return 0, errInvalidChar
		}
	}

	return result, nil
}
