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
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/minio/highwayhash"
)

var key = mustDecode("000102030405060708090A0B0C0D0E0FF0E0D0C0B0A090807060504030201000")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("Cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func New() (hash.Hash64, error) {
	return highwayhash.New64(key)
}

// Reader fingerprints everything read through it.
type Reader struct {
	r io.Reader
	h hash.Hash64
	n uint64
}

func NewReader(r io.Reader) (*Reader, error) {
	h, err := New()
	if err != nil {
		return nil, err
	}
	return &Reader{r: io.TeeReader(r, h), h: h}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += uint64(n)
	return n, err
}

// Size returns the number of bytes read so far.
func (r *Reader) Size() uint64 {
	return r.n
}

// Sum64 returns the fingerprint of the data read so far.
func (r *Reader) Sum64() uint64 {
	return r.h.Sum64()
}

// File returns the fingerprint of the file at path.
func File(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return 0, err
	}
	return r.Sum64(), nil
}
