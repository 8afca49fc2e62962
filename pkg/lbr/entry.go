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
	"fmt"
	"strings"
)

// Dialect selects how the misprediction field of an LBR token is read.
type Dialect int

const (
	// DialectBasic accepts exactly one of 'P', 'M' or '-'.
	DialectBasic Dialect = iota
	// DialectExtended accepts any flag; only 'M' means mispredicted.
	DialectExtended
)

func (d Dialect) String() string {
	switch d {
	case DialectBasic:
		return "basic"
	case DialectExtended:
		return "extended"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// ParseDialect returns the Dialect named by s.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "basic", "":
		return DialectBasic, nil
	case "extended":
		return DialectExtended, nil
	default:
		return 0, fmt.Errorf("unknown LBR dialect %q", s)
	}
}

// Prediction is the misprediction state recorded for a branch.
type Prediction uint8

const (
	PredictionUnknown Prediction = iota
	Predicted
	Mispredicted
)

func (p Prediction) flag() byte {
	switch p {
	case Predicted:
		return 'P'
	case Mispredicted:
		return 'M'
	default:
		return '-'
	}
}

// Entry is a single branch of an LBR stack.
type Entry struct {
	From       uint64
	To         uint64
	Prediction Prediction
	// Extra holds vendor specific fields (cycles, abort, ...) verbatim.
	Extra []string
}

func (e Entry) Mispredicted() bool {
	return e.Prediction == Mispredicted
}

// String formats the entry the same way perf prints it.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%x/%x/%c", e.From, e.To, e.Prediction.flag())
	for _, f := range e.Extra {
		b.WriteByte('/')
		b.WriteString(f)
	}
	return b.String()
}

// Field identifies the part of an LBR token that failed to parse.
type Field int

const (
	FieldFrom Field = iota
	FieldTo
	FieldMispredFlag
)

func (f Field) String() string {
	switch f {
	case FieldFrom:
		return "From"
	case FieldTo:
		return "To"
	case FieldMispredFlag:
		return "MispredFlag"
	default:
		return fmt.Sprintf("Field(%d)", int(f))
	}
}

var (
	ErrMissingField = errors.New("missing field")
	ErrInvalidFlag  = errors.New("expected single char for mispred bit")
)

// MalformedTokenError is returned when an LBR token can't be parsed.
type MalformedTokenError struct {
	Field Field
	Token string
	Err   error
}

func (e *MalformedTokenError) Error() string {
	return fmt.Sprintf("malformed LBR token %q: %s: %v", e.Token, e.Field, e.Err)
}

func (e *MalformedTokenError) Unwrap() error {
	return e.Err
}

// ParseEntry parses a "from/to/flag[/extra...]" token.
func ParseEntry(token string, dialect Dialect) (Entry, error) {
	fields := strings.Split(token, "/")

	malformed := func(f Field, err error) (Entry, error) {
		return Entry{}, &MalformedTokenError{Field: f, Token: token, Err: err}
	}

	from, err := parseHexToUint64(fields[0])
	if err != nil {
		return malformed(FieldFrom, err)
	}

	if len(fields) < 2 {
		return malformed(FieldTo, ErrMissingField)
	}
	to, err := parseHexToUint64(fields[1])
	if err != nil {
		return malformed(FieldTo, err)
	}

	if len(fields) < 3 {
		return malformed(FieldMispredFlag, ErrMissingField)
	}
	prediction, err := parsePrediction(fields[2], dialect)
	if err != nil {
		return malformed(FieldMispredFlag, err)
	}

	e := Entry{
		From:       from,
		To:         to,
		Prediction: prediction,
	}
	if len(fields) > 3 {
		e.Extra = make([]string, 0, len(fields)-3)
		for _, f := range fields[3:] {
			// Don't keep the whole input line alive through a substring.
			e.Extra = append(e.Extra, strings.Clone(f))
		}
	}
	return e, nil
}

func parsePrediction(field string, dialect Dialect) (Prediction, error) {
	if dialect == DialectExtended {
		if len(field) == 0 {
			return PredictionUnknown, ErrInvalidFlag
		}
		if field[0] == 'M' {
			return Mispredicted, nil
		}
		return Predicted, nil
	}

	if len(field) != 1 {
		return PredictionUnknown, fmt.Errorf("%w, found: %q", ErrInvalidFlag, field)
	}
	switch field[0] {
	case 'P':
		return Predicted, nil
	case 'M':
		return Mispredicted, nil
	case '-':
		return PredictionUnknown, nil
	default:
		return PredictionUnknown, fmt.Errorf("%w, found: %q", ErrInvalidFlag, field)
	}
}
