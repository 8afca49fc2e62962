// Copyright 2022-2024 The Parca Authors
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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/parca-dev/lbr-aggregator/pkg/lbr"
	"github.com/parca-dev/lbr-aggregator/pkg/resolve"
)

var ErrEmptyConfig = errors.New("empty config")

// Address is a code address. It accepts decimal, 0x-prefixed hex and
// 0o-prefixed octal in YAML.
type Address uint64

func (a Address) String() string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}

func (a *Address) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", text, err)
	}
	*a = Address(v)
	return nil
}

func (a Address) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	return a.UnmarshalText([]byte(value.Value))
}

// AddressRange names the half-open range [Start, End).
type AddressRange struct {
	Start Address `yaml:"start"`
	End   Address `yaml:"end"`
	Name  string  `yaml:"name,omitempty"`
}

// Config holds the options that may be set from a file. Unset keys leave the
// corresponding command line values untouched.
type Config struct {
	KernelBase             *Address       `yaml:"kernel_base,omitempty"`
	IgnoreKernelInterrupts *bool          `yaml:"ignore_kernel_interrupts,omitempty"`
	NeedsSkylakeFix        *bool          `yaml:"needs_skylake_fix,omitempty"`
	Dialect                *string        `yaml:"dialect,omitempty"`
	Workers                *int           `yaml:"workers,omitempty"`
	AddressRanges          []AddressRange `yaml:"address_ranges,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

func (c *Config) validate() error {
	if c.Dialect != nil {
		if _, err := lbr.ParseDialect(*c.Dialect); err != nil {
			return err
		}
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", *c.Workers)
	}
	for i, r := range c.AddressRanges {
		if r.End <= r.Start {
			return fmt.Errorf("address range %d (%s): end %s is not above start %s", i, r.Name, r.End, r.Start)
		}
	}
	return nil
}

// ApplyParserOptions overrides the parser options present in the file.
func (c *Config) ApplyParserOptions(opts *lbr.ParserOptions) {
	if c.KernelBase != nil {
		opts.KernelBase = uint64(*c.KernelBase)
	}
	if c.IgnoreKernelInterrupts != nil {
		opts.IgnoreKernelInterrupts = *c.IgnoreKernelInterrupts
	}
	if c.Dialect != nil {
		// Checked by validate.
		opts.Dialect, _ = lbr.ParseDialect(*c.Dialect)
	}
}

// Functions returns the configured address ranges as resolvable functions.
func (c *Config) Functions() []*resolve.Function {
	funcs := make([]*resolve.Function, 0, len(c.AddressRanges))
	for _, r := range c.AddressRanges {
		funcs = append(funcs, &resolve.Function{
			Name:  r.Name,
			Start: uint64(r.Start),
			End:   uint64(r.End),
		})
	}
	return funcs
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
