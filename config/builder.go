// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"dario.cat/mergo"
	"github.com/sustainable-computing-io/powerstats/internal/residency"
	"gopkg.in/yaml.v3"
)

// Builder layers YAML fragments over a base configuration, in the order they
// were added. A fragment overrides only the keys it sets. A list it sets
// replaces the whole list below it, even when empty: `text: []` drops the
// device catalogue.
type Builder struct {
	base      *Config
	fragments []fragment
}

type fragment struct {
	source string
	read   func() ([]byte, error)
}

// Use sets the base configuration; DefaultConfig is used otherwise
func (b *Builder) Use(c *Config) *Builder {
	b.base = c
	return b
}

// Merge adds inline YAML fragments
func (b *Builder) Merge(yamls ...string) *Builder {
	for _, y := range yamls {
		b.fragments = append(b.fragments, fragment{
			source: fmt.Sprintf("fragment %d", len(b.fragments)+1),
			read:   func() ([]byte, error) { return []byte(y), nil },
		})
	}
	return b
}

// MergeFiles adds YAML files; they are read by Build
func (b *Builder) MergeFiles(paths ...string) *Builder {
	for _, path := range paths {
		b.fragments = append(b.fragments, fragment{
			source: path,
			read:   func() ([]byte, error) { return os.ReadFile(path) },
		})
	}
	return b
}

// Build merges every fragment into the base configuration. All broken
// fragments are reported together.
func (b *Builder) Build() (*Config, error) {
	cfg := b.base
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var errs []error
	for _, f := range b.fragments {
		if err := mergeFragment(cfg, f); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.source, err))
		}
	}
	if len(errs) > 0 {
		return nil, residency.NewConfigError("%w", errors.Join(errs...))
	}

	cfg.sanitize()
	return cfg, nil
}

func mergeFragment(dst *Config, f fragment) error {
	data, err := f.read()
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	layer := &Config{}
	if err := yaml.Unmarshal(data, layer); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := mergo.Merge(dst, layer, mergo.WithOverride, mergo.WithTransformers(setFieldTransformer{})); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// setFieldTransformer overrides with every *bool and list the fragment sets,
// including false and empty ones that mergo treats as unset
type setFieldTransformer struct{}

func (setFieldTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf((*bool)(nil)) && typ.Kind() != reflect.Slice {
		return nil
	}

	return func(dst, src reflect.Value) error {
		if src.IsNil() || !dst.CanSet() {
			return nil
		}
		dst.Set(src)
		return nil
	}
}
