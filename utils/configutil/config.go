// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configutil provides yaml configuration loading with support for
// an "extends" chain and struct validation. A config file may name a base
// file via a top-level "extends" key; base files load first and extending
// files override whichever fields they set. Validation runs once, over the
// fully merged result.
package configutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef returns when config files extend each other in a loop.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

// ValidationError holds the per-field validation failures of a merged
// configuration.
type ValidationError struct {
	errs validator.ErrorMap
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validate config: %s", e.errs)
}

// ErrForField returns the validation failures for the given field.
func (e ValidationError) ErrForField(name string) error {
	return e.errs[name]
}

type extends struct {
	Extends string `yaml:"extends"`
}

// Load reads filename, resolves its extends chain, unmarshals every file in
// base-first order into out, and validates the merged result.
func Load(filename string, out interface{}) error {
	files, err := resolveExtends(filename, readExtend)
	if err != nil {
		return err
	}
	return loadFiles(out, files)
}

// readExtend returns the file named by filename's extends key, or "" if it
// has none.
func readExtend(filename string) (string, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("read config: %s", err)
	}
	var e extends
	if err := yaml.Unmarshal(b, &e); err != nil {
		return "", fmt.Errorf("unmarshal config: %s", err)
	}
	return e.Extends, nil
}

// resolveExtends walks the extends chain from filename and returns it
// ordered base first. Relative extends values resolve against the
// extending file's directory. fn maps a file to its extends value.
func resolveExtends(filename string, fn func(string) (string, error)) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for {
		if seen[filename] {
			return nil, ErrCycleRef
		}
		seen[filename] = true
		chain = append([]string{filename}, chain...)

		next, err := fn(filename)
		if err != nil {
			return nil, err
		}
		if next == "" {
			return chain, nil
		}
		if !filepath.IsAbs(next) {
			next = filepath.Join(filepath.Dir(filename), next)
		}
		filename = next
	}
}

// loadFiles unmarshals files in order into out, later files overriding
// earlier ones, then validates once.
func loadFiles(out interface{}, files []string) error {
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read config: %s", err)
		}
		if err := yaml.Unmarshal(b, out); err != nil {
			return fmt.Errorf("unmarshal config %s: %s", f, err)
		}
	}
	if err := validator.Validate(out); err != nil {
		errs, ok := err.(validator.ErrorMap)
		if !ok {
			return fmt.Errorf("validate config: %s", err)
		}
		return ValidationError{errs}
	}
	return nil
}
