// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// pyprojectFragment is a loose decode of an existing pyproject.toml: just enough structure
// to collect [project] dependencies while leaving every [tool.*] table available, untyped,
// for foreign-ownership detection (spec §4.12 step 3: foreign tool-metadata "is preserved
// verbatim").
type pyprojectFragment struct {
	Project struct {
		Name              string              `toml:"name"`
		Version           string              `toml:"version"`
		RequiresPython    string              `toml:"requires-python"`
		Dependencies      []string            `toml:"dependencies"`
		OptionalDepGroups map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`
	Tool map[string]map[string]any `toml:"tool"`
}

func decodePyprojectFragment(path string) (*pyprojectFragment, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("migrate.decodePyprojectFragment: %w", err)
	}
	var doc pyprojectFragment
	if _, err := toml.Decode(string(bs), &doc); err != nil {
		return nil, fmt.Errorf("migrate.decodePyprojectFragment: %s: %w", path, err)
	}
	return &doc, nil
}

// hasTable reports whether dotted (e.g. "tool.poetry") is present in the decoded document.
func (d *pyprojectFragment) hasTable(dotted string) bool {
	parts := strings.SplitN(dotted, ".", 2)
	if len(parts) != 2 || parts[0] != "tool" {
		return false
	}
	_, ok := d.Tool[parts[1]]
	return ok
}
