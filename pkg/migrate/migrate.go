// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package migrate implements the Migration Engine (spec §4.12, component C12): ingesting
// foreign manifests (pyproject fragments, requirements.txt, setup.cfg) into a plan that
// precedence-resolves conflicts, flags foreign-tool ownership, and -- in apply mode -- writes
// a canonical pyproject.toml and lock under transaction-scoped rollback.
package migrate

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/python"
	"github.com/pxdev/px/pkg/resolve"
)

// Scope is the dependency group a collected package belongs to (spec §4.12 step 1).
type Scope string

const (
	ScopeProd Scope = "prod"
	ScopeDev  Scope = "dev"
)

// Package is one collected dependency, labeled with the scope and source it came from
// (spec §4.12 step 1: "label scope (prod/dev), source path, requested specifier").
type Package struct {
	Name       string
	Specifier  string // full requirement string minus the bare name, e.g. "==8.1.7" or ">=7.0"
	Scope      Scope
	SourcePath string
}

// ForeignTool records a foreign build-tool ownership table found in pyproject.toml (spec
// §4.12 step 3). Its body is preserved verbatim -- migrate never rewrites it.
type ForeignTool struct {
	Table string // e.g. "tool.poetry"
}

var foreignToolTables = []string{"tool.poetry", "tool.pdm", "tool.hatch", "tool.flit", "tool.rye"}

// foreignOwnedDependencyTables are foreign-tool-owned dependency declarations; migrate
// refuses to ingest these unless the caller explicitly opts to migrate them (spec §4.12
// step 3: "foreign-owned dependencies are refused unless the user migrates them").
var foreignOwnedDependencyTables = map[string]string{
	"tool.poetry":              "tool.poetry.dependencies",
	"tool.poetry.dev-dependencies": "tool.poetry.dev-dependencies",
	"tool.pdm":                 "tool.pdm.dev-dependencies",
}

// requirement mirrors resolve's unexported PEP 508-ish line parser (name[extras]spec;marker),
// kept independent here since migrate ingests from non-pyproject text sources.
type requirement struct {
	name      string
	specifier string
}

func parseRequirementLine(raw string) (requirement, error) {
	line := raw
	if idx := strings.Index(line, ";"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return requirement{}, fmt.Errorf("empty requirement")
	}
	name := line
	if idx := strings.IndexAny(line, "[<>=!~ "); idx >= 0 {
		name = line[:idx]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return requirement{}, fmt.Errorf("malformed requirement %q", raw)
	}
	spec := strings.TrimSpace(line[len(name):])
	if idx := strings.Index(spec, "["); idx == 0 {
		if rb := strings.Index(spec, "]"); rb > 0 {
			spec = strings.TrimSpace(spec[rb+1:])
		}
	}
	return requirement{name: resolve.CanonicalizeName(name), specifier: spec}, nil
}

// CollectFromRequirementsTxt parses a pip-style requirements file (one requirement per
// line, "#" comments) into Packages under scope. "-r"/"--requirement" include lines are
// skipped; the files they name are not read.
func CollectFromRequirementsTxt(path string, scope Scope) ([]Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("migrate.CollectFromRequirementsTxt: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var pkgs []Package
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "-r ") || strings.HasPrefix(line, "--requirement ") {
			// Include lines are skipped; neither this parser nor `px migrate` reads
			// the included file.
			continue
		}
		if strings.HasPrefix(line, "-") {
			continue // other pip flags (-e, --index-url, etc.) are out of scope here
		}
		req, err := parseRequirementLine(line)
		if err != nil {
			return nil, &pxerr.UserError{
				Reason:  pxerr.ReasonInvalidRequirement,
				Message: fmt.Sprintf("%s: %v", path, err),
			}
		}
		pkgs = append(pkgs, Package{Name: req.name, Specifier: req.specifier, Scope: scope, SourcePath: path})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("migrate.CollectFromRequirementsTxt: %w", err)
	}
	return pkgs, nil
}

// CollectFromSetupCfg parses the `[options]` `install_requires`/`[options.extras_require]`
// `dev` sections of a setup.cfg via python.ConfigParser (spec §4.12 step 1).
func CollectFromSetupCfg(path string) ([]Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("migrate.CollectFromSetupCfg: %w", err)
	}
	defer f.Close() //nolint:errcheck

	cfg, err := python.NewConfigParser().Parse(f)
	if err != nil {
		return nil, &pxerr.UserError{Reason: pxerr.ReasonInvalidRequirement, Message: fmt.Sprintf("%s: %v", path, err)}
	}

	var pkgs []Package
	if opts, ok := cfg["options"]; ok {
		if raw, ok := opts["install_requires"]; ok {
			for _, line := range splitLines(raw) {
				req, err := parseRequirementLine(line)
				if err != nil {
					continue
				}
				pkgs = append(pkgs, Package{Name: req.name, Specifier: req.specifier, Scope: ScopeProd, SourcePath: path})
			}
		}
	}
	if extras, ok := cfg["options.extras_require"]; ok {
		if raw, ok := extras["dev"]; ok {
			for _, line := range splitLines(raw) {
				req, err := parseRequirementLine(line)
				if err != nil {
					continue
				}
				pkgs = append(pkgs, Package{Name: req.name, Specifier: req.specifier, Scope: ScopeDev, SourcePath: path})
			}
		}
	}
	return pkgs, nil
}

func splitLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// CollectFromPyproject reads an existing pyproject.toml's [project] dependencies plus
// [project.optional-dependencies] "px-dev"/"dev" groups, and separately reports any foreign
// build-tool ownership tables it carries (spec §4.12 steps 1 and 3).
func CollectFromPyproject(path string) ([]Package, []ForeignTool, error) {
	doc, err := decodePyprojectFragment(path)
	if err != nil {
		return nil, nil, err
	}

	var pkgs []Package
	for _, raw := range doc.Project.Dependencies {
		req, err := parseRequirementLine(raw)
		if err != nil {
			return nil, nil, &pxerr.UserError{Reason: pxerr.ReasonInvalidRequirement, Message: fmt.Sprintf("%s: %v", path, err)}
		}
		pkgs = append(pkgs, Package{Name: req.name, Specifier: req.specifier, Scope: ScopeProd, SourcePath: path})
	}
	for group, deps := range doc.Project.OptionalDepGroups {
		scope := ScopeProd
		if group == "dev" || group == "px-dev" {
			scope = ScopeDev
		}
		for _, raw := range deps {
			req, err := parseRequirementLine(raw)
			if err != nil {
				return nil, nil, &pxerr.UserError{Reason: pxerr.ReasonInvalidRequirement, Message: fmt.Sprintf("%s: %v", path, err)}
			}
			pkgs = append(pkgs, Package{Name: req.name, Specifier: req.specifier, Scope: scope, SourcePath: path})
		}
	}

	var foreign []ForeignTool
	for _, table := range foreignToolTables {
		if doc.hasTable(table) {
			foreign = append(foreign, ForeignTool{Table: table})
		}
	}
	sort.Slice(foreign, func(i, j int) bool { return foreign[i].Table < foreign[j].Table })

	return pkgs, foreign, nil
}
