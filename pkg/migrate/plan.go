// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"fmt"
	"sort"

	"github.com/pxdev/px/pkg/pxerr"
)

// Precedence ranks the source a Package came from (spec §4.12 step 2: "explicit
// --source/--dev-source > pyproject > requirements*.txt"). Lower wins ties when sources agree;
// an Explicit-sourced package always wins outright and never conflicts.
type Precedence int

const (
	PrecedenceExplicit Precedence = iota
	PrecedencePyproject
	PrecedenceRequirements
)

func (p Precedence) String() string {
	switch p {
	case PrecedenceExplicit:
		return "--source/--dev-source"
	case PrecedencePyproject:
		return "pyproject.toml"
	case PrecedenceRequirements:
		return "requirements*.txt"
	default:
		return "unknown"
	}
}

// Conflict is a same-name package with disagreeing specifiers across sources that precedence
// alone does not resolve (spec §4.12 step 2 and §8 scenario 5).
type Conflict struct {
	Name       string
	Precedence string
	SourceA    string
	SpecifierA string
	SourceB    string
	SpecifierB string
}

// Plan is the structured output of Collect+precedence+foreign-tool detection, surfaced
// verbatim as the `details` object of migrate's ExecutionOutcome (spec §4.12 step 5).
type Plan struct {
	Packages     []Package
	Conflicts    []Conflict
	ForeignTools []ForeignTool
	Autopinned   map[string]string
	Actions      Actions
	Hint         string
}

// Actions mirrors spec §4.12's `actions{pyproject_updated, lock_written, backups[], backup_dir?}`.
type Actions struct {
	PyprojectUpdated bool
	LockWritten      bool
	Backups          []string
	BackupDir        string
}

// BuildPlan merges collected packages by precedence and reports conflicts among sources that
// precedence does not outright decide. migrateForeignOwned gates whether foreign-owned dependency
// tables are refused (spec §4.12 step 3: "refused unless the user migrates them").
func BuildPlan(explicit, pyproject, requirements []Package, foreign []ForeignTool, migrateForeignOwned bool) (*Plan, error) {
	for _, f := range foreign {
		if _, owned := foreignOwnedDependencyTables[f.Table]; owned && !migrateForeignOwned {
			return nil, &pxerr.UserError{
				Reason:  pxerr.ReasonForeignOwnership,
				Message: fmt.Sprintf("%s owns dependency declarations; refusing to migrate without explicit opt-in", f.Table),
				Hint:    "pass --migrate-foreign to take ownership of these dependencies, or remove the foreign tool section first",
				Details: map[string]any{"table": f.Table},
			}
		}
	}

	type tagged struct {
		pkg        Package
		precedence Precedence
	}
	byName := map[string][]tagged{}
	add := func(pkgs []Package, prec Precedence) {
		for _, p := range pkgs {
			byName[p.Name] = append(byName[p.Name], tagged{pkg: p, precedence: prec})
		}
	}
	add(explicit, PrecedenceExplicit)
	add(pyproject, PrecedencePyproject)
	add(requirements, PrecedenceRequirements)

	var names []string
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var merged []Package
	var conflicts []Conflict
	for _, name := range names {
		entries := byName[name]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].precedence < entries[j].precedence })

		if entries[0].precedence == PrecedenceExplicit {
			merged = append(merged, entries[0].pkg)
			continue
		}

		winner := entries[0].pkg
		conflicted := false
		for _, other := range entries[1:] {
			if other.pkg.Specifier != winner.Specifier {
				conflicted = true
				conflicts = append(conflicts, Conflict{
					Name:       name,
					Precedence: fmt.Sprintf("%s > %s", winner.SourcePath, other.pkg.SourcePath),
					SourceA:    winner.SourcePath,
					SpecifierA: winner.Specifier,
					SourceB:    other.pkg.SourcePath,
					SpecifierB: other.pkg.Specifier,
				})
			}
		}
		if conflicted {
			continue
		}
		merged = append(merged, winner)
	}

	plan := &Plan{Packages: merged, Conflicts: conflicts, ForeignTools: foreign, Autopinned: map[string]string{}}
	return plan, nil
}

// CheckConflicts turns a non-empty Plan.Conflicts into the structured user error spec §4.12
// step 2 and §8 scenario 5 describe. Preview mode surfaces plan.Conflicts directly without
// calling this; Apply mode calls it before touching any file.
func CheckConflicts(plan *Plan) error {
	if len(plan.Conflicts) == 0 {
		return nil
	}
	first := plan.Conflicts[0]
	return &pxerr.UserError{
		Reason: pxerr.ReasonMigrationConflict,
		Message: fmt.Sprintf("conflicting dependency sources for %q: %s=%q vs %s=%q",
			first.Name, first.SourceA, first.SpecifierA, first.SourceB, first.SpecifierB),
		Hint:    fmt.Sprintf("precedence is %s; reconcile the specifiers or pass --source to force one", first.Precedence),
		Details: map[string]any{"conflicts": plan.Conflicts},
	}
}
