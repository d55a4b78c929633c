// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"

	"github.com/pxdev/px/pkg/pxerr"
)

// Pipeline is the set of downstream steps Apply drives after the merged pyproject is written
// (spec §4.12 step 5: "resolve via C4 ... materialize env, write lock"). It is injected by the
// caller (the `px migrate` command) since it needs the full runtime/backend/store wiring that
// migrate itself has no business constructing.
type Pipeline struct {
	// Resolve re-loads the just-written manifest, resolves it, and writes px.lock. It returns
	// the autopin map (spec "autopin loose specs unless --no-autopin") for Plan.Autopinned.
	Resolve func(ctx context.Context, projectDir string, autopin bool) (map[string]string, error)
	// Materialize builds (or refreshes) the project's environment from the freshly written lock.
	Materialize func(ctx context.Context, projectDir string) error
}

// ApplyOptions mirrors spec §4.12 step 5's apply-mode flags.
type ApplyOptions struct {
	Online      bool
	LockOnly    bool
	AllowDirty  bool
	NoAutopin   bool
}

// Apply implements spec §4.12 step 5: require online (unless LockOnly), refuse a dirty
// worktree without AllowDirty, back up every file about to be rewritten, write the merged
// pyproject, run pipeline.Resolve/Materialize, and on any failure after modification restore
// all backups and delete any files migrate created.
func Apply(ctx context.Context, projectDir string, plan *Plan, opts ApplyOptions, pipeline Pipeline) error {
	if err := CheckConflicts(plan); err != nil {
		return err
	}
	if !opts.Online && !opts.LockOnly {
		return &pxerr.UserError{
			Reason:  pxerr.ReasonOffline,
			Message: "migrate --apply requires network access to resolve the merged manifest",
			Hint:    "set PX_ONLINE=1, or pass --lock-only to skip resolution",
		}
	}
	if !opts.AllowDirty {
		if dirty, err := isDirtyWorktree(ctx, projectDir); err != nil {
			dlog.Debugf(ctx, "migrate: worktree dirty-check failed, proceeding cautiously: %v", err)
		} else if dirty {
			return &pxerr.UserError{
				Reason:  pxerr.ReasonDirtyWorktree,
				Message: "refusing to migrate with uncommitted changes in the worktree",
				Hint:    "commit or stash your changes, or pass --allow-dirty",
			}
		}
	}

	pyprojectPath := filepath.Join(projectDir, "pyproject.toml")
	lockPath := filepath.Join(projectDir, "px.lock")

	backupDir := filepath.Join(projectDir, ".px", "onboard-backups", time.Now().UTC().Format("20060102T150405Z"))
	tx := &transaction{backupDir: backupDir}

	rollback := func(applyErr error) error {
		if rbErr := tx.rollback(); rbErr != nil {
			dlog.Warnf(ctx, "migrate: rollback after apply failure also failed: %v", rbErr)
		}
		return applyErr
	}

	pyprojectExisted := fileExists(pyprojectPath)
	if pyprojectExisted {
		if err := tx.backup(pyprojectPath); err != nil {
			return fmt.Errorf("migrate.Apply: %w", err)
		}
	} else {
		tx.created = append(tx.created, pyprojectPath)
	}

	existing := &pyprojectFragment{}
	if pyprojectExisted {
		loaded, err := decodePyprojectFragment(pyprojectPath)
		if err != nil {
			return rollback(fmt.Errorf("migrate.Apply: %w", err))
		}
		existing = loaded
	}

	if err := writeMergedPyproject(pyprojectPath, existing, plan.Packages); err != nil {
		return rollback(fmt.Errorf("migrate.Apply: writing merged pyproject: %w", err))
	}
	plan.Actions.PyprojectUpdated = true

	if pipeline.Resolve != nil {
		if fileExists(lockPath) {
			if err := tx.backup(lockPath); err != nil {
				return rollback(err)
			}
		} else {
			tx.created = append(tx.created, lockPath)
		}

		autopinned, err := pipeline.Resolve(ctx, projectDir, !opts.NoAutopin)
		if err != nil {
			return rollback(fmt.Errorf("migrate.Apply: resolving merged manifest: %w", err))
		}
		plan.Autopinned = autopinned
		plan.Actions.LockWritten = true
	}

	if !opts.LockOnly && pipeline.Materialize != nil {
		if err := pipeline.Materialize(ctx, projectDir); err != nil {
			return rollback(fmt.Errorf("migrate.Apply: materializing environment: %w", err))
		}
	}

	plan.Actions.Backups = tx.backedUp
	plan.Actions.BackupDir = backupDir
	return nil
}

// transaction tracks the files Apply has backed up or newly created, so a later failure can
// restore all backups and delete any files migrate created (spec §4.12 step 5).
type transaction struct {
	backupDir string
	backedUp  []string
	created   []string
}

func (tx *transaction) backup(path string) error {
	if err := os.MkdirAll(tx.backupDir, 0o755); err != nil {
		return fmt.Errorf("migrate: creating backup dir: %w", err)
	}
	dest := filepath.Join(tx.backupDir, filepath.Base(path))
	bs, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("migrate: backing up %s: %w", path, err)
	}
	if err := os.WriteFile(dest, bs, 0o644); err != nil {
		return fmt.Errorf("migrate: backing up %s: %w", path, err)
	}
	tx.backedUp = append(tx.backedUp, path)
	return nil
}

func (tx *transaction) rollback() error {
	var firstErr error
	for _, path := range tx.backedUp {
		src := filepath.Join(tx.backupDir, filepath.Base(path))
		bs, err := os.ReadFile(src)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.WriteFile(path, bs, 0o644); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, path := range tx.created {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDirtyWorktree(ctx context.Context, projectDir string) (bool, error) {
	exe, err := dexec.LookPath("git")
	if err != nil {
		return false, err
	}
	cmd := dexec.CommandContext(ctx, exe, "-C", projectDir, "status", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// writeMergedPyproject writes the canonical pyproject.toml spec §4.12 step 5 describes: prod
// packages into [project.dependencies], dev packages into
// [project.optional-dependencies].px-dev, and every foreign [tool.*] table preserved verbatim.
func writeMergedPyproject(path string, existing *pyprojectFragment, packages []Package) error {
	var prod, dev []string
	for _, p := range packages {
		spec := p.Name + p.Specifier
		switch p.Scope {
		case ScopeDev:
			dev = append(dev, spec)
		default:
			prod = append(prod, spec)
		}
	}
	sort.Strings(prod)
	sort.Strings(dev)

	doc := struct {
		Project struct {
			Name              string              `toml:"name"`
			Version           string              `toml:"version"`
			RequiresPython    string              `toml:"requires-python,omitempty"`
			Dependencies      []string            `toml:"dependencies"`
			OptionalDepGroups map[string][]string `toml:"optional-dependencies,omitempty"`
		} `toml:"project"`
		Tool map[string]map[string]any `toml:"tool,omitempty"`
	}{}
	doc.Project.Name = existing.Project.Name
	if doc.Project.Name == "" {
		doc.Project.Name = strings.ToLower(filepath.Base(filepath.Dir(path)))
	}
	doc.Project.Version = existing.Project.Version
	if doc.Project.Version == "" {
		doc.Project.Version = "0.0.0"
	}
	doc.Project.RequiresPython = existing.Project.RequiresPython
	doc.Project.Dependencies = prod
	if len(dev) > 0 {
		doc.Project.OptionalDepGroups = map[string][]string{"px-dev": dev}
	}
	doc.Tool = existing.Tool

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("migrate.writeMergedPyproject: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("migrate.writeMergedPyproject: %w", err)
	}
	return os.Rename(tmp, path)
}
