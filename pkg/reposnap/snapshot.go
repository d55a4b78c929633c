// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package reposnap

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/pxdev/px/pkg/cas"
	"github.com/pxdev/px/pkg/pxerr"
)

// ResolveFloatingCommit implements spec §4.13's floating-ref resolution: `git ls-remote`
// (or `git rev-parse` for `file://`), preferring peeled annotated tags then HEAD. locator
// must already be normalized (see NormalizeLocator).
func ResolveFloatingCommit(ctx context.Context, normalizedLocator, ref string) (string, error) {
	transportURL := strings.TrimPrefix(normalizedLocator, "git+")
	if strings.HasPrefix(transportURL, "file://") {
		return resolveFileCommit(ctx, strings.TrimPrefix(transportURL, "file://"), ref)
	}

	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{Name: "origin", URLs: []string{transportURL}})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", &pxerr.UserError{
			Reason:  pxerr.ReasonRunRefUnreachable,
			Message: fmt.Sprintf("listing refs at %s: %v", transportURL, err),
			Hint:    "check network access and that the reference exists",
		}
	}

	candidates := map[string]plumbing.Hash{}
	for _, r := range refs {
		name := r.Name()
		switch {
		case name.Short() == ref:
			candidates[string(name)] = r.Hash()
		case name.IsTag() && strings.HasSuffix(string(name), "^{}") && strings.TrimSuffix(name.Short(), "^{}") == ref:
			// peeled annotated tag -- prefer this over the tag object itself
			candidates["peeled:"+ref] = r.Hash()
		case ref == "HEAD" && name == plumbing.HEAD:
			candidates["HEAD"] = r.Hash()
		}
	}

	if h, ok := candidates["peeled:"+ref]; ok {
		return h.String(), nil
	}
	for key, h := range candidates {
		if key != "HEAD" {
			return h.String(), nil
		}
	}
	if h, ok := candidates["HEAD"]; ok {
		return h.String(), nil
	}

	return "", &pxerr.UserError{
		Reason:  pxerr.ReasonRunRefUnreachable,
		Message: fmt.Sprintf("ref %q not found at %s", ref, transportURL),
	}
}

func resolveFileCommit(ctx context.Context, path, ref string) (string, error) {
	exe, err := dexec.LookPath("git")
	if err != nil {
		return "", err
	}
	cmd := dexec.CommandContext(ctx, exe, "-C", path, "rev-parse", ref)
	out, err := cmd.Output()
	if err != nil {
		return "", &pxerr.UserError{Reason: pxerr.ReasonRunRefUnreachable, Message: fmt.Sprintf("git rev-parse %s in %s: %v", ref, path, err)}
	}
	return strings.TrimSpace(string(out)), nil
}

// Submodule is a gitlink entry listed separately per spec §4.13 ("listing submodules (path +
// commit) separately").
type Submodule struct {
	Path   string
	Commit string
}

// Snapshot implements spec §4.13 "Repo snapshot": clone normalizedLocator, check out commit,
// and store the resulting tree (minus .git) as a CAS RepoSnapshot object.
func Snapshot(ctx context.Context, store *cas.Store, spec Spec) (string, error) {
	transportURL := strings.TrimPrefix(spec.Locator, "git+")

	tmpDir, err := os.MkdirTemp("", "px-reposnap-*")
	if err != nil {
		return "", fmt.Errorf("reposnap.Snapshot: %w", err)
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck

	repo, err := git.PlainCloneContext(ctx, tmpDir, false, &git.CloneOptions{URL: transportURL, NoCheckout: true})
	if err != nil {
		return "", &pxerr.UserError{
			Reason:  pxerr.ReasonRunRefUnreachable,
			Message: fmt.Sprintf("cloning %s: %v", transportURL, err),
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("reposnap.Snapshot: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(spec.Commit)}); err != nil {
		if fetchErr := fetchAndRetryCheckout(ctx, repo, wt, spec.Commit); fetchErr != nil {
			return "", &pxerr.UserError{
				Reason:  pxerr.ReasonRunRefUnreachable,
				Message: fmt.Sprintf("checking out %s at %s: %v", spec.Commit, transportURL, err),
			}
		}
	}

	root := tmpDir
	if spec.Subdir != "" {
		root = filepath.Join(tmpDir, filepath.FromSlash(spec.Subdir))
		if info, statErr := os.Stat(root); statErr != nil || !info.IsDir() {
			return "", &pxerr.UserError{Reason: pxerr.ReasonInvalidRequirement, Message: fmt.Sprintf("subdir %q not found in %s", spec.Subdir, spec.Locator)}
		}
	}

	archive, err := tarDir(tmpDir, root)
	if err != nil {
		return "", fmt.Errorf("reposnap.Snapshot: archiving: %w", err)
	}

	obj := &cas.RepoSnapshotObject{Locator: spec.Locator, Commit: spec.Commit, Subdir: spec.Subdir, Archive: archive}
	oid, err := store.Write(ctx, obj)
	if err != nil {
		return "", fmt.Errorf("reposnap.Snapshot: %w", err)
	}
	dlog.Infof(ctx, "reposnap: snapshotted %s@%s as %s", spec.Locator, spec.Commit, oid)
	return oid, nil
}

func fetchAndRetryCheckout(ctx context.Context, repo *git.Repository, wt *git.Worktree, commit string) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", RefSpecs: []config.RefSpec{"+refs/*:refs/*"}})
	if err != nil && err != git.NoErrAlreadyUpToDate && err != transport.ErrEmptyRemoteRepository {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(commit)})
}

// tarDir archives everything under root (relative to base, so archive entries are rooted at
// the subdir boundary), skipping .git.
func tarDir(base, root string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Name() == ".git" && info.IsDir() {
			return filepath.SkipDir
		}
		if path == root {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, err
		}
		name := filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return nil, err
			}
			hdr := &tar.Header{Typeflag: tar.TypeSymlink, Name: name, Linkname: target, ModTime: info.ModTime()}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
			continue
		}
		if info.IsDir() {
			hdr := &tar.Header{Typeflag: tar.TypeDir, Name: name + "/", Mode: 0o755, ModTime: info.ModTime()}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
			continue
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil, err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		_, copyErr := io.Copy(tw, f) //nolint:gosec // archiving a freshly-cloned worktree we control
		_ = f.Close()
		if copyErr != nil {
			return nil, copyErr
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Materialize extracts oid (a RepoSnapshot object) via the CAS store, smudges any git-LFS
// pointer files when the `git-lfs` binary is available, and reports submodule paths from
// .gitmodules separately (spec §4.13 "Repo snapshot"); submodule commits are not reported.
func Materialize(ctx context.Context, store *cas.Store, oid string) (string, []Submodule, error) {
	dir, err := store.Materialize(ctx, oid)
	if err != nil {
		return "", nil, err
	}

	smudgeLFSPointers(ctx, dir)

	submodules, err := readGitmodules(filepath.Join(dir, ".gitmodules"))
	if err != nil {
		dlog.Debugf(ctx, "reposnap: no submodules recorded for %s: %v", oid, err)
		return dir, nil, nil
	}
	return dir, submodules, nil
}

func smudgeLFSPointers(ctx context.Context, dir string) {
	exe, err := dexec.LookPath("git-lfs")
	if err != nil {
		return
	}
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil //nolint:nilerr
		}
		bs, readErr := os.ReadFile(path)
		if readErr != nil || !bytes.HasPrefix(bs, []byte("version https://git-lfs.github.com/spec/")) {
			return nil
		}
		cmd := dexec.CommandContext(ctx, exe, "smudge")
		cmd.Stdin = bytes.NewReader(bs)
		out, runErr := cmd.Output()
		if runErr != nil {
			dlog.Warnf(ctx, "reposnap: git-lfs smudge failed for %s: %v", path, runErr)
			return nil
		}
		return os.WriteFile(path, out, info.Mode())
	})
}

// readGitmodules is a minimal .gitmodules parser: it reads the path=... line of each
// [submodule "name"] block. Materialize works from an extracted archive with no .git
// metadata, so the commit each submodule is pinned to is not known here: every returned
// Submodule has an empty Commit.
func readGitmodules(path string) ([]Submodule, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var subs []Submodule
	var currentPath string
	for _, line := range strings.Split(string(bs), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "path") {
			if idx := strings.Index(line, "="); idx >= 0 {
				currentPath = strings.TrimSpace(line[idx+1:])
				subs = append(subs, Submodule{Path: currentPath})
			}
		}
	}
	return subs, nil
}
