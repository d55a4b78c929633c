// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"os"
	"time"

	"github.com/datawire/dlib/dlog"
)

// GCReport is the summary spec §4.2 "GC" asks for: {scanned, reclaimed, reclaimed_bytes}.
type GCReport struct {
	Scanned        int
	Reclaimed      int
	ReclaimedBytes int64
}

// GCPolicy controls the age threshold for reclaiming unreferenced objects; Aggressive
// ignores LastAccessedBefore entirely (spec §4.2 "GC" step (b)).
type GCPolicy struct {
	LastAccessedBefore time.Time
	Aggressive         bool
}

// GC walks the transitive closure of every registered owner's refs, and deletes any
// unreferenced object whose last_accessed predates the policy threshold (or unconditionally
// under Aggressive). The closure walk uses a visited-set rather than recursion keyed on
// name, so repeated OIDs encountered while walking profile->{runtime,pkg-builds},
// pkg-build->{source_oid} are tolerated (spec §9 "Cyclic graphs").
func (s *Store) GC(ctx context.Context, policy GCPolicy) (GCReport, error) {
	owners, err := s.Owners()
	if err != nil {
		return GCReport{}, err
	}

	reachable := map[string]bool{}
	for _, owner := range owners {
		for _, oid := range owner.Refs {
			s.walkClosure(ctx, oid, reachable)
		}
	}

	var report GCReport
	for _, row := range s.index.all() {
		report.Scanned++
		if reachable[row.OID] {
			continue
		}
		if !policy.Aggressive && row.LastAccessed.After(policy.LastAccessedBefore) {
			continue
		}
		size, err := s.deleteObject(ctx, row.OID)
		if err != nil {
			dlog.Warnf(ctx, "cas: GC: deleting %s: %v", row.OID, err)
			continue
		}
		report.Reclaimed++
		report.ReclaimedBytes += size
	}

	s.pruneOrphanedMaterializedDirs(ctx, reachable)

	return report, nil
}

// walkClosure visits oid and everything it transitively references, recording each visited
// OID in reachable. A visited-set prevents re-walking shared dependencies (spec §9).
func (s *Store) walkClosure(ctx context.Context, oid string, reachable map[string]bool) {
	if reachable[oid] {
		return
	}
	reachable[oid] = true

	loaded, err := s.Load(ctx, oid)
	if err != nil {
		dlog.Debugf(ctx, "cas: GC: could not load %s while walking closure: %v", oid, err)
		return
	}

	switch loaded.Kind {
	case "profile":
		if runtimeOID, ok := loaded.Header["runtime_oid"].(string); ok && runtimeOID != "" {
			s.walkClosure(ctx, runtimeOID, reachable)
		}
		if packages, ok := loaded.Header["packages"].([]any); ok {
			for _, p := range packages {
				pkg, ok := p.(map[string]any)
				if !ok {
					continue
				}
				if pkgBuildOID, ok := pkg["pkg_build_oid"].(string); ok && pkgBuildOID != "" {
					s.walkClosure(ctx, pkgBuildOID, reachable)
				}
			}
		}
	case "pkg_build":
		if sourceOID, ok := loaded.Header["source_oid"].(string); ok && sourceOID != "" {
			s.walkClosure(ctx, sourceOID, reachable)
		}
	case "runtime", "repo_snapshot", "source", "meta":
		// leaves: no further references.
	}
}

func (s *Store) deleteObject(ctx context.Context, oid string) (int64, error) {
	row, _ := s.index.get(oid)

	lock, err := acquireLock(ctx, s.ctx.LocksDir(), "oid-"+oid)
	if err != nil {
		return 0, err
	}
	defer lock.Release(ctx)

	objPath := shardedPath(s.ctx.ObjectsDir(), oid)
	if err := os.Chmod(objPath, 0o644); err != nil && !os.IsNotExist(err) {
		dlog.Debugf(ctx, "cas: chmod before delete of %s: %v", oid, err)
	}
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	if err := s.index.remove(oid); err != nil {
		return 0, err
	}
	return row.Size, nil
}

func (s *Store) pruneOrphanedMaterializedDirs(ctx context.Context, reachable map[string]bool) {
	for _, sub := range []string{"pkg-builds", "runtimes", "repo-snapshots"} {
		root := s.ctx.MaterializedDir() + "/" + sub
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			oid := entry.Name()
			if reachable[oid] {
				continue
			}
			if !s.Exists(oid) {
				if err := os.RemoveAll(root + "/" + oid); err != nil {
					dlog.Warnf(ctx, "cas: pruning orphaned materialized dir %s: %v", oid, err)
				}
			}
		}
	}
}
