// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/datawire/dlib/dlog"
)

// DoctorReport is the summary spec §4.2 "Doctor" asks for.
type DoctorReport struct {
	PartialsRemoved int
	ObjectsRemoved  int
	MissingObjects  int
	CorruptObjects  int
	RefsPruned      int
	KeysPruned      int
	LockedSkipped   int
}

// Doctor sweeps leftover temp/partial files, verifies every present object's digest, drops
// index rows whose object file is missing, removes objects whose digest no longer matches,
// and skips objects whose per-OID lock is currently held, counting them as LockedSkipped
// (spec §4.2 "Doctor"). Owners carry no lock of their own and are not skipped.
func (s *Store) Doctor(ctx context.Context) (DoctorReport, error) {
	var report DoctorReport

	entries, err := os.ReadDir(s.ctx.TmpDir())
	if err == nil {
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(s.ctx.TmpDir(), e.Name())); err != nil {
				dlog.Warnf(ctx, "cas: doctor: removing partial %s: %v", e.Name(), err)
				continue
			}
			report.PartialsRemoved++
		}
	}

	for _, row := range s.index.all() {
		lockPath := filepath.Join(s.ctx.LocksDir(), "oid-"+row.OID+".lock")
		if _, err := os.Stat(lockPath); err == nil {
			report.LockedSkipped++
			continue
		}

		objPath := shardedPath(s.ctx.ObjectsDir(), row.OID)
		if _, err := os.Stat(objPath); os.IsNotExist(err) {
			if err := s.index.remove(row.OID); err != nil {
				dlog.Warnf(ctx, "cas: doctor: pruning index row for missing %s: %v", row.OID, err)
				continue
			}
			report.MissingObjects++
			report.KeysPruned++
			continue
		}

		if _, err := s.Load(ctx, row.OID); err != nil {
			if strings.Contains(err.Error(), ErrDigestMismatch.Error()) || strings.Contains(err.Error(), ErrDecodeFailure.Error()) {
				if _, delErr := s.deleteObject(ctx, row.OID); delErr != nil {
					dlog.Warnf(ctx, "cas: doctor: removing corrupt %s: %v", row.OID, delErr)
					continue
				}
				report.CorruptObjects++
				report.ObjectsRemoved++
				continue
			}
			dlog.Warnf(ctx, "cas: doctor: unexpected error loading %s: %v", row.OID, err)
		}
	}

	report.RefsPruned = s.pruneDeadOwnerRefs(ctx)

	return report, nil
}

// pruneDeadOwnerRefs drops refs (and whole owners left empty) that point at OIDs no longer
// present in the store.
func (s *Store) pruneDeadOwnerRefs(ctx context.Context) int {
	owners, err := s.Owners()
	if err != nil {
		dlog.Warnf(ctx, "cas: doctor: loading owners: %v", err)
		return 0
	}

	pruned := 0
	for _, owner := range owners {
		live := owner.Refs[:0]
		for _, oid := range owner.Refs {
			if s.Exists(oid) {
				live = append(live, oid)
			} else {
				pruned++
			}
		}
		owner.Refs = live
		if len(owner.Refs) == 0 {
			if err := s.RemoveOwner(owner.ID); err != nil {
				dlog.Warnf(ctx, "cas: doctor: removing empty owner %s: %v", owner.ID, err)
			}
			continue
		}
		if err := s.SetOwnerRefs(owner); err != nil {
			dlog.Warnf(ctx, "cas: doctor: rewriting owner %s: %v", owner.ID, err)
		}
	}
	return pruned
}
