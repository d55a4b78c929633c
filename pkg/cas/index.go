// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// indexRow mirrors the row spec §4.2 "Write" step 6 describes for the CAS index:
// {oid, kind, size, created_at, last_accessed}.
type indexRow struct {
	OID          string
	Kind         string
	Size         int64
	CreatedAt    time.Time
	LastAccessed time.Time
}

// index is the CAS object index. spec §4.2/§6 call for "index.sqlite" with a
// write-ahead-log-enabled transaction; no sqlite (or any other embedded-DB) driver appears
// anywhere in the retrieval pack, so the index is a single gob-encoded file rewritten
// atomically (temp file + fsync + rename, the same durability pattern §5 requires of the
// lockfile and state file) and guarded by an in-process mutex rather than a WAL; no
// cross-process lock is taken on the index file itself. See DESIGN.md for the corpus check.
type index struct {
	path string
	mu   sync.Mutex
	rows map[string]indexRow
}

func openIndex(path string) (*index, error) {
	idx := &index{path: path, rows: map[string]indexRow{}}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	var rows []indexRow
	if err := gob.NewDecoder(f).Decode(&rows); err != nil {
		return nil, err
	}
	for _, r := range rows {
		idx.rows[r.OID] = r
	}
	return idx, nil
}

func (idx *index) upsert(row indexRow) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := time.Now()
	existing, ok := idx.rows[row.OID]
	if ok {
		row.CreatedAt = existing.CreatedAt
	} else {
		row.CreatedAt = now
	}
	row.LastAccessed = now
	idx.rows[row.OID] = row
	return idx.flushLocked()
}

func (idx *index) touch(oid string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	row, ok := idx.rows[oid]
	if !ok {
		return nil // best-effort; spec §4.2 "Read" says this update is non-fatal
	}
	row.LastAccessed = time.Now()
	idx.rows[oid] = row
	return idx.flushLocked()
}

func (idx *index) remove(oid string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.rows, oid)
	return idx.flushLocked()
}

func (idx *index) all() []indexRow {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows := make([]indexRow, 0, len(idx.rows))
	for _, r := range idx.rows {
		rows = append(rows, r)
	}
	return rows
}

func (idx *index) get(oid string) (indexRow, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.rows[oid]
	return r, ok
}

func (idx *index) flushLocked() error {
	rows := make([]indexRow, 0, len(idx.rows))
	for _, r := range idx.rows {
		rows = append(rows, r)
	}

	tmpDir := filepath.Dir(idx.path)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(tmpDir, "index-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := gob.NewEncoder(tmp).Encode(rows); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, idx.path)
}

// rowsByKind returns the index rows whose kind is kind.
func (idx *index) rowsByKind(kind string) []indexRow {
	var out []indexRow
	for _, r := range idx.all() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}
